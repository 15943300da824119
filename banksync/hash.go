/*
hash.go - Content fingerprint for transaction identity

PURPOSE:
  Produces the deterministic fingerprint used for duplicate detection across
  sync attempts and as the ledger dedup key. This is the sole mechanism for
  answering "have I seen this transaction before".

STABILITY CONTRACT:
  The canonical form below (field order, delimiter, date layout, amount
  formatting) is part of the persisted data format. Changing any of it
  changes every fingerprint and silently breaks dedup against historical
  rows unless a migration rewrites them. Do not touch without one.

CANONICAL FORM:
  externalID|source|YYYY-MM-DD|amount(2dp, signed)|description

SEE ALSO:
  - orchestrator.go: fingerprints every staged write
  - reconciler.go: uses the fingerprint as the ledger dedup key
*/
package banksync

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// fingerprintDelimiter separates canonical fields. The fields themselves may
// contain it (descriptions are free text); that is acceptable because the
// fingerprint only needs to be deterministic and collision-resistant, not
// reversible.
const fingerprintDelimiter = "|"

// Fingerprint returns the hex sha256 of the transaction's identity fields.
//
// Identical inputs always produce identical output. The amount must already
// be in the treasury sign convention (positive increases chapter funds);
// it is rendered at fixed two-decimal precision so 1.5 and 1.50 agree.
func Fingerprint(externalID string, source Source, date time.Time, amount decimal.Decimal, description string) string {
	canonical := strings.Join([]string{
		externalID,
		string(source),
		date.Format(time.DateOnly),
		amount.StringFixed(2),
		description,
	}, fingerprintDelimiter)

	sum := sha256.Sum256([]byte(canonical))
	return hex.EncodeToString(sum[:])
}
