/*
aggregator.go - Boundary to the external bank-data aggregator

PURPOSE:
  Narrow client interface covering the three aggregator calls the engine
  uses: create a link session, exchange a public token, fetch incremental
  changes. Orchestration logic is tested against a fake implementation;
  the production adapter lives in the plaid package.

SIGN CONVENTION:
  Implementations must deliver amounts already normalized to the treasury
  convention: positive increases chapter funds. The fingerprint is computed
  over the normalized amount, so the conversion must happen in exactly one
  place - the adapter.

SEE ALSO:
  - plaid/client.go: production implementation
  - orchestrator.go, exchange.go: consumers
*/
package banksync

import (
	"context"
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// UpstreamTransaction is one transaction as reported by the aggregator,
// already normalized for staging.
type UpstreamTransaction struct {
	ExternalID  string
	Date        time.Time
	Amount      decimal.Decimal
	Description string

	// Raw is the aggregator's own payload, kept opaque for audit and debug.
	Raw json.RawMessage
}

// ChangeSet is one page of the aggregator's incremental change stream.
type ChangeSet struct {
	Added      []UpstreamTransaction
	Modified   []UpstreamTransaction
	RemovedIDs []string

	NextCursor string
	HasMore    bool
}

// InstitutionMeta identifies the financial institution behind a new link.
type InstitutionMeta struct {
	ID   string
	Name string
}

// ExchangeResult is what a successful public-token exchange yields.
type ExchangeResult struct {
	AccessToken string
	ItemID      string
	Institution InstitutionMeta
}

// AggregatorClient is the injected boundary to the external aggregator.
// Failures should be reported as *UpstreamError so the orchestrator can
// classify them as retryable or terminal.
type AggregatorClient interface {
	// CreateLinkSession starts a client-side link flow and returns the
	// short-lived link token.
	CreateLinkSession(ctx context.Context, chapterID ChapterID) (string, error)

	// ExchangePublicToken trades a short-lived public token for a durable
	// access credential and resolves the institution's identity.
	ExchangePublicToken(ctx context.Context, publicToken string) (*ExchangeResult, error)

	// FetchChanges returns one page of transaction changes after cursor.
	// An empty cursor requests the stream from the beginning (full resync).
	FetchChanges(ctx context.Context, accessToken, cursor string) (*ChangeSet, error)
}
