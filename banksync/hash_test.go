package banksync_test

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"

	"github.com/chapterline/treasury-engine/banksync"
)

func TestFingerprint_Deterministic(t *testing.T) {
	date := time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)
	amount := decimal.NewFromFloat(-42.50)

	a := banksync.Fingerprint("tx-1", banksync.SourcePlaid, date, amount, "GREEK HOUSE SUPPLY")
	b := banksync.Fingerprint("tx-1", banksync.SourcePlaid, date, amount, "GREEK HOUSE SUPPLY")

	assert.Equal(t, a, b)
	assert.Len(t, a, 64) // hex sha256
}

func TestFingerprint_AmountPrecisionNormalized(t *testing.T) {
	date := time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)

	// 1.5 and 1.50 are the same money; they must fingerprint identically.
	a := banksync.Fingerprint("tx-1", banksync.SourcePlaid, date, decimal.NewFromFloat(1.5), "DUES")
	b := banksync.Fingerprint("tx-1", banksync.SourcePlaid, date, decimal.RequireFromString("1.50"), "DUES")

	assert.Equal(t, a, b)
}

func TestFingerprint_SensitiveToEveryField(t *testing.T) {
	date := time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)
	amount := decimal.NewFromFloat(-42.50)
	base := banksync.Fingerprint("tx-1", banksync.SourcePlaid, date, amount, "GREEK HOUSE SUPPLY")

	variants := map[string]string{
		"external id": banksync.Fingerprint("tx-2", banksync.SourcePlaid, date, amount, "GREEK HOUSE SUPPLY"),
		"source":      banksync.Fingerprint("tx-1", banksync.Source("finicity"), date, amount, "GREEK HOUSE SUPPLY"),
		"date":        banksync.Fingerprint("tx-1", banksync.SourcePlaid, date.AddDate(0, 0, 1), amount, "GREEK HOUSE SUPPLY"),
		"amount":      banksync.Fingerprint("tx-1", banksync.SourcePlaid, date, amount.Neg(), "GREEK HOUSE SUPPLY"),
		"description": banksync.Fingerprint("tx-1", banksync.SourcePlaid, date, amount, "GREEK HOUSE SUPPLIES"),
	}
	for field, fp := range variants {
		assert.NotEqual(t, base, fp, "changing %s must change the fingerprint", field)
	}
}
