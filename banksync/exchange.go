/*
exchange.go - Credential exchange: public token -> durable connection

PURPOSE:
  Completes the link flow. The client-side link session produced a
  short-lived public token; this exchanges it for a durable access
  credential, resolves the institution's identity, and creates the
  BankConnection record.

TENANT ISOLATION:
  The caller-vs-chapter check happens at the API boundary before this
  service is invoked, so no aggregator call is made on behalf of a
  mismatched identity.

SEE ALSO:
  - aggregator.go: the client interface used here
  - api/handlers.go: the Unauthorized check preceding these calls
*/
package banksync

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// LinkService creates link sessions and turns completed links into
// bank connections.
type LinkService struct {
	conns  ConnectionStore
	client AggregatorClient
	log    zerolog.Logger

	now   func() time.Time
	newID func() string
}

// NewLinkService creates a LinkService over the given connection store and
// aggregator client.
func NewLinkService(conns ConnectionStore, client AggregatorClient, log zerolog.Logger) *LinkService {
	return &LinkService{
		conns:  conns,
		client: client,
		log:    log,
		now:    time.Now,
		newID:  func() string { return uuid.NewString() },
	}
}

// CreateLinkToken starts a client link session for the chapter.
func (l *LinkService) CreateLinkToken(ctx context.Context, chapterID ChapterID) (string, error) {
	return l.client.CreateLinkSession(ctx, chapterID)
}

// ExchangeToken trades a short-lived public token for a durable credential
// and persists the resulting connection.
//
// Returns ErrConflict if the same bank item is already linked and active for
// the chapter: duplicate links are surfaced to the user, not merged.
func (l *LinkService) ExchangeToken(ctx context.Context, chapterID ChapterID, publicToken string) (*BankConnection, error) {
	ex, err := l.client.ExchangePublicToken(ctx, publicToken)
	if err != nil {
		return nil, err
	}

	now := l.now()
	conn := BankConnection{
		ID:              ConnectionID(l.newID()),
		ChapterID:       chapterID,
		InstitutionID:   ex.Institution.ID,
		InstitutionName: ex.Institution.Name,
		AccessToken:     ex.AccessToken,
		ItemID:          ex.ItemID,
		IsActive:        true,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := l.conns.CreateConnection(ctx, conn); err != nil {
		return nil, err
	}

	l.log.Info().
		Str("chapter", string(chapterID)).
		Str("connection", string(conn.ID)).
		Str("institution", conn.InstitutionName).
		Msg("bank connection linked")

	return &conn, nil
}
