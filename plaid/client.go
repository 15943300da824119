/*
Package plaid adapts the official Plaid SDK to the engine's aggregator
interface.

PURPOSE:
  Concrete implementation of banksync.AggregatorClient. All Plaid-specific
  shapes (request builders, float amounts, error codes) stop here; the
  engine only ever sees normalized UpstreamTransactions and classified
  UpstreamErrors.

SIGN CONVENTION:
  Plaid reports outflows as positive amounts. The treasury convention is the
  opposite - positive increases chapter funds - so every amount is negated
  exactly once, here. The dedup fingerprint is computed over the normalized
  amount, so this conversion must never move or be duplicated.

ERROR CLASSIFICATION:
  ITEM_* credential errors are terminal: the user must re-link the
  connection. Rate limits and transient API errors are retryable from the
  same cursor.
*/
package plaid

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/plaid/plaid-go/v31/plaid"
	"github.com/shopspring/decimal"

	"github.com/chapterline/treasury-engine/banksync"
)

// syncPageSize is the number of transactions requested per sync page.
const syncPageSize = 500

// Client implements banksync.AggregatorClient against the Plaid API.
type Client struct {
	api        *plaid.APIClient
	clientName string
}

// Config carries the Plaid credentials and environment.
type Config struct {
	ClientID string
	Secret   string
	// Env selects the Plaid environment: "sandbox" (default) or "production".
	Env string
	// ClientName is shown to members inside the Link flow.
	ClientName string
}

// New creates a Plaid-backed aggregator client.
func New(cfg Config) *Client {
	configuration := plaid.NewConfiguration()
	configuration.AddDefaultHeader("PLAID-CLIENT-ID", cfg.ClientID)
	configuration.AddDefaultHeader("PLAID-SECRET", cfg.Secret)

	env := plaid.Sandbox
	if cfg.Env == "production" {
		env = plaid.Production
	}
	configuration.UseEnvironment(env)

	name := cfg.ClientName
	if name == "" {
		name = "Chapter Treasury"
	}
	return &Client{api: plaid.NewAPIClient(configuration), clientName: name}
}

// CreateLinkSession starts a Link flow and returns its short-lived token.
func (c *Client) CreateLinkSession(ctx context.Context, chapterID banksync.ChapterID) (string, error) {
	user := plaid.LinkTokenCreateRequestUser{ClientUserId: string(chapterID)}
	req := plaid.NewLinkTokenCreateRequest(
		c.clientName, "en", []plaid.CountryCode{plaid.COUNTRYCODE_US}, user,
	)
	req.SetProducts([]plaid.Products{plaid.PRODUCTS_TRANSACTIONS})

	resp, _, err := c.api.PlaidApi.LinkTokenCreate(ctx).
		LinkTokenCreateRequest(*req).Execute()
	if err != nil {
		return "", classify(err)
	}
	return resp.GetLinkToken(), nil
}

// ExchangePublicToken trades a public token for a durable access credential
// and resolves the institution behind the new item.
func (c *Client) ExchangePublicToken(ctx context.Context, publicToken string) (*banksync.ExchangeResult, error) {
	exReq := plaid.NewItemPublicTokenExchangeRequest(publicToken)
	exResp, _, err := c.api.PlaidApi.ItemPublicTokenExchange(ctx).
		ItemPublicTokenExchangeRequest(*exReq).Execute()
	if err != nil {
		return nil, classify(err)
	}

	result := &banksync.ExchangeResult{
		AccessToken: exResp.GetAccessToken(),
		ItemID:      exResp.GetItemId(),
	}

	meta, err := c.institution(ctx, result.AccessToken)
	if err != nil {
		return nil, err
	}
	result.Institution = meta
	return result, nil
}

// institution resolves the institution id and display name for an item.
func (c *Client) institution(ctx context.Context, accessToken string) (banksync.InstitutionMeta, error) {
	itemReq := plaid.NewItemGetRequest(accessToken)
	itemResp, _, err := c.api.PlaidApi.ItemGet(ctx).
		ItemGetRequest(*itemReq).Execute()
	if err != nil {
		return banksync.InstitutionMeta{}, classify(err)
	}

	item := itemResp.GetItem()
	meta := banksync.InstitutionMeta{
		ID:   item.GetInstitutionId(),
		Name: item.GetInstitutionName(),
	}
	if meta.Name != "" || meta.ID == "" {
		return meta, nil
	}

	instReq := plaid.NewInstitutionsGetByIdRequest(
		meta.ID, []plaid.CountryCode{plaid.COUNTRYCODE_US},
	)
	instResp, _, err := c.api.PlaidApi.InstitutionsGetById(ctx).
		InstitutionsGetByIdRequest(*instReq).Execute()
	if err != nil {
		return banksync.InstitutionMeta{}, classify(err)
	}
	meta.Name = instResp.GetInstitution().Name
	return meta, nil
}

// FetchChanges returns one page of the incremental change stream.
func (c *Client) FetchChanges(ctx context.Context, accessToken, cursor string) (*banksync.ChangeSet, error) {
	req := plaid.NewTransactionsSyncRequest(accessToken)
	if cursor != "" {
		req.SetCursor(cursor)
	}
	req.SetCount(int32(syncPageSize))

	resp, _, err := c.api.PlaidApi.TransactionsSync(ctx).
		TransactionsSyncRequest(*req).Execute()
	if err != nil {
		return nil, classify(err)
	}

	cs := &banksync.ChangeSet{
		NextCursor: resp.GetNextCursor(),
		HasMore:    resp.GetHasMore(),
	}
	for _, t := range resp.GetAdded() {
		up, err := normalize(t)
		if err != nil {
			return nil, err
		}
		cs.Added = append(cs.Added, up)
	}
	for _, t := range resp.GetModified() {
		up, err := normalize(t)
		if err != nil {
			return nil, err
		}
		cs.Modified = append(cs.Modified, up)
	}
	for _, r := range resp.GetRemoved() {
		cs.RemovedIDs = append(cs.RemovedIDs, r.GetTransactionId())
	}
	return cs, nil
}

// normalize converts one Plaid transaction to the staging shape.
func normalize(t plaid.Transaction) (banksync.UpstreamTransaction, error) {
	date, err := time.Parse(time.DateOnly, t.GetDate())
	if err != nil {
		return banksync.UpstreamTransaction{}, &banksync.UpstreamError{
			Code:    "BAD_DATE",
			Message: fmt.Sprintf("unparseable transaction date %q", t.GetDate()),
		}
	}

	desc := t.GetMerchantName()
	if desc == "" {
		desc = t.GetName()
	}

	raw, err := json.Marshal(t)
	if err != nil {
		raw = nil
	}

	return banksync.UpstreamTransaction{
		ExternalID: t.GetTransactionId(),
		Date:       date,
		// Plaid: positive = outflow. Treasury: positive = funds in.
		Amount:      decimal.NewFromFloat(t.GetAmount()).Neg(),
		Description: desc,
		Raw:         raw,
	}, nil
}

// classify maps a Plaid SDK error onto the engine's error taxonomy.
func classify(err error) error {
	plaidErr, convErr := plaid.ToPlaidError(err)
	if convErr != nil {
		// Transport-level failure: no structured Plaid body, assume transient.
		return &banksync.UpstreamError{Message: err.Error(), Retryable: true, Err: err}
	}

	code := plaidErr.GetErrorCode()
	retryable := true
	switch plaidErr.GetErrorType() {
	case "ITEM_ERROR", "INVALID_INPUT":
		// Credential revoked, re-auth required, bad token: user action needed.
		retryable = false
	case "RATE_LIMIT_EXCEEDED", "API_ERROR":
		retryable = true
	}

	return &banksync.UpstreamError{
		Code:      code,
		Message:   plaidErr.GetErrorMessage(),
		Retryable: retryable,
		Err:       err,
	}
}
