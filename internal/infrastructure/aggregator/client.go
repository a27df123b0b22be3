// Package aggregator talks to the Open Banking aggregator: consent
// registration, OAuth token grants and account data.
package aggregator

import (
	"bytes"
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
	"golang.org/x/time/rate"

	"momali/internal/domain/consent"
	"momali/internal/domain/ingest"
	"momali/internal/domain/openbanking"
	"momali/internal/domain/syncjob"
	"momali/internal/domain/token"
)

const (
	defaultTimeout    = 60 * time.Second
	maxResponseBytes  = 10 << 20
	interactionHeader = "x-fapi-interaction-id"
)

// Config holds the aggregator endpoints and credentials.
type Config struct {
	BaseURL       string
	ClientID      string
	ClientSecret  string
	TokenPath     string
	AuthorizePath string
	ConsentsPath  string
	AccountsPath  string
	// Scopes requested on token grants. The aggregator expects OAuth scopes
	// here, not permission codes.
	Scopes []string
	// ClientCert is forwarded as X-Client-Cert when TLS terminates upstream.
	ClientCert        string
	RequestsPerSecond float64
	Burst             int
	Timeout           time.Duration
}

// Client handles communication with the aggregator API.
type Client struct {
	httpClient *http.Client
	baseURL    *url.URL
	cfg        Config
	oauth      oauth2.Config
	appTokens  oauth2.TokenSource
	limiter    *rate.Limiter
}

var (
	_ consent.Provider     = (*Client)(nil)
	_ token.Provider       = (*Client)(nil)
	_ syncjob.DataProvider = (*Client)(nil)
)

// NewClient creates a new aggregator client.
func NewClient(cfg Config) (*Client, error) {
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("invalid aggregator base URL %q", cfg.BaseURL)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = 10
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	cfg.TokenPath = cmp.Or(cfg.TokenPath, "/oauth2/token")
	cfg.AuthorizePath = cmp.Or(cfg.AuthorizePath, "/authorize")
	cfg.ConsentsPath = cmp.Or(cfg.ConsentsPath, "/consents")
	cfg.AccountsPath = cmp.Or(cfg.AccountsPath, "/accounts")

	c := &Client{
		httpClient: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		baseURL: base,
		cfg:     cfg,
		limiter: rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), cfg.Burst),
	}

	endpoint := oauth2.Endpoint{
		AuthURL:   c.url(cfg.AuthorizePath),
		TokenURL:  c.url(cfg.TokenPath),
		AuthStyle: oauth2.AuthStyleInParams,
	}
	c.oauth = oauth2.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		Endpoint:     endpoint,
		Scopes:       cfg.Scopes,
	}
	cc := clientcredentials.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		TokenURL:     endpoint.TokenURL,
		Scopes:       cfg.Scopes,
		AuthStyle:    oauth2.AuthStyleInParams,
	}
	c.appTokens = cc.TokenSource(c.oauthContext(context.Background()))
	return c, nil
}

func (c *Client) url(path string) string {
	if path != "" && !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return c.baseURL.String() + path
}

// oauthContext makes the oauth2 package use our instrumented HTTP client.
func (c *Client) oauthContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, c.httpClient)
}

// CreateConsent registers a consent using an app-level client credentials token.
func (c *Client) CreateConsent(ctx context.Context, req consent.ProviderConsentRequest) (*consent.ProviderConsent, error) {
	body := consentRequest{
		InstitutionID:      req.InstitutionID,
		Permissions:        Permissions(req.Scopes),
		ExpirationDateTime: req.ExpiresAt.UTC().Format(time.RFC3339),
	}

	var resp consentResponse
	err := c.doApp(ctx, http.MethodPost, c.url(c.cfg.ConsentsPath), body, &resp)
	if err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) && (apiErr.StatusCode == http.StatusNotFound || apiErr.StatusCode == http.StatusUnprocessableEntity) {
			return nil, fmt.Errorf("%w: %s", openbanking.ErrInstitutionUnavailable, apiErr.Message)
		}
		return nil, err
	}
	if resp.ConsentID == "" {
		return nil, errors.New("consent response missing consent id")
	}

	out := &consent.ProviderConsent{ID: resp.ConsentID, Status: resp.Status}
	if t := parseTime(resp.ExpirationDateTime); !t.IsZero() {
		out.ExpiresAt = &t
	}
	return out, nil
}

// AuthorizationURL builds the URL the user is sent to for approval.
func (c *Client) AuthorizationURL(consentID, redirectURI, state string) (string, error) {
	if consentID == "" || redirectURI == "" || state == "" {
		return "", errors.New("consent id, redirect URI and state are required")
	}
	return c.oauth.AuthCodeURL(state,
		oauth2.SetAuthURLParam("consentId", consentID),
		oauth2.SetAuthURLParam("redirect_uri", redirectURI),
	), nil
}

// RevokeConsent deletes the consent at the aggregator. A consent the
// aggregator no longer knows counts as revoked.
func (c *Client) RevokeConsent(ctx context.Context, consentID string) error {
	err := c.doApp(ctx, http.MethodDelete, c.url(c.cfg.ConsentsPath+"/"+url.PathEscape(consentID)), nil, nil)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	return err
}

// ConsentStatus returns the aggregator's status for the consent. A consent
// the aggregator no longer knows reports as revoked.
func (c *Client) ConsentStatus(ctx context.Context, consentID string) (string, error) {
	var resp consentResponse
	err := c.doApp(ctx, http.MethodGet, c.url(c.cfg.ConsentsPath+"/"+url.PathEscape(consentID)), nil, &resp)
	if errors.Is(err, ErrNotFound) {
		return "REVOKED", nil
	}
	if err != nil {
		return "", err
	}
	if resp.Status == "" {
		return "", errors.New("consent response missing status")
	}
	return resp.Status, nil
}

// ExchangeCode trades an authorization code for a token pair.
func (c *Client) ExchangeCode(ctx context.Context, code, redirectURI string) (*token.Grant, error) {
	if err := c.wait(ctx); err != nil {
		return nil, err
	}
	t, err := c.oauth.Exchange(c.oauthContext(ctx), code, oauth2.SetAuthURLParam("redirect_uri", redirectURI))
	if err != nil {
		return nil, oauthError("code exchange", err)
	}
	return grant(t), nil
}

// RefreshToken runs the refresh_token grant.
func (c *Client) RefreshToken(ctx context.Context, refreshToken string) (*token.Grant, error) {
	if err := c.wait(ctx); err != nil {
		return nil, err
	}
	expired := &oauth2.Token{RefreshToken: refreshToken, Expiry: time.Unix(1, 0)}
	t, err := c.oauth.TokenSource(c.oauthContext(ctx), expired).Token()
	if err != nil {
		return nil, oauthError("token refresh", err)
	}
	return grant(t), nil
}

func grant(t *oauth2.Token) *token.Grant {
	g := &token.Grant{
		AccessToken:  t.AccessToken,
		RefreshToken: t.RefreshToken,
		TokenType:    t.TokenType,
		ExpiresAt:    t.Expiry,
	}
	if scope, ok := t.Extra("scope").(string); ok {
		g.Scope = scope
	}
	return g
}

// oauthError classifies token endpoint failures.
func oauthError(op string, err error) error {
	var re *oauth2.RetrieveError
	if errors.As(err, &re) {
		status := 0
		if re.Response != nil {
			status = re.Response.StatusCode
		}
		kind := classify(status, re.ErrorCode)
		if kind == nil && status == http.StatusBadRequest {
			kind = openbanking.ErrReauthorizationRequired
		}
		if kind != nil {
			return fmt.Errorf("%w: %s failed with status %d %s", kind, op, status, re.ErrorCode)
		}
		return fmt.Errorf("%s failed: %w", op, err)
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return fmt.Errorf("%w: %s failed: %v", openbanking.ErrTemporaryFailure, op, err)
}

// ListAccounts returns the accounts visible to the access token.
func (c *Client) ListAccounts(ctx context.Context, accessToken string) ([]ingest.Account, error) {
	var resp accountsResponse
	if err := c.do(ctx, accessToken, http.MethodGet, c.url(c.cfg.AccountsPath), nil, &resp); err != nil {
		return nil, err
	}
	out := make([]ingest.Account, 0, len(resp.Data))
	for _, a := range resp.Data {
		if a.ID == "" {
			continue
		}
		out = append(out, a.toDomain())
	}
	return out, nil
}

// ListBalances returns the current and available balances of an account.
func (c *Client) ListBalances(ctx context.Context, accessToken, accountID string) ([]ingest.Balance, error) {
	var resp balancesResponse
	endpoint := c.url(c.cfg.AccountsPath + "/" + url.PathEscape(accountID) + "/balances")
	if err := c.do(ctx, accessToken, http.MethodGet, endpoint, nil, &resp); err != nil {
		return nil, err
	}
	var out []ingest.Balance
	for _, b := range resp.Data {
		out = append(out, b.toDomain(accountID)...)
	}
	return out, nil
}

// ListTransactions fetches one page. The cursor is the aggregator's next
// link, which must point back at the configured base URL.
func (c *Client) ListTransactions(ctx context.Context, accessToken, accountID string, q syncjob.TransactionQuery) (*syncjob.TransactionPage, error) {
	endpoint := q.Cursor
	if endpoint == "" {
		params := url.Values{}
		if !q.From.IsZero() {
			params.Set("fromDate", q.From.UTC().Format("2006-01-02"))
		}
		endpoint = c.url(c.cfg.AccountsPath + "/" + url.PathEscape(accountID) + "/transactions")
		if len(params) > 0 {
			endpoint += "?" + params.Encode()
		}
	} else if err := c.checkLink(endpoint); err != nil {
		return nil, err
	}

	var resp transactionsResponse
	if err := c.do(ctx, accessToken, http.MethodGet, endpoint, nil, &resp); err != nil {
		return nil, err
	}

	page := &syncjob.TransactionPage{Transactions: make([]ingest.Transaction, 0, len(resp.Data))}
	for _, t := range resp.Data {
		if t.ID == "" {
			continue
		}
		page.Transactions = append(page.Transactions, t.toDomain(accountID))
	}
	if next := resp.Links.Next; next != "" {
		if err := c.checkLink(next); err != nil {
			return nil, err
		}
		page.NextCursor = next
	}
	return page, nil
}

func (c *Client) checkLink(link string) error {
	u, err := url.Parse(link)
	if err != nil || u.Scheme != c.baseURL.Scheme || u.Host != c.baseURL.Host {
		return fmt.Errorf("refusing pagination link outside %s", c.baseURL.Host)
	}
	return nil
}

// doApp sends a request with the client credentials token.
func (c *Client) doApp(ctx context.Context, method, endpoint string, body, out any) error {
	t, err := c.appTokens.Token()
	if err != nil {
		return oauthError("client credentials grant", err)
	}
	return c.do(ctx, t.AccessToken, method, endpoint, body, out)
}

// wait takes a slot from the rate limiter. Not getting one before ctx ends is
// a temporary failure.
func (c *Client) wait(ctx context.Context) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("%w: rate limit wait: %w", openbanking.ErrTemporaryFailure, err)
	}
	return nil
}

func (c *Client) do(ctx context.Context, accessToken, method, endpoint string, body, out any) error {
	if err := c.wait(ctx); err != nil {
		return err
	}

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Accept", "application/json")
	req.Header.Set(interactionHeader, uuid.NewString())
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.cfg.ClientCert != "" {
		req.Header.Set("X-Client-Cert", c.cfg.ClientCert)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: failed to execute request: %v", openbanking.ErrTemporaryFailure, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return fmt.Errorf("%w: failed to read response body: %v", openbanking.ErrTemporaryFailure, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &APIError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(data))}
		var errResp ErrorResponse
		if json.Unmarshal(data, &errResp) == nil {
			apiErr.Code = errResp.Code
			if apiErr.Code == "" {
				apiErr.Code = errResp.Error
			}
			if msg := firstNonEmpty(errResp.Message, errResp.Description); msg != "" {
				apiErr.Message = msg
			}
		}
		return apiErr
	}

	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
