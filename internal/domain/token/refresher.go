// Package token keeps a valid access token available for every usable consent.
package token

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	"momali/internal/domain/consent"
	"momali/internal/domain/openbanking"
)

var (
	tokenTracer = otel.Tracer("momali/token")
	tokenMeter  = otel.Meter("momali/token")

	refreshCounter, _ = tokenMeter.Int64Counter(
		"token.refresh.total",
		metric.WithDescription("Token refreshes by outcome"),
	)
)

// defaultLifetime applies when the aggregator omits expires_in.
const defaultLifetime = 5 * time.Minute

const defaultRefreshTimeout = time.Minute

// Config tunes the Refresher.
type Config struct {
	// Skew is how long before expiry a token stops being handed out.
	Skew time.Duration
	// ProactiveLead is the window RefreshExpiring looks ahead.
	ProactiveLead time.Duration
	Policy        openbanking.RetryPolicy
	// RefreshTimeout bounds a shared refresh, which outlives the caller that
	// started it.
	RefreshTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		Skew:           120 * time.Second,
		ProactiveLead:  10 * time.Minute,
		Policy:         openbanking.DefaultRefreshPolicy,
		RefreshTimeout: defaultRefreshTimeout,
	}
}

// Refresher hands out access tokens, refreshing them at most once at a time
// per consent.
type Refresher struct {
	store    Store
	provider Provider
	cfg      Config
	now      func() time.Time
	group    singleflight.Group

	mu       sync.RWMutex
	consents ConsentTracker
}

func NewRefresher(store Store, provider Provider, cfg Config) *Refresher {
	return &Refresher{
		store:    store,
		provider: provider,
		cfg:      cfg,
		now:      time.Now,
	}
}

// SetConsentTracker wires the consent manager, which in turn depends on the
// Refresher for code exchange.
func (r *Refresher) SetConsentTracker(ct ConsentTracker) {
	r.mu.Lock()
	r.consents = ct
	r.mu.Unlock()
}

// SetClock overrides time.Now.
func (r *Refresher) SetClock(now func() time.Time) {
	r.now = now
}

func (r *Refresher) tracker() ConsentTracker {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.consents
}

// GetValidToken returns an access token for the consent, refreshing it when
// it is within the skew window of expiry.
func (r *Refresher) GetValidToken(ctx context.Context, consentID string) (string, error) {
	return r.validToken(ctx, consentID, r.cfg.Skew)
}

// ForceRefresh replaces an access token the aggregator rejected before its
// recorded expiry. If another caller has already replaced it, the newer token
// is returned without a second refresh.
func (r *Refresher) ForceRefresh(ctx context.Context, consentID, rejected string) (string, error) {
	return r.token(ctx, consentID, func(p *TokenPair) bool {
		return p.AccessToken != rejected && p.FreshAt(r.now(), r.cfg.Skew)
	})
}

func (r *Refresher) validToken(ctx context.Context, consentID string, margin time.Duration) (string, error) {
	return r.token(ctx, consentID, func(p *TokenPair) bool {
		return p.FreshAt(r.now(), margin)
	})
}

// token returns the stored access token when usable accepts it and refreshes
// it otherwise. Refreshes are shared per consent and run detached from the
// caller, so one cancelled request does not fail the others waiting on it.
func (r *Refresher) token(ctx context.Context, consentID string, usable func(*TokenPair) bool) (string, error) {
	c, err := r.tracker().Get(ctx, consentID)
	if err != nil {
		return "", err
	}
	if !c.Status.Usable() {
		return "", fmt.Errorf("%w: consent %s is %s", openbanking.ErrReauthorizationRequired, c.ID, c.Status)
	}

	pair, err := r.store.Get(ctx, c.UserID, c.ID)
	if errors.Is(err, ErrTokenNotFound) {
		return "", r.invalidate(ctx, c, "no tokens stored for consent")
	}
	if err != nil {
		return "", fmt.Errorf("failed to load tokens: %w", err)
	}
	if usable(pair) {
		return pair.AccessToken, nil
	}

	ch := r.group.DoChan(consentID, func() (interface{}, error) {
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cmp.Or(r.cfg.RefreshTimeout, defaultRefreshTimeout))
		defer cancel()
		return r.refresh(rctx, c, usable)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (r *Refresher) refresh(ctx context.Context, c *consent.Consent, usable func(*TokenPair) bool) (string, error) {
	ctx, span := tokenTracer.Start(ctx, "token.refresh",
		trace.WithAttributes(attribute.String("consent.id", c.ID)),
	)
	defer span.End()

	pair, err := r.store.Get(ctx, c.UserID, c.ID)
	if errors.Is(err, ErrTokenNotFound) {
		return "", r.invalidate(ctx, c, "no tokens stored for consent")
	}
	if err != nil {
		return "", fmt.Errorf("failed to load tokens: %w", err)
	}
	if usable(pair) {
		return pair.AccessToken, nil
	}
	if pair.RefreshToken == "" {
		r.recordOutcome(ctx, "no_refresh_token")
		return "", r.invalidate(ctx, c, "access token expired and no refresh token is available")
	}

	var grant *Grant
	err = openbanking.Retry(ctx, r.cfg.Policy, func(attempt int) error {
		g, err := r.provider.RefreshToken(ctx, pair.RefreshToken)
		if err != nil {
			log.Printf("Consent %s: token refresh attempt %d failed: %v", c.ID, attempt, err)
			return err
		}
		grant = g
		return nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "refresh failed")
		if errors.Is(err, openbanking.ErrReauthorizationRequired) {
			r.recordOutcome(ctx, "rejected")
			return "", r.invalidate(ctx, c, "refresh token rejected by aggregator")
		}
		r.recordOutcome(ctx, "failed")
		if openbanking.IsTemporary(err) {
			return "", fmt.Errorf("%w: refresh for consent %s: %v", openbanking.ErrTemporaryFailure, c.ID, err)
		}
		return "", fmt.Errorf("refresh for consent %s: %w", c.ID, err)
	}

	next := r.apply(pair, grant)
	if err := r.store.Put(ctx, next); err != nil {
		return "", fmt.Errorf("failed to store refreshed tokens: %w", err)
	}

	// The consent may have been revoked while the refresh was in flight.
	if cur, err := r.tracker().Get(ctx, c.ID); err == nil && !cur.Status.Usable() {
		if err := r.store.Delete(ctx, c.UserID, c.ID); err != nil {
			log.Printf("Consent %s: failed to drop tokens refreshed after revocation: %v", c.ID, err)
		}
		r.recordOutcome(ctx, "revoked")
		return "", fmt.Errorf("%w: consent %s is %s", openbanking.ErrReauthorizationRequired, c.ID, cur.Status)
	}

	r.recordOutcome(ctx, "refreshed")
	return next.AccessToken, nil
}

func (r *Refresher) apply(prev *TokenPair, g *Grant) *TokenPair {
	now := r.now()
	next := *prev
	next.AccessToken = g.AccessToken
	next.AccessExpiresAt = expiry(g, now)
	next.UpdatedAt = now
	if g.TokenType != "" {
		next.TokenType = g.TokenType
	}
	if g.Scope != "" {
		next.Scope = g.Scope
	}
	if g.RefreshToken != "" && g.RefreshToken != prev.RefreshToken {
		next.RefreshToken = g.RefreshToken
		next.RotatedAt = &now
	}
	return &next
}

func expiry(g *Grant, now time.Time) time.Time {
	if g.ExpiresAt.IsZero() {
		return now.Add(defaultLifetime)
	}
	return g.ExpiresAt
}

func (r *Refresher) invalidate(ctx context.Context, c *consent.Consent, reason string) error {
	if _, err := r.tracker().InvalidateForReauth(ctx, c.ID, reason); err != nil {
		log.Printf("Consent %s: failed to invalidate after token error: %v", c.ID, err)
	}
	return fmt.Errorf("%w: %s", openbanking.ErrReauthorizationRequired, reason)
}

func (r *Refresher) recordOutcome(ctx context.Context, outcome string) {
	refreshCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

// Exchange trades an authorisation code for the consent's first token pair.
func (r *Refresher) Exchange(ctx context.Context, c *consent.Consent, code string) error {
	var grant *Grant
	err := openbanking.Retry(ctx, r.cfg.Policy, func(int) error {
		g, err := r.provider.ExchangeCode(ctx, code, c.RedirectURI)
		if err != nil {
			return err
		}
		grant = g
		return nil
	})
	if err != nil {
		return err
	}

	now := r.now()
	pair := &TokenPair{
		UserID:          c.UserID,
		ConsentID:       c.ID,
		AccessToken:     grant.AccessToken,
		RefreshToken:    grant.RefreshToken,
		TokenType:       grant.TokenType,
		Scope:           grant.Scope,
		AccessExpiresAt: expiry(grant, now),
		IssuedAt:        now,
		UpdatedAt:       now,
	}
	if err := r.store.Put(ctx, pair); err != nil {
		return fmt.Errorf("failed to store tokens: %w", err)
	}
	return nil
}

// Delete removes the consent's tokens.
func (r *Refresher) Delete(ctx context.Context, userID int64, consentID string) error {
	return r.store.Delete(ctx, userID, consentID)
}

// RefreshExpiring refreshes tokens that expire within the proactive lead.
// Returns how many were refreshed.
func (r *Refresher) RefreshExpiring(ctx context.Context) (int, error) {
	pairs, err := r.store.ListExpiring(ctx, r.now().Add(r.cfg.ProactiveLead))
	if err != nil {
		return 0, err
	}

	refreshed := 0
	for _, p := range pairs {
		if ctx.Err() != nil {
			return refreshed, ctx.Err()
		}
		if _, err := r.validToken(ctx, p.ConsentID, r.cfg.ProactiveLead); err != nil {
			log.Printf("User %d: proactive refresh of consent %s failed: %v", p.UserID, p.ConsentID, err)
			continue
		}
		refreshed++
	}
	return refreshed, nil
}
