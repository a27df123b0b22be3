// Package consent owns the consent lifecycle: creation, the authorisation
// callback, activation, expiry and revocation.
package consent

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"momali/internal/domain/openbanking"
)

var (
	consentMeter = otel.Meter("momali/consent")

	transitionCounter, _ = consentMeter.Int64Counter(
		"consent.transitions.total",
		metric.WithDescription("Consent status transitions"),
	)
)

// Config tunes the Manager.
type Config struct {
	ConsentTTL     time.Duration
	PendingTimeout time.Duration
	RevokePolicy   openbanking.RetryPolicy
	RevokeTimeout  time.Duration
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		ConsentTTL:     90 * 24 * time.Hour,
		PendingTimeout: 30 * time.Minute,
		RevokePolicy:   openbanking.DefaultRefreshPolicy,
		RevokeTimeout:  2 * time.Minute,
	}
}

// Manager is the only writer of consent state.
type Manager struct {
	repo         Repository
	institutions Institutions
	provider     Provider
	tokens       TokenIssuer
	signer       StateSigner
	cfg          Config
	now          func() time.Time

	consentLocks openbanking.KeyedMutex
	pairLocks    openbanking.KeyedMutex

	mu       sync.RWMutex
	notifier SyncNotifier
	alerter  Alerter

	bg       sync.WaitGroup
	bgCtx    context.Context
	bgCancel context.CancelFunc
}

// NewManager creates a Manager.
func NewManager(repo Repository, institutions Institutions, provider Provider, tokens TokenIssuer, signer StateSigner, cfg Config) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		repo:         repo,
		institutions: institutions,
		provider:     provider,
		tokens:       tokens,
		signer:       signer,
		cfg:          cfg,
		now:          time.Now,
		bgCtx:        ctx,
		bgCancel:     cancel,
	}
}

// SetSyncNotifier wires the sync orchestrator. The two depend on each other,
// so this cannot be a constructor argument.
func (m *Manager) SetSyncNotifier(n SyncNotifier) {
	m.mu.Lock()
	m.notifier = n
	m.mu.Unlock()
}

// SetAlerter wires user-facing alerts.
func (m *Manager) SetAlerter(a Alerter) {
	m.mu.Lock()
	m.alerter = a
	m.mu.Unlock()
}

// SetClock overrides time.Now.
func (m *Manager) SetClock(now func() time.Time) {
	m.now = now
}

func (m *Manager) syncNotifier() SyncNotifier {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.notifier
}

func (m *Manager) userAlerter() Alerter {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.alerter
}

func pairKey(userID int64, institutionID string) string {
	return fmt.Sprintf("%d/%s", userID, institutionID)
}

// CreateConsent registers a consent with the aggregator and returns it in
// pending_authorization with the URL the user must visit.
func (m *Manager) CreateConsent(ctx context.Context, params CreateParams) (*Consent, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}

	inst, err := m.institutions.Lookup(ctx, params.InstitutionID)
	if err != nil {
		return nil, err
	}

	now := m.now()
	expiresAt := now.Add(m.cfg.ConsentTTL)

	pc, err := m.provider.CreateConsent(ctx, ProviderConsentRequest{
		InstitutionID: inst.AggregatorID,
		Scopes:        params.Scopes,
		ExpiresAt:     expiresAt,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to register consent with aggregator: %w", err)
	}
	if pc.ExpiresAt != nil && pc.ExpiresAt.Before(expiresAt) {
		expiresAt = *pc.ExpiresAt
	}

	c := &Consent{
		ID:            pc.ID,
		UserID:        params.UserID,
		InstitutionID: inst.ID,
		Status:        StatusCreated,
		Scopes:        params.Scopes,
		RedirectURI:   params.RedirectURI,
		CreatedAt:     now,
		UpdatedAt:     now,
		ExpiresAt:     &expiresAt,
	}
	if err := m.repo.Create(ctx, c); err != nil {
		return nil, fmt.Errorf("failed to store consent: %w", err)
	}
	transitionCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("from", ""),
		attribute.String("to", string(StatusCreated)),
	))

	unlock := m.consentLocks.Lock(c.ID)
	defer unlock()

	nonce := uuid.NewString()
	state, err := m.signer.Sign(c.ID, nonce)
	if err == nil {
		c.AuthorizationURL, err = m.provider.AuthorizationURL(c.ID, c.RedirectURI, state)
	}
	if err != nil {
		if ferr := m.setStatus(ctx, c, StatusFailed, "could not build authorization url"); ferr != nil {
			log.Printf("Consent %s: failed to mark failed: %v", c.ID, ferr)
		}
		return nil, fmt.Errorf("failed to build authorization url: %w", err)
	}

	c.StateID = nonce
	if err := m.setStatus(ctx, c, StatusPendingAuthorization, ""); err != nil {
		return nil, err
	}

	log.Printf("User %d: consent %s created for %s", c.UserID, c.ID, c.InstitutionID)
	return c, nil
}

// ApplyCallback resolves the state carried by the bank's redirect and applies
// the outcome to the consent it was issued for. A state is used at most once:
// a replay fails with ErrStateUsed and returns the consent as it stands. The
// state is handed back when the consent is left pending_authorization, so a
// temporary failure can be retried with the same redirect.
func (m *Manager) ApplyCallback(ctx context.Context, state string, res CallbackResult) (*Consent, error) {
	if err := res.Validate(); err != nil {
		return nil, err
	}
	consentID, nonce, err := m.signer.Verify(state)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidState, err)
	}

	if err := m.repo.ConsumeState(ctx, consentID, nonce); err != nil {
		if errors.Is(err, ErrStateUsed) {
			if c, gerr := m.repo.GetByID(ctx, consentID); gerr == nil {
				return c, err
			}
		}
		return nil, err
	}

	c, err := m.CompleteCallback(ctx, consentID, res)
	if err != nil {
		if rerr := m.repo.RestoreState(context.WithoutCancel(ctx), consentID, nonce); rerr != nil {
			log.Printf("Consent %s: failed to restore callback state: %v", consentID, rerr)
		}
	}
	return c, err
}

// CompleteCallback applies the authorisation outcome. Replaying the result
// that already took effect is a no-op; anything else after the consent left
// pending_authorization fails with ErrInvalidTransition.
func (m *Manager) CompleteCallback(ctx context.Context, consentID string, res CallbackResult) (*Consent, error) {
	if err := res.Validate(); err != nil {
		return nil, err
	}

	c, authorized, err := m.completeCallback(ctx, consentID, res)
	if err != nil {
		return c, err
	}

	if authorized {
		if n := m.syncNotifier(); n != nil {
			n.ConsentAuthorized(context.WithoutCancel(ctx), c.Clone())
		}
	}
	return c, nil
}

func (m *Manager) completeCallback(ctx context.Context, consentID string, res CallbackResult) (*Consent, bool, error) {
	c, err := m.repo.GetByID(ctx, consentID)
	if err != nil {
		return nil, false, err
	}

	unlockPair := m.pairLocks.Lock(pairKey(c.UserID, c.InstitutionID))
	defer unlockPair()
	unlock := m.consentLocks.Lock(consentID)
	defer unlock()

	c, err = m.repo.GetByID(ctx, consentID)
	if err != nil {
		return nil, false, err
	}

	approved := res.Outcome == OutcomeApproved
	if approved && c.Status.Usable() {
		return c, false, nil
	}
	if !approved && c.Status == StatusFailed {
		return c, false, nil
	}
	if c.Status != StatusPendingAuthorization {
		return c, false, fmt.Errorf("%w: consent %s is already %s",
			openbanking.ErrInvalidTransition, c.ID, c.Status)
	}

	if !approved {
		if err := m.setStatus(ctx, c, StatusFailed, res.reason()); err != nil {
			return nil, false, err
		}
		return c, false, nil
	}

	if IsExpired(c, m.now()) {
		if err := m.setStatus(ctx, c, StatusFailed, "consent expired before authorization"); err != nil {
			return nil, false, err
		}
		return c, false, fmt.Errorf("%w: consent %s expired before authorization",
			openbanking.ErrReauthorizationRequired, c.ID)
	}

	if err := m.setStatus(ctx, c, StatusAuthorized, ""); err != nil {
		return nil, false, err
	}

	if err := m.tokens.Exchange(ctx, c, res.Code); err != nil {
		m.dropTokens(ctx, c)
		if ferr := m.setStatus(ctx, c, StatusFailed, "token exchange failed"); ferr != nil {
			log.Printf("Consent %s: failed to mark failed after exchange error: %v", c.ID, ferr)
		}
		return c, false, fmt.Errorf("failed to exchange authorization code: %w", err)
	}

	m.supersede(ctx, c)

	log.Printf("User %d: consent %s authorized", c.UserID, c.ID)
	return c, true, nil
}

// supersede revokes every other usable consent for c's user and institution.
// Callers hold the pair lock.
func (m *Manager) supersede(ctx context.Context, c *Consent) {
	others, err := m.repo.ListByUserInstitution(ctx, c.UserID, c.InstitutionID)
	if err != nil {
		log.Printf("Consent %s: failed to list consents to supersede: %v", c.ID, err)
		return
	}
	for _, o := range others {
		if o.ID == c.ID || !o.Status.Usable() {
			continue
		}
		unlock := m.consentLocks.Lock(o.ID)
		prior, err := m.repo.GetByID(ctx, o.ID)
		if err == nil && prior.Status.Usable() {
			err = m.revokeLocked(ctx, prior, "superseded by "+c.ID, c.ID)
		}
		unlock()
		if err != nil {
			log.Printf("Consent %s: failed to supersede %s: %v", c.ID, o.ID, err)
			continue
		}
		log.Printf("User %d: consent %s superseded by %s", c.UserID, o.ID, c.ID)
	}
}

// Revoke withdraws a consent. Local effects (sync cancelled, tokens deleted,
// status revoked) happen before it returns; the aggregator is told in the
// background and RevokeAckPending stays set until it acknowledges.
func (m *Manager) Revoke(ctx context.Context, consentID string) (*Consent, error) {
	unlock := m.consentLocks.Lock(consentID)
	defer unlock()

	c, err := m.repo.GetByID(ctx, consentID)
	if err != nil {
		return nil, err
	}
	if err := m.revokeLocked(ctx, c, "revoked by user", ""); err != nil {
		return nil, err
	}
	return c, nil
}

func (m *Manager) revokeLocked(ctx context.Context, c *Consent, reason, supersededBy string) error {
	if c.Status == StatusRevoked {
		return nil
	}

	if n := m.syncNotifier(); n != nil {
		n.Cancel(c.ID)
	}

	prevAck, prevSuper := c.RevokeAckPending, c.SupersededBy
	c.RevokeAckPending = true
	c.SupersededBy = supersededBy
	if err := m.setStatus(ctx, c, StatusRevoked, reason); err != nil {
		c.RevokeAckPending, c.SupersededBy = prevAck, prevSuper
		return err
	}

	m.dropTokens(ctx, c)
	m.revokeExternally(c.ID)
	return nil
}

func (m *Manager) revokeExternally(consentID string) {
	m.bg.Add(1)
	go func() {
		defer m.bg.Done()

		ctx, cancel := context.WithTimeout(m.bgCtx, m.cfg.RevokeTimeout)
		defer cancel()

		if err := m.confirmRevoke(ctx, consentID); err != nil {
			log.Printf("Consent %s: aggregator revoke not acknowledged yet: %v", consentID, err)
		}
	}()
}

func (m *Manager) confirmRevoke(ctx context.Context, consentID string) error {
	err := openbanking.Retry(ctx, m.cfg.RevokePolicy, func(int) error {
		return m.provider.RevokeConsent(ctx, consentID)
	})
	if err != nil {
		return err
	}

	unlock := m.consentLocks.Lock(consentID)
	defer unlock()

	c, err := m.repo.GetByID(ctx, consentID)
	if err != nil {
		return err
	}
	if !c.RevokeAckPending {
		return nil
	}
	c.RevokeAckPending = false
	c.UpdatedAt = m.now()
	if err := m.repo.Update(ctx, c); err != nil {
		return fmt.Errorf("failed to clear revoke flag: %w", err)
	}
	log.Printf("Consent %s: revocation acknowledged by aggregator", consentID)
	return nil
}

// RetryPendingRevokes re-sends revocations the aggregator has not
// acknowledged. Returns how many were acknowledged.
func (m *Manager) RetryPendingRevokes(ctx context.Context) (int, error) {
	pending, err := m.repo.ListRevokePending(ctx)
	if err != nil {
		return 0, err
	}

	acked := 0
	for _, c := range pending {
		if ctx.Err() != nil {
			return acked, ctx.Err()
		}
		m.dropTokens(ctx, c)
		if err := m.confirmRevoke(ctx, c.ID); err != nil {
			log.Printf("Consent %s: revoke retry failed: %v", c.ID, err)
			continue
		}
		acked++
	}
	return acked, nil
}

// MarkActive promotes an authorized consent after its first successful sync.
func (m *Manager) MarkActive(ctx context.Context, consentID string) (*Consent, error) {
	c, err := m.repo.GetByID(ctx, consentID)
	if err != nil {
		return nil, err
	}

	unlockPair := m.pairLocks.Lock(pairKey(c.UserID, c.InstitutionID))
	defer unlockPair()
	unlock := m.consentLocks.Lock(consentID)
	defer unlock()

	c, err = m.repo.GetByID(ctx, consentID)
	if err != nil {
		return nil, err
	}

	switch c.Status {
	case StatusActive:
		return c, nil
	case StatusAuthorized:
	default:
		return c, fmt.Errorf("%w: consent %s is %s", openbanking.ErrInvalidTransition, c.ID, c.Status)
	}

	if IsExpired(c, m.now()) {
		if err := m.expireLocked(ctx, c); err != nil {
			return nil, err
		}
		return c, fmt.Errorf("%w: consent %s expired", openbanking.ErrReauthorizationRequired, c.ID)
	}

	m.supersede(ctx, c)

	if err := m.setStatus(ctx, c, StatusActive, ""); err != nil {
		return nil, err
	}
	return c, nil
}

// InvalidateForReauth records that the aggregator no longer accepts the
// consent's credentials. Active consents expire; authorized ones fail.
func (m *Manager) InvalidateForReauth(ctx context.Context, consentID, reason string) (*Consent, error) {
	unlock := m.consentLocks.Lock(consentID)
	defer unlock()

	c, err := m.repo.GetByID(ctx, consentID)
	if err != nil {
		return nil, err
	}

	switch c.Status {
	case StatusActive:
		err = m.setStatus(ctx, c, StatusExpired, reason)
	case StatusAuthorized, StatusCreated, StatusPendingAuthorization:
		err = m.setStatus(ctx, c, StatusFailed, reason)
	default:
		return c, nil
	}
	if err != nil {
		return nil, err
	}

	m.dropTokens(ctx, c)
	if a := m.userAlerter(); a != nil {
		a.ReauthorizationRequired(ctx, c.Clone(), reason)
	}
	return c, nil
}

// CheckExpiry returns the consent, first moving it to expired if its
// validity window has elapsed.
func (m *Manager) CheckExpiry(ctx context.Context, consentID string) (*Consent, error) {
	c, err := m.repo.GetByID(ctx, consentID)
	if err != nil {
		return nil, err
	}
	if !c.Status.Usable() || !IsExpired(c, m.now()) {
		return c, nil
	}

	unlock := m.consentLocks.Lock(consentID)
	defer unlock()

	c, err = m.repo.GetByID(ctx, consentID)
	if err != nil {
		return nil, err
	}
	if c.Status.Usable() && IsExpired(c, m.now()) {
		if err := m.expireLocked(ctx, c); err != nil {
			return nil, err
		}
		if a := m.userAlerter(); a != nil {
			a.ReauthorizationRequired(ctx, c.Clone(), "consent expired")
		}
	}
	return c, nil
}

func (m *Manager) expireLocked(ctx context.Context, c *Consent) error {
	if err := m.setStatus(ctx, c, StatusExpired, "consent expired"); err != nil {
		return err
	}
	m.dropTokens(ctx, c)
	return nil
}

// ExpireStale fails consents stuck waiting for authorisation and expires
// usable consents past their validity window. Returns how many changed.
func (m *Manager) ExpireStale(ctx context.Context) (int, error) {
	now := m.now()
	changed := 0

	pending, err := m.repo.ListByStatus(ctx, StatusCreated, StatusPendingAuthorization)
	if err != nil {
		return 0, err
	}
	for _, p := range pending {
		if now.Sub(p.CreatedAt) < m.cfg.PendingTimeout && !IsExpired(p, now) {
			continue
		}
		unlock := m.consentLocks.Lock(p.ID)
		c, err := m.repo.GetByID(ctx, p.ID)
		if err == nil && (c.Status == StatusCreated || c.Status == StatusPendingAuthorization) {
			err = m.setStatus(ctx, c, StatusFailed, "authorization timed out")
			if err == nil {
				changed++
			}
		}
		unlock()
		if err != nil {
			log.Printf("Consent %s: failed to time out authorization: %v", p.ID, err)
		}
	}

	usable, err := m.repo.ListByStatus(ctx, StatusAuthorized, StatusActive)
	if err != nil {
		return changed, err
	}
	for _, u := range usable {
		if !IsExpired(u, now) {
			continue
		}
		if n := m.syncNotifier(); n != nil {
			n.Cancel(u.ID)
		}
		before := u.Status
		c, err := m.CheckExpiry(ctx, u.ID)
		if err != nil {
			log.Printf("Consent %s: failed to expire: %v", u.ID, err)
			continue
		}
		if c.Status != before {
			changed++
		}
	}
	return changed, nil
}

// remoteStatus maps an aggregator consent status to the local status it
// forces. Statuses that leave the consent usable map to false.
func remoteStatus(s string) (Status, bool) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "REVOKED", "REJECTED":
		return StatusRevoked, true
	case "EXPIRED":
		return StatusExpired, true
	}
	return "", false
}

// Reconcile asks the aggregator for the status of every usable consent and
// applies revocations and expiries made at the bank. Returns how many changed.
func (m *Manager) Reconcile(ctx context.Context) (int, error) {
	usable, err := m.repo.ListByStatus(ctx, StatusAuthorized, StatusActive)
	if err != nil {
		return 0, err
	}

	changed := 0
	for _, u := range usable {
		if ctx.Err() != nil {
			return changed, ctx.Err()
		}
		ok, err := m.reconcile(ctx, u.ID)
		if err != nil {
			log.Printf("Consent %s: failed to reconcile with aggregator: %v", u.ID, err)
			continue
		}
		if ok {
			changed++
		}
	}
	return changed, nil
}

func (m *Manager) reconcile(ctx context.Context, consentID string) (bool, error) {
	remote, err := m.provider.ConsentStatus(ctx, consentID)
	if err != nil {
		return false, err
	}
	to, ok := remoteStatus(remote)
	if !ok {
		return false, nil
	}

	unlock := m.consentLocks.Lock(consentID)
	defer unlock()

	c, err := m.repo.GetByID(ctx, consentID)
	if err != nil {
		return false, err
	}
	if !c.Status.Usable() {
		return false, nil
	}

	if n := m.syncNotifier(); n != nil {
		n.Cancel(c.ID)
	}
	reason := "consent " + strings.ToLower(remote) + " at the aggregator"
	if err := m.setStatus(ctx, c, to, reason); err != nil {
		return false, err
	}
	m.dropTokens(ctx, c)
	if a := m.userAlerter(); a != nil {
		a.ReauthorizationRequired(ctx, c.Clone(), reason)
	}
	return true, nil
}

func (m *Manager) dropTokens(ctx context.Context, c *Consent) {
	if err := m.tokens.Delete(ctx, c.UserID, c.ID); err != nil {
		log.Printf("Consent %s: failed to delete tokens: %v", c.ID, err)
	}
}

func (m *Manager) setStatus(ctx context.Context, c *Consent, to Status, reason string) error {
	prev := c.Clone()
	from := c.Status
	if err := c.Transition(to, m.now()); err != nil {
		return err
	}
	if reason != "" {
		c.FailureReason = reason
	}
	if err := m.repo.Update(ctx, c); err != nil {
		*c = *prev
		return fmt.Errorf("failed to update consent %s: %w", c.ID, err)
	}

	transitionCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("from", string(from)),
		attribute.String("to", string(to)),
	))
	log.Printf("Consent %s: %s -> %s", c.ID, from, to)
	return nil
}

// Get returns a consent by id.
func (m *Manager) Get(ctx context.Context, consentID string) (*Consent, error) {
	return m.repo.GetByID(ctx, consentID)
}

// GetForUser returns a consent owned by userID. Consents of other users are
// reported as not found.
func (m *Manager) GetForUser(ctx context.Context, userID int64, consentID string) (*Consent, error) {
	c, err := m.repo.GetByID(ctx, consentID)
	if err != nil {
		return nil, err
	}
	if c.UserID != userID {
		return nil, ErrConsentNotFound
	}
	return c, nil
}

// ListForUser returns the user's consents, newest first.
func (m *Manager) ListForUser(ctx context.Context, userID int64) ([]*Consent, error) {
	if userID <= 0 {
		return nil, errors.New("valid user ID is required")
	}
	return m.repo.ListByUser(ctx, userID)
}

// ListByStatus returns consents in any of the given statuses.
func (m *Manager) ListByStatus(ctx context.Context, statuses ...Status) ([]*Consent, error) {
	return m.repo.ListByStatus(ctx, statuses...)
}

// Shutdown waits for background revocations to finish or ctx to end.
func (m *Manager) Shutdown(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		m.bg.Wait()
		close(done)
	}()

	select {
	case <-done:
		m.bgCancel()
		return nil
	case <-ctx.Done():
		m.bgCancel()
		return ctx.Err()
	}
}
