// Package memory holds map-backed repositories for local development and
// tests. They enforce the same uniqueness rules as the postgres schema.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"momali/internal/domain/consent"
)

type ConsentRepository struct {
	mu       sync.RWMutex
	consents map[string]*consent.Consent
}

func NewConsentRepository() *ConsentRepository {
	return &ConsentRepository{consents: make(map[string]*consent.Consent)}
}

func (r *ConsentRepository) Create(_ context.Context, c *consent.Consent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.consents[c.ID]; ok {
		return fmt.Errorf("consent %s already exists", c.ID)
	}
	if err := r.checkActive(c); err != nil {
		return err
	}
	r.consents[c.ID] = c.Clone()
	return nil
}

func (r *ConsentRepository) Update(_ context.Context, c *consent.Consent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.consents[c.ID]; !ok {
		return consent.ErrConsentNotFound
	}
	if err := r.checkActive(c); err != nil {
		return err
	}
	r.consents[c.ID] = c.Clone()
	return nil
}

// checkActive mirrors the consents_one_active_idx partial unique index.
func (r *ConsentRepository) checkActive(c *consent.Consent) error {
	if c.Status != consent.StatusActive {
		return nil
	}
	for _, o := range r.consents {
		if o.ID != c.ID && o.Status == consent.StatusActive &&
			o.UserID == c.UserID && o.InstitutionID == c.InstitutionID {
			return consent.ErrActiveConflict
		}
	}
	return nil
}

func (r *ConsentRepository) GetByID(_ context.Context, id string) (*consent.Consent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.consents[id]
	if !ok {
		return nil, consent.ErrConsentNotFound
	}
	return c.Clone(), nil
}

func (r *ConsentRepository) ConsumeState(_ context.Context, consentID, stateID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.consents[consentID]
	if !ok {
		return consent.ErrConsentNotFound
	}
	if c.StateID == "" || c.StateID != stateID {
		return consent.ErrStateUsed
	}
	c.StateID = ""
	return nil
}

func (r *ConsentRepository) RestoreState(_ context.Context, consentID, stateID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.consents[consentID]
	if !ok {
		return consent.ErrConsentNotFound
	}
	if c.Status == consent.StatusPendingAuthorization && c.StateID == "" {
		c.StateID = stateID
	}
	return nil
}

// filter returns matching consents, newest first.
func (r *ConsentRepository) filter(keep func(*consent.Consent) bool) []*consent.Consent {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*consent.Consent
	for _, c := range r.consents {
		if keep(c) {
			out = append(out, c.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (r *ConsentRepository) ListByUser(_ context.Context, userID int64) ([]*consent.Consent, error) {
	return r.filter(func(c *consent.Consent) bool { return c.UserID == userID }), nil
}

func (r *ConsentRepository) ListByUserInstitution(_ context.Context, userID int64, institutionID string) ([]*consent.Consent, error) {
	return r.filter(func(c *consent.Consent) bool {
		return c.UserID == userID && c.InstitutionID == institutionID
	}), nil
}

func (r *ConsentRepository) ListByStatus(_ context.Context, statuses ...consent.Status) ([]*consent.Consent, error) {
	want := make(map[consent.Status]bool, len(statuses))
	for _, s := range statuses {
		want[s] = true
	}
	return r.filter(func(c *consent.Consent) bool { return want[c.Status] }), nil
}

func (r *ConsentRepository) ListRevokePending(_ context.Context) ([]*consent.Consent, error) {
	return r.filter(func(c *consent.Consent) bool { return c.RevokeAckPending }), nil
}
