package memory

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"momali/internal/domain/notification"
)

type DeviceRepository struct {
	mu     sync.RWMutex
	tokens map[string]*notification.DeviceToken
}

func NewDeviceRepository() *DeviceRepository {
	return &DeviceRepository{tokens: make(map[string]*notification.DeviceToken)}
}

// UpsertDeviceToken registers or reactivates a token. A token registered by
// another user moves to params.UserID.
func (r *DeviceRepository) UpsertDeviceToken(_ context.Context, params notification.CreateDeviceTokenParams) (*notification.DeviceToken, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	t, ok := r.tokens[params.Token]
	if !ok {
		t = &notification.DeviceToken{ID: uuid.NewString(), Token: params.Token, CreatedAt: now}
		r.tokens[params.Token] = t
	}
	t.UserID = params.UserID
	t.DeviceType = params.DeviceType
	t.IsActive = true
	t.LastUsed = now

	cp := *t
	return &cp, nil
}

func (r *DeviceRepository) GetActiveTokensByUserID(_ context.Context, userID int64) ([]*notification.DeviceToken, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*notification.DeviceToken
	for _, t := range r.tokens {
		if t.UserID == userID && t.IsActive {
			cp := *t
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (r *DeviceRepository) DeactivateToken(_ context.Context, token string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tokens[token]
	if !ok {
		return notification.ErrDeviceTokenNotFound
	}
	t.IsActive = false
	return nil
}
