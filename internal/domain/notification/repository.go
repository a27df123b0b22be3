package notification

import "context"

// Repository stores device registrations.
type Repository interface {
	// UpsertDeviceToken registers a token, moving it to params.UserID if
	// another user held it.
	UpsertDeviceToken(ctx context.Context, params CreateDeviceTokenParams) (*DeviceToken, error)
	GetActiveTokensByUserID(ctx context.Context, userID int64) ([]*DeviceToken, error)
	// DeactivateToken returns ErrDeviceTokenNotFound for unknown tokens.
	DeactivateToken(ctx context.Context, token string) error
}
