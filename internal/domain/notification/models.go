package notification

import (
	"errors"
	"slices"
	"time"
)

// Categories double as the "route" data key the app deep links on.
const (
	CategoryConsents = "consents"
	CategoryAccounts = "accounts"
	CategoryBalances = "balances"
)

var deviceTypes = []string{"ios", "android"}

var (
	ErrDeviceTokenNotFound = errors.New("device token not found")
	ErrInvalidDeviceType   = errors.New("device type must be 'ios' or 'android'")
	ErrInvalidToken        = errors.New("device token is required")
	ErrInvalidUser         = errors.New("valid user ID is required")
)

// DeviceToken is an FCM registration for one of the user's phones.
type DeviceToken struct {
	ID         string
	UserID     int64
	Token      string
	DeviceType string
	IsActive   bool
	CreatedAt  time.Time
	LastUsed   time.Time
}

type CreateDeviceTokenParams struct {
	UserID     int64
	Token      string
	DeviceType string
}

func (p CreateDeviceTokenParams) Validate() error {
	switch {
	case p.UserID <= 0:
		return ErrInvalidUser
	case p.Token == "":
		return ErrInvalidToken
	case !IsValidDeviceType(p.DeviceType):
		return ErrInvalidDeviceType
	}
	return nil
}

func IsValidDeviceType(dt string) bool {
	return slices.Contains(deviceTypes, dt)
}
