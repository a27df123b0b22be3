package notification

import "context"

// Messenger delivers push messages to device tokens. Tokens the push service
// rejects as unregistered are reported back through the token deactivator the
// implementation was built with, not as an error.
type Messenger interface {
	Send(ctx context.Context, token string, title, body string, data map[string]string) error
	SendMulticast(ctx context.Context, tokens []string, title, body string, data map[string]string) error
}
