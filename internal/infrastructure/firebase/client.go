// Package firebase delivers push notifications through Firebase Cloud Messaging.
package firebase

import (
	"context"
	"fmt"
	"log"

	firebase "firebase.google.com/go/v4"
	"firebase.google.com/go/v4/messaging"
	"google.golang.org/api/option"

	"momali/internal/domain/notification"
	"momali/internal/infrastructure/crypto"
)

// fcmBatchLimit is the most tokens one multicast request accepts.
const fcmBatchLimit = 500

// TokenDeactivator marks a token FCM rejected as permanently invalid.
type TokenDeactivator func(ctx context.Context, token string) error

// sender is the part of *messaging.Client the Client uses.
type sender interface {
	Send(ctx context.Context, msg *messaging.Message) (string, error)
	SendEachForMulticast(ctx context.Context, msg *messaging.MulticastMessage) (*messaging.BatchResponse, error)
}

type Client struct {
	fcm         sender
	deactivator TokenDeactivator
}

var _ notification.Messenger = (*Client)(nil)

// NewClient initialises a Firebase app from a service account file.
// deactivator may be nil.
func NewClient(ctx context.Context, credentialsFile string, deactivator TokenDeactivator) (*Client, error) {
	app, err := firebase.NewApp(ctx, nil, option.WithCredentialsFile(credentialsFile))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize firebase app: %w", err)
	}
	fcm, err := app.Messaging(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize firebase messaging client: %w", err)
	}
	return &Client{fcm: fcm, deactivator: deactivator}, nil
}

func (c *Client) Send(ctx context.Context, token string, title, body string, data map[string]string) error {
	_, err := c.fcm.Send(ctx, &messaging.Message{
		Token:        token,
		Notification: &messaging.Notification{Title: title, Body: body},
		Data:         data,
		Android:      androidConfig(data),
	})
	if err == nil {
		return nil
	}
	if invalidToken(err) {
		c.deactivate(ctx, token, err)
		return fmt.Errorf("invalid device token: %w", err)
	}
	return fmt.Errorf("failed to send FCM message: %w", err)
}

// SendMulticast pushes to every token in batches of fcmBatchLimit. Tokens FCM
// rejects are deactivated. Partial failure is not an error.
func (c *Client) SendMulticast(ctx context.Context, tokens []string, title, body string, data map[string]string) error {
	var sent, failed int
	for _, batch := range chunkTokens(tokens, fcmBatchLimit) {
		resp, err := c.fcm.SendEachForMulticast(ctx, &messaging.MulticastMessage{
			Tokens:       batch,
			Notification: &messaging.Notification{Title: title, Body: body},
			Data:         data,
			Android:      androidConfig(data),
		})
		if err != nil {
			return fmt.Errorf("failed to send FCM multicast: %w", err)
		}

		sent += resp.SuccessCount
		failed += resp.FailureCount
		for i, r := range resp.Responses {
			if r.Error == nil || i >= len(batch) {
				continue
			}
			if invalidToken(r.Error) {
				c.deactivate(ctx, batch[i], r.Error)
			} else {
				log.Printf("FCM: send to %s failed: %v", short(batch[i]), r.Error)
			}
		}
	}

	if len(tokens) > 0 {
		log.Printf("FCM: multicast %q delivered to %d, failed %d", title, sent, failed)
	}
	return nil
}

// androidConfig raises priority for consent alerts, which need the user to act.
func androidConfig(data map[string]string) *messaging.AndroidConfig {
	if data["route"] == notification.CategoryConsents {
		return &messaging.AndroidConfig{Priority: "high"}
	}
	return nil
}

func invalidToken(err error) bool {
	return messaging.IsUnregistered(err) || messaging.IsInvalidArgument(err)
}

func (c *Client) deactivate(ctx context.Context, token string, cause error) {
	log.Printf("FCM: deactivating token %s: %v", short(token), cause)
	if c.deactivator == nil {
		return
	}
	if err := c.deactivator(ctx, token); err != nil {
		log.Printf("FCM: failed to deactivate token %s: %v", short(token), err)
	}
}

func chunkTokens(tokens []string, size int) [][]string {
	var chunks [][]string
	for size < len(tokens) {
		tokens, chunks = tokens[size:], append(chunks, tokens[:size:size])
	}
	if len(tokens) > 0 {
		chunks = append(chunks, tokens)
	}
	return chunks
}

// short identifies a token in logs without revealing it.
func short(token string) string {
	return crypto.Fingerprint(token)[:12]
}
