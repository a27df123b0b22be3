// Package listener relays PostgreSQL notifications to the domain.
package listener

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/lib/pq"
)

const (
	channelName       = "consent_revoked"
	reconnectInterval = 5 * time.Second
	pingInterval      = 90 * time.Second
)

// ConsentEnded is the payload of the consents_revoked_notify trigger.
type ConsentEnded struct {
	ConsentID string `json:"consent_id"`
	UserID    int64  `json:"user_id"`
	Status    string `json:"status"`
}

// Canceller stops in-flight syncs for a consent.
type Canceller interface {
	Cancel(consentID string)
}

// ConsentListener cancels this instance's syncs when any instance revokes
// or expires a consent.
type ConsentListener struct {
	connStr    string
	canceller  Canceller
	shutdownCh chan struct{}
	done       chan struct{}
}

func NewConsentListener(connStr string, canceller Canceller) *ConsentListener {
	return &ConsentListener{
		connStr:    connStr,
		canceller:  canceller,
		shutdownCh: make(chan struct{}),
		done:       make(chan struct{}),
	}
}

// Start listens in a background goroutine until Stop or ctx is done.
func (l *ConsentListener) Start(ctx context.Context) {
	go l.listen(ctx)
	log.Println("Listener: consent notifications started")
}

// Stop shuts the listener down and waits for it.
func (l *ConsentListener) Stop() {
	close(l.shutdownCh)
	<-l.done
	log.Println("Listener: consent notifications stopped")
}

func (l *ConsentListener) listen(ctx context.Context) {
	defer close(l.done)

	for {
		l.connectAndListen(ctx)

		select {
		case <-l.shutdownCh:
			return
		case <-ctx.Done():
			return
		case <-time.After(reconnectInterval):
			log.Println("Listener: reconnecting to PostgreSQL")
		}
	}
}

func (l *ConsentListener) connectAndListen(ctx context.Context) {
	pl := pq.NewListener(l.connStr, 10*time.Second, time.Minute, func(ev pq.ListenerEventType, err error) {
		switch ev {
		case pq.ListenerEventConnected:
			log.Printf("Listener: connected to %s", channelName)
		case pq.ListenerEventDisconnected:
			log.Printf("Listener: disconnected from %s: %v", channelName, err)
		case pq.ListenerEventReconnected:
			log.Printf("Listener: reconnected to %s", channelName)
		case pq.ListenerEventConnectionAttemptFailed:
			log.Printf("Listener: connection attempt failed: %v", err)
		}
	})
	defer pl.Close()

	if err := pl.Listen(channelName); err != nil {
		log.Printf("Listener: failed to listen on %s: %v", channelName, err)
		return
	}

	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-l.shutdownCh:
			return
		case <-ctx.Done():
			return
		case n := <-pl.Notify:
			if n == nil {
				// nil after a reconnect; notifications may have been missed.
				log.Printf("Listener: connection to %s was reset", channelName)
				continue
			}
			l.handle(n.Extra)
		case <-ticker.C:
			if err := pl.Ping(); err != nil {
				log.Printf("Listener: ping failed: %v", err)
				return
			}
		}
	}
}

func (l *ConsentListener) handle(payload string) {
	ev, err := parseConsentEnded(payload)
	if err != nil {
		log.Printf("Listener: %v", err)
		return
	}
	log.Printf("Consent %s: %s elsewhere, cancelling local syncs", ev.ConsentID, ev.Status)
	l.canceller.Cancel(ev.ConsentID)
}

func parseConsentEnded(payload string) (ConsentEnded, error) {
	var ev ConsentEnded
	if err := json.Unmarshal([]byte(payload), &ev); err != nil {
		return ev, fmt.Errorf("invalid %s payload: %w", channelName, err)
	}
	if ev.ConsentID == "" {
		return ev, fmt.Errorf("%s payload has no consent id", channelName)
	}
	return ev, nil
}
