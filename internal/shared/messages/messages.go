package messages

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
)

type MessageText struct {
	Title string `json:"title"`
	Body  string `json:"body"`
}

// Render substitutes {name} placeholders in title and body.
func (m MessageText) Render(vars map[string]string) MessageText {
	pairs := make([]string, 0, len(vars)*2)
	for k, v := range vars {
		pairs = append(pairs, "{"+k+"}", v)
	}
	r := strings.NewReplacer(pairs...)
	return MessageText{Title: r.Replace(m.Title), Body: r.Replace(m.Body)}
}

type Messages struct {
	SyncComplete            MessageText `json:"sync_complete"`
	ReauthorizationRequired MessageText `json:"reauthorization_required"`
	LowBalance              MessageText `json:"low_balance"`
}

// Default returns the built-in English texts.
func Default() *Messages {
	return &Messages{
		SyncComplete: MessageText{
			Title: "Accounts updated",
			Body:  "{count} new transactions are ready to review.",
		},
		ReauthorizationRequired: MessageText{
			Title: "Reconnect your bank",
			Body:  "Your connection to {institution} has ended. Reconnect to keep your budget up to date.",
		},
		LowBalance: MessageText{
			Title: "Low balance",
			Body:  "{account} is at {currency} {amount}.",
		},
	}
}

// Load reads the notifications JSON file. Texts missing from the file keep
// their defaults. An empty path returns the defaults.
func Load(path string) (*Messages, error) {
	msgs := Default()
	if path == "" {
		return msgs, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read messages file: %w", err)
	}

	var file Messages
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse messages file: %w", err)
	}

	merge(&msgs.SyncComplete, file.SyncComplete)
	merge(&msgs.ReauthorizationRequired, file.ReauthorizationRequired)
	merge(&msgs.LowBalance, file.LowBalance)
	return msgs, nil
}

func merge(dst *MessageText, src MessageText) {
	if src.Title != "" {
		dst.Title = src.Title
	}
	if src.Body != "" {
		dst.Body = src.Body
	}
}
