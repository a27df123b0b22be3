package ingest

import (
	"context"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/agnivade/levenshtein"
)

const (
	// DuplicateWindow is how far apart two bookings of the same movement may be.
	DuplicateWindow = 3 * 24 * time.Hour

	// DuplicateDistance is the largest normalised edit distance between
	// descriptions still treated as the same movement.
	DuplicateDistance = 0.4
)

// DuplicateDetector flags transactions that look like another one already
// stored under a different external id, such as a pending entry that came
// back booked with a new id.
type DuplicateDetector struct {
	repo      Repository
	window    time.Duration
	threshold float64
}

func NewDuplicateDetector(repo Repository) *DuplicateDetector {
	return &DuplicateDetector{repo: repo, window: DuplicateWindow, threshold: DuplicateDistance}
}

// Find returns the external id of the stored transaction t probably
// duplicates, or "".
func (d *DuplicateDetector) Find(ctx context.Context, t *Transaction) (string, error) {
	if t.BookedAt.IsZero() {
		return "", nil
	}

	candidates, err := d.repo.ListTransactionsBetween(ctx, t.AccountID,
		t.BookedAt.Add(-d.window), t.BookedAt.Add(d.window))
	if err != nil {
		return "", err
	}

	for _, c := range candidates {
		if c.ExternalID == t.ExternalID || c.PossibleDuplicateOf != "" {
			continue
		}
		if !c.Amount.Equal(t.Amount) {
			continue
		}
		if d.similar(c.Description, t.Description) {
			return c.ExternalID, nil
		}
	}
	return "", nil
}

func (d *DuplicateDetector) similar(a, b string) bool {
	a = strings.ToUpper(strings.Join(strings.Fields(a), " "))
	b = strings.ToUpper(strings.Join(strings.Fields(b), " "))
	if a == b {
		return a != ""
	}
	if a == "" || b == "" {
		return false
	}

	maxLen := utf8.RuneCountInString(a)
	if n := utf8.RuneCountInString(b); n > maxLen {
		maxLen = n
	}
	return float64(levenshtein.ComputeDistance(a, b))/float64(maxLen) < d.threshold
}
