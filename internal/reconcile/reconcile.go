// Package reconcile computes the gap-reconciliation prefix: messages a
// human operator exchanged with the customer while the bot was not
// actively replying, fetched from the external conversation history and
// folded into the next batch.
package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/bookline/concierge/internal/metrics"
)

// HistoryItem is one entry from the conversation-history collaborator.
// Timestamp is whatever the external API returned; it is parsed, never
// trusted for ordering.
type HistoryItem struct {
	Sender    string `json:"sender"`
	Text      string `json:"text"`
	Timestamp string `json:"timestamp"`
}

// HistoryProvider is the external conversation-history boundary.
type HistoryProvider interface {
	ListRecentItems(ctx context.Context, customerID string, limit int) ([]HistoryItem, error)
}

// Reconciler filters history items into a reconciliation window.
type Reconciler struct {
	history      HistoryProvider
	historyLimit int
	maxItems     int
}

// New creates a Reconciler. historyLimit bounds the fetch; maxItems bounds
// how many items end up in the rendered block.
func New(history HistoryProvider, historyLimit, maxItems int) *Reconciler {
	if historyLimit <= 0 {
		historyLimit = 50
	}
	if maxItems <= 0 {
		maxItems = 20
	}
	return &Reconciler{history: history, historyLimit: historyLimit, maxItems: maxItems}
}

type datedItem struct {
	HistoryItem
	at time.Time
}

// Window returns the text block to prepend to the downstream batch:
// operator exchanges strictly after prevOutbound, chronological, capped.
// A zero prevOutbound means a new customer: the window is empty, never
// infinite. now bounds the window's upper edge.
func (r *Reconciler) Window(ctx context.Context, customerID string, prevOutbound, now time.Time) (string, error) {
	if r.history == nil || prevOutbound.IsZero() {
		return "", nil
	}

	items, err := r.history.ListRecentItems(ctx, customerID, r.historyLimit)
	if err != nil {
		return "", fmt.Errorf("fetch history: %w", err)
	}

	// Parse every timestamp and sort before selecting. External APIs do
	// not guarantee chronological list order.
	var inWindow []datedItem
	for _, it := range items {
		at, ok := parseTimestamp(it.Timestamp)
		if !ok {
			slog.Debug("reconcile: unparseable history timestamp",
				"customer", customerID, "timestamp", it.Timestamp)
			continue
		}
		if at.After(prevOutbound) && at.Before(now) {
			inWindow = append(inWindow, datedItem{HistoryItem: it, at: at})
		}
	}
	if len(inWindow) == 0 {
		return "", nil
	}

	sort.Slice(inWindow, func(i, j int) bool { return inWindow[i].at.Before(inWindow[j].at) })

	// Keep the most recent maxItems within the window.
	if len(inWindow) > r.maxItems {
		inWindow = inWindow[len(inWindow)-r.maxItems:]
	}

	metrics.ReconciledItems.Add(float64(len(inWindow)))

	var sb strings.Builder
	sb.WriteString("[Chat messages since your last reply]\n")
	for _, it := range inWindow {
		fmt.Fprintf(&sb, "%s [%s]: %s\n", it.Sender, it.at.Format("2006-01-02 15:04"), it.Text)
	}
	return sb.String(), nil
}

// parseTimestamp accepts RFC3339 strings and unix second/millisecond
// epochs, the two formats the history collaborator has been seen to emit.
func parseTimestamp(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, true
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		if n > 1e12 { // millisecond epoch
			return time.UnixMilli(n), true
		}
		return time.Unix(n, 0), true
	}
	return time.Time{}, false
}
