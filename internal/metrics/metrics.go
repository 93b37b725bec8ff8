// Package metrics records gateway activity. Collector has a no-op and a
// Prometheus implementation.
package metrics

import "time"

// Collector receives gateway events. Implementations must be safe for
// concurrent use.
type Collector interface {
	// PullCompleted records one finished pull and its HTTP status.
	PullCompleted(apiID string, status int, delivered int, dur time.Duration)
	// SubscriptionOpened and SubscriptionClosed track live subscriptions.
	SubscriptionOpened(apiID string)
	SubscriptionClosed(apiID string, reason string)
	// CommitResult records a broker commit outcome ("ok" or "error").
	CommitResult(apiID string, result string)
	// DrainRequested marks the node as draining.
	DrainRequested()
}

// Nop discards every event.
type Nop struct{}

var _ Collector = Nop{}

func (Nop) PullCompleted(string, int, int, time.Duration) {}
func (Nop) SubscriptionOpened(string)                      {}
func (Nop) SubscriptionClosed(string, string)              {}
func (Nop) CommitResult(string, string)                    {}
func (Nop) DrainRequested()                                {}

// OrNop returns c, or Nop when c is nil.
func OrNop(c Collector) Collector {
	if c == nil {
		return Nop{}
	}
	return c
}
