// Package channel delivers a notification over a concrete medium. The worker
// pool sees only Sender; Router picks the implementation by the record's
// channel name.
package channel

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/propdesk/notifyd/internal/notification"
)

// Channel names used in notification records and breaker sets.
const (
	Telegram = "telegram"
	Email    = "email"
	SMS      = "sms"
)

// ErrUnknownChannel is returned when no sender is registered for a channel.
var ErrUnknownChannel = errors.New("channel: no sender registered")

// Sender delivers one notification. A nil error means the medium accepted it.
type Sender interface {
	Send(ctx context.Context, n *notification.Notification) error
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(ctx context.Context, n *notification.Notification) error

// Send calls f.
func (f SenderFunc) Send(ctx context.Context, n *notification.Notification) error { return f(ctx, n) }

// Router dispatches by Notification.Channel. Safe for concurrent use.
type Router struct {
	mu      sync.RWMutex
	senders map[string]Sender
}

// NewRouter returns an empty router.
func NewRouter() *Router {
	return &Router{senders: make(map[string]Sender)}
}

// Register installs s for name, replacing any previous sender.
func (r *Router) Register(name string, s Sender) {
	r.mu.Lock()
	r.senders[name] = s
	r.mu.Unlock()
}

// Names returns the registered channels, sorted.
func (r *Router) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.senders))
	for name := range r.senders {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Send implements Sender.
func (r *Router) Send(ctx context.Context, n *notification.Notification) error {
	r.mu.RLock()
	s, ok := r.senders[n.Channel]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownChannel, n.Channel)
	}
	return s.Send(ctx, n)
}
