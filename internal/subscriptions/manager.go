// Package subscriptions manages continuous event subscriptions, each with
// its own retry policy, on top of the pubsub event plane.
package subscriptions

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tetherhq/tether/internal/backoff"
	"github.com/tetherhq/tether/internal/pubsub"
	"github.com/tetherhq/tether/internal/scheduler"
	"github.com/tetherhq/tether/pkg/models"
)

// Handlers carries the caller's callbacks for one subscription. Handler
// panics are caught at the dispatch boundary and routed to OnError; they
// never kill the channel.
type Handlers struct {
	OnEvent func(models.DomainEvent)
	OnError func(error)
	// OnDisconnect fires on graceful server-initiated completion.
	OnDisconnect func(subscriptionID string)
}

// Options tunes one subscription's retry behavior.
type Options struct {
	// AutoReconnect re-creates the channel after channel-level errors.
	AutoReconnect bool
	// MaxRetries is the retry ceiling before permanent deactivation
	// (default 5).
	MaxRetries int
	// RetryDelay is the first retry delay; subsequent retries double it
	// (default 1s).
	RetryDelay time.Duration
}

// Status is a read-only snapshot of one subscription.
type Status struct {
	ID         string
	Family     models.EventFamily
	Active     bool
	RetryCount int
}

type subscription struct {
	id       string
	family   models.EventFamily
	filters  pubsub.Filters
	options  Options
	policy   backoff.Policy
	handlers Handlers

	retryCount int
	active     bool
	channel    pubsub.Channel
	retryTask  *scheduler.Task
	// gen guards pump goroutines from previous channel incarnations.
	gen int
}

// Manager owns zero or more independent subscriptions over one opener.
type Manager struct {
	opener pubsub.Opener
	clock  scheduler.Clock
	logger *slog.Logger

	mu   sync.Mutex
	subs map[string]*subscription
}

// NewManager creates an empty subscription manager.
func NewManager(opener pubsub.Opener, clock scheduler.Clock, logger *slog.Logger) *Manager {
	if clock == nil {
		clock = scheduler.NewRealClock()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		opener: opener,
		clock:  clock,
		logger: logger.With("component", "subscriptions"),
		subs:   make(map[string]*subscription),
	}
}

// Subscribe opens a channel for the topic family and returns the
// subscription identifier.
func (m *Manager) Subscribe(
	ctx context.Context,
	family models.EventFamily,
	filters pubsub.Filters,
	options Options,
	handlers Handlers,
) (string, error) {
	if options.MaxRetries == 0 {
		options.MaxRetries = 5
	}
	if options.RetryDelay == 0 {
		options.RetryDelay = time.Second
	}

	channel, err := m.opener.Open(ctx, family, filters)
	if err != nil {
		return "", fmt.Errorf("subscribe %s: %w", family, err)
	}

	sub := &subscription{
		id:       uuid.NewString(),
		family:   family,
		filters:  filters,
		options:  options,
		policy:   backoff.Exponential(options.RetryDelay),
		handlers: handlers,
		active:   true,
		channel:  channel,
	}

	m.mu.Lock()
	m.subs[sub.id] = sub
	gen := sub.gen
	m.mu.Unlock()

	m.logger.Info("subscribed", "subscription_id", sub.id, "family", family)
	go m.pump(ctx, sub, channel, gen)
	return sub.id, nil
}

// Unsubscribe tears one subscription down, cancelling any pending retry.
func (m *Manager) Unsubscribe(id string) error {
	m.mu.Lock()
	sub, ok := m.subs[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("unsubscribe: subscription %s not found", id)
	}
	delete(m.subs, id)
	sub.active = false
	sub.gen++
	if sub.retryTask != nil {
		sub.retryTask.Cancel()
		sub.retryTask = nil
	}
	channel := sub.channel
	sub.channel = nil
	m.mu.Unlock()

	if channel != nil {
		_ = channel.Close() //nolint:errcheck // best-effort cleanup
	}
	m.logger.Info("unsubscribed", "subscription_id", id)
	return nil
}

// UnsubscribeAll tears every subscription down.
func (m *Manager) UnsubscribeAll() {
	m.mu.Lock()
	ids := make([]string, 0, len(m.subs))
	for id := range m.subs {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	for _, id := range ids {
		_ = m.Unsubscribe(id) //nolint:errcheck // ids were just listed
	}
}

// Snapshot returns a read-only view of one subscription.
func (m *Manager) Snapshot(id string) (Status, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sub, ok := m.subs[id]
	if !ok {
		return Status{}, false
	}
	return Status{
		ID:         sub.id,
		Family:     sub.family,
		Active:     sub.active,
		RetryCount: sub.retryCount,
	}, true
}

func (m *Manager) pump(ctx context.Context, sub *subscription, channel pubsub.Channel, gen int) {
	events := channel.Events()
	for {
		select {
		case event, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			m.dispatch(sub, gen, event)
		case err := <-channel.Errors():
			m.handleChannelError(ctx, sub, gen, err)
			return
		case <-channel.Done():
			m.handleComplete(sub, gen)
			return
		}
	}
}

// dispatch resets the retry counter, then invokes the caller's handler.
// Panics in the handler are surfaced through OnError.
func (m *Manager) dispatch(sub *subscription, gen int, event models.DomainEvent) {
	m.mu.Lock()
	if sub.gen != gen || !sub.active {
		m.mu.Unlock()
		return
	}
	sub.retryCount = 0
	m.mu.Unlock()

	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("event handler panic",
				"subscription_id", sub.id,
				"panic", r,
			)
			if cb := sub.handlers.OnError; cb != nil {
				cb(fmt.Errorf("event handler panic: %v", r))
			}
		}
	}()

	if cb := sub.handlers.OnEvent; cb != nil {
		cb(event)
	}
}

func (m *Manager) handleChannelError(ctx context.Context, sub *subscription, gen int, err error) {
	m.mu.Lock()
	if sub.gen != gen || !sub.active {
		m.mu.Unlock()
		return
	}

	if sub.options.AutoReconnect && sub.retryCount < sub.options.MaxRetries {
		sub.retryCount++
		retry := sub.retryCount
		delay := sub.policy.Delay(retry)
		sub.retryTask = m.clock.After(delay, func() {
			m.reopen(ctx, sub)
		})
		m.mu.Unlock()

		m.logger.Warn("channel error, retry scheduled",
			"subscription_id", sub.id,
			"retry", retry,
			"delay", delay,
			"error", err,
		)
		if cb := sub.handlers.OnError; cb != nil {
			cb(err)
		}
		return
	}

	// Retries exhausted or reconnection disabled: deactivate permanently.
	sub.active = false
	retries := sub.retryCount
	delete(m.subs, sub.id)
	m.mu.Unlock()

	m.logger.Error("subscription deactivated",
		"subscription_id", sub.id,
		"retries", retries,
		"error", err,
	)
	if cb := sub.handlers.OnError; cb != nil {
		cb(fmt.Errorf("subscription %s deactivated: %w", sub.id, err))
	}
}

func (m *Manager) reopen(ctx context.Context, sub *subscription) {
	m.mu.Lock()
	if !sub.active {
		m.mu.Unlock()
		return
	}
	sub.retryTask = nil
	family := sub.family
	filters := sub.filters
	m.mu.Unlock()

	channel, err := m.opener.Open(ctx, family, filters)
	if err != nil {
		m.mu.Lock()
		gen := sub.gen
		m.mu.Unlock()
		m.handleChannelError(ctx, sub, gen, err)
		return
	}

	m.mu.Lock()
	if !sub.active {
		m.mu.Unlock()
		_ = channel.Close() //nolint:errcheck // raced an unsubscribe
		return
	}
	sub.gen++
	gen := sub.gen
	sub.channel = channel
	m.mu.Unlock()

	m.logger.Info("channel re-established", "subscription_id", sub.id)
	go m.pump(ctx, sub, channel, gen)
}

// handleComplete marks the subscription inactive without retrying.
func (m *Manager) handleComplete(sub *subscription, gen int) {
	m.mu.Lock()
	if sub.gen != gen || !sub.active {
		m.mu.Unlock()
		return
	}
	sub.active = false
	sub.channel = nil
	m.mu.Unlock()

	m.logger.Info("subscription completed by server", "subscription_id", sub.id)
	if cb := sub.handlers.OnDisconnect; cb != nil {
		cb(sub.id)
	}
}
