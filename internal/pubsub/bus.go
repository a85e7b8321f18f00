package pubsub

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/tetherhq/tether/pkg/models"
)

const channelBuffer = 64

// Bus is an in-process event plane. It implements both Opener and
// Publisher, fanning published events out to every matching channel.
type Bus struct {
	logger *slog.Logger

	mu     sync.RWMutex
	nextID int
	subs   map[int]*busChannel
	closed bool
}

// NewBus creates an empty in-process bus.
func NewBus(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		logger: logger.With("component", "pubsub"),
		subs:   make(map[int]*busChannel),
	}
}

// Open creates a channel receiving events of the given family that match
// the filters.
func (b *Bus) Open(_ context.Context, family models.EventFamily, filters Filters) (Channel, error) {
	if !family.Valid() {
		return nil, fmt.Errorf("open channel: unknown event family %q", family)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, fmt.Errorf("open channel: bus closed")
	}

	b.nextID++
	ch := &busChannel{
		id:      b.nextID,
		bus:     b,
		family:  family,
		filters: filters,
		events:  make(chan models.DomainEvent, channelBuffer),
		errors:  make(chan error, 1),
		done:    make(chan struct{}),
	}
	b.subs[ch.id] = ch
	return ch, nil
}

// Publish fans the event out to every matching open channel. Channels with
// full buffers are skipped so one slow subscriber cannot stall the bus.
func (b *Bus) Publish(_ context.Context, event models.DomainEvent) error {
	if !event.Family.Valid() {
		return fmt.Errorf("publish: unknown event family %q", event.Family)
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, ch := range b.subs {
		if ch.family != event.Family || !ch.filters.matches(event) {
			continue
		}
		select {
		case ch.events <- event:
		default:
			b.logger.Warn("subscriber buffer full, dropping event",
				"family", event.Family,
				"event_id", event.ID,
			)
		}
	}
	return nil
}

// Close completes every open channel gracefully and rejects further opens.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subs {
		ch.completeLocked()
		delete(b.subs, id)
	}
}

func (b *Bus) remove(id int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subs, id)
}

type busChannel struct {
	id      int
	bus     *Bus
	family  models.EventFamily
	filters Filters
	events  chan models.DomainEvent
	errors  chan error
	done    chan struct{}
	once    sync.Once
}

func (c *busChannel) Events() <-chan models.DomainEvent { return c.events }
func (c *busChannel) Errors() <-chan error              { return c.errors }
func (c *busChannel) Done() <-chan struct{}             { return c.done }

func (c *busChannel) Close() error {
	c.bus.remove(c.id)
	c.once.Do(func() { close(c.done) })
	return nil
}

// completeLocked signals graceful completion. Caller holds bus.mu.
func (c *busChannel) completeLocked() {
	c.once.Do(func() { close(c.done) })
}
