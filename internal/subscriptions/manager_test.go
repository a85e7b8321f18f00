package subscriptions

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/tetherhq/tether/internal/pubsub"
	"github.com/tetherhq/tether/internal/scheduler"
	"github.com/tetherhq/tether/pkg/models"
)

type fakeChannel struct {
	events chan models.DomainEvent
	errors chan error
	done   chan struct{}
	once   sync.Once
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{
		events: make(chan models.DomainEvent, 8),
		errors: make(chan error, 1),
		done:   make(chan struct{}),
	}
}

func (c *fakeChannel) Events() <-chan models.DomainEvent { return c.events }
func (c *fakeChannel) Errors() <-chan error              { return c.errors }
func (c *fakeChannel) Done() <-chan struct{}             { return c.done }

func (c *fakeChannel) Close() error {
	c.once.Do(func() { close(c.done) })
	return nil
}

func (c *fakeChannel) complete() {
	c.once.Do(func() { close(c.done) })
}

type fakeOpener struct {
	mu        sync.Mutex
	opens     int
	failAfter int // fail every open after this many successes; 0 disables
	channels  []*fakeChannel
}

func (o *fakeOpener) Open(context.Context, models.EventFamily, pubsub.Filters) (pubsub.Channel, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.opens++
	if o.failAfter > 0 && o.opens > o.failAfter {
		return nil, errors.New("open refused")
	}
	ch := newFakeChannel()
	o.channels = append(o.channels, ch)
	return ch, nil
}

func (o *fakeOpener) openCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.opens
}

func (o *fakeOpener) channelAt(i int) *fakeChannel {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.channels[i]
}

func voiceEvent(sessionID string) models.DomainEvent {
	return models.DomainEvent{
		ID:     "evt-" + sessionID,
		Family: models.FamilyVoiceSession,
		UserID: "user-1",
		VoiceSession: &models.VoiceSessionEvent{
			SessionID: sessionID,
			Phase:     models.PhaseProcessing,
		},
	}
}

func TestRetryCounterResetsOnDeliveredEvent(t *testing.T) {
	clock := scheduler.NewFakeClock(time.Unix(0, 0))
	opener := &fakeOpener{}
	m := NewManager(opener, clock, nil)

	events := make(chan models.DomainEvent, 4)
	errs := make(chan error, 4)
	id, err := m.Subscribe(context.Background(), models.FamilyVoiceSession, pubsub.Filters{},
		Options{AutoReconnect: true, MaxRetries: 3, RetryDelay: time.Second},
		Handlers{
			OnEvent: func(e models.DomainEvent) { events <- e },
			OnError: func(e error) { errs <- e },
		})
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}

	opener.channelAt(0).errors <- errors.New("stream broken")
	waitErr(t, errs)

	if status, _ := m.Snapshot(id); status.RetryCount != 1 {
		t.Fatalf("RetryCount after error = %d, want 1", status.RetryCount)
	}

	clock.Advance(time.Second)
	if got := opener.openCount(); got != 2 {
		t.Fatalf("opens = %d, want 2", got)
	}

	opener.channelAt(1).events <- voiceEvent("sess-1")
	waitEvent(t, events)

	if status, _ := m.Snapshot(id); status.RetryCount != 0 {
		t.Errorf("RetryCount after delivered event = %d, want 0", status.RetryCount)
	}
}

func TestRetryExhaustionDeactivatesPermanently(t *testing.T) {
	clock := scheduler.NewFakeClock(time.Unix(0, 0))
	opener := &fakeOpener{failAfter: 1}
	m := NewManager(opener, clock, nil)

	errs := make(chan error, 8)
	id, err := m.Subscribe(context.Background(), models.FamilyVoiceSession, pubsub.Filters{},
		Options{AutoReconnect: true, MaxRetries: 2, RetryDelay: time.Second},
		Handlers{OnError: func(e error) { errs <- e }})
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}

	opener.channelAt(0).errors <- errors.New("stream broken")
	waitErr(t, errs)

	// First retry fires after 1s and fails to reopen; second after 2s.
	clock.Advance(time.Second)
	clock.Advance(2 * time.Second)

	if _, ok := m.Snapshot(id); ok {
		t.Error("subscription still present after retry exhaustion")
	}

	// No further reopen attempts.
	opens := opener.openCount()
	clock.Advance(time.Hour)
	if got := opener.openCount(); got != opens {
		t.Errorf("opens after deactivation = %d, want %d", got, opens)
	}
}

func TestUnsubscribeCancelsPendingRetry(t *testing.T) {
	clock := scheduler.NewFakeClock(time.Unix(0, 0))
	opener := &fakeOpener{}
	m := NewManager(opener, clock, nil)

	errs := make(chan error, 4)
	id, err := m.Subscribe(context.Background(), models.FamilyVoiceSession, pubsub.Filters{},
		Options{AutoReconnect: true, MaxRetries: 3, RetryDelay: time.Second},
		Handlers{OnError: func(e error) { errs <- e }})
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}

	opener.channelAt(0).errors <- errors.New("stream broken")
	waitErr(t, errs)

	if err := m.Unsubscribe(id); err != nil {
		t.Fatalf("Unsubscribe() error = %v", err)
	}
	if got := clock.PendingCount(); got != 0 {
		t.Errorf("pending timers after unsubscribe = %d, want 0", got)
	}

	clock.Advance(time.Hour)
	if got := opener.openCount(); got != 1 {
		t.Errorf("opens after unsubscribe = %d, want 1", got)
	}
}

func TestCompletionMarksInactiveWithoutRetry(t *testing.T) {
	clock := scheduler.NewFakeClock(time.Unix(0, 0))
	opener := &fakeOpener{}
	m := NewManager(opener, clock, nil)

	disconnected := make(chan string, 1)
	id, err := m.Subscribe(context.Background(), models.FamilyVoiceSession, pubsub.Filters{},
		Options{AutoReconnect: true},
		Handlers{OnDisconnect: func(subID string) { disconnected <- subID }})
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}

	opener.channelAt(0).complete()

	select {
	case got := <-disconnected:
		if got != id {
			t.Errorf("disconnect callback id = %q, want %q", got, id)
		}
	case <-time.After(time.Second):
		t.Fatal("disconnect callback not fired")
	}

	status, ok := m.Snapshot(id)
	if !ok {
		t.Fatal("subscription removed on completion, want inactive record")
	}
	if status.Active {
		t.Error("subscription still active after completion")
	}
	if got := clock.PendingCount(); got != 0 {
		t.Errorf("pending timers after completion = %d, want 0", got)
	}
}

func TestHandlerPanicSurfacedWithoutKillingChannel(t *testing.T) {
	opener := &fakeOpener{}
	m := NewManager(opener, scheduler.NewFakeClock(time.Unix(0, 0)), nil)

	events := make(chan models.DomainEvent, 4)
	errs := make(chan error, 4)
	first := true
	_, err := m.Subscribe(context.Background(), models.FamilyVoiceSession, pubsub.Filters{},
		Options{},
		Handlers{
			OnEvent: func(e models.DomainEvent) {
				if first {
					first = false
					panic("handler exploded")
				}
				events <- e
			},
			OnError: func(e error) { errs <- e },
		})
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}

	opener.channelAt(0).events <- voiceEvent("sess-1")
	waitErr(t, errs)

	opener.channelAt(0).events <- voiceEvent("sess-2")
	got := waitEvent(t, events)
	if got.VoiceSession.SessionID != "sess-2" {
		t.Errorf("SessionID = %q, want sess-2", got.VoiceSession.SessionID)
	}
}

func TestSubscribeOpenError(t *testing.T) {
	m := NewManager(&failingOpener{}, scheduler.NewFakeClock(time.Unix(0, 0)), nil)

	if _, err := m.Subscribe(context.Background(), models.FamilyVoiceSession, pubsub.Filters{}, Options{}, Handlers{}); err == nil {
		t.Error("Subscribe() = nil, want error")
	}
}

type failingOpener struct{}

func (failingOpener) Open(context.Context, models.EventFamily, pubsub.Filters) (pubsub.Channel, error) {
	return nil, errors.New("open refused")
}

func waitErr(t *testing.T, errs <-chan error) {
	t.Helper()
	select {
	case <-errs:
	case <-time.After(time.Second):
		t.Fatal("error callback not fired")
	}
}

func waitEvent(t *testing.T, events <-chan models.DomainEvent) models.DomainEvent {
	t.Helper()
	select {
	case e := <-events:
		return e
	case <-time.After(time.Second):
		t.Fatal("event not delivered")
		return models.DomainEvent{}
	}
}
