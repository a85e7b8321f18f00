// Package client implements the client-side connection state machine: one
// logical gateway connection with reconnect backoff, a circuit breaker,
// heartbeats, and a bounded outbound queue.
package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/tetherhq/tether/internal/backoff"
	"github.com/tetherhq/tether/internal/breaker"
	"github.com/tetherhq/tether/internal/scheduler"
)

// State is the connection state.
type State string

const (
	StateDisconnected  State = "disconnected"
	StateConnecting    State = "connecting"
	StateConnected     State = "connected"
	StateDisconnecting State = "disconnecting"
	StateReconnecting  State = "reconnecting"
	StateError         State = "error"
)

// Callbacks are level-triggered notifications of connection lifecycle
// events. All fields are optional. Callbacks set after an event fired do
// not receive a replay.
type Callbacks struct {
	OnConnect    func()
	OnDisconnect func()
	OnError      func(error)
	OnMessage    func(payload []byte)
	// OnReconnecting fires when a reconnect attempt has been scheduled.
	OnReconnecting func(attempt int, delay time.Duration)
	// OnReconnectFailed fires exactly once when the attempt ceiling is
	// reached and automatic reconnection stops.
	OnReconnectFailed func()
}

// Config configures the connection state machine.
type Config struct {
	// Transport establishes connections. Required.
	Transport Transport

	// ConnectTimeout bounds the transport handshake (default 10s).
	ConnectTimeout time.Duration

	// HeartbeatInterval is how often to emit liveness frames while
	// connected (default 30s).
	HeartbeatInterval time.Duration

	// ReconnectBase is the first reconnect delay; subsequent attempts
	// double it (default 1s).
	ReconnectBase time.Duration

	// MaxReconnectAttempts is the automatic reconnect ceiling (default 5).
	MaxReconnectAttempts int

	// QueueCapacity bounds the outbound buffer used while disconnected
	// (default 100). When full the oldest message is dropped.
	QueueCapacity int

	// BreakerThreshold is the consecutive-failure count that opens the
	// circuit breaker (default 5).
	BreakerThreshold int

	// BreakerRecovery is the breaker recovery window (default 30s).
	BreakerRecovery time.Duration

	// Clock is the time source for reconnect and heartbeat timers.
	// Defaults to the real clock.
	Clock scheduler.Clock

	Callbacks Callbacks
}

// Machine owns one logical connection and its retry policy.
type Machine struct {
	config    Config
	logger    *slog.Logger
	clock     scheduler.Clock
	breaker   *breaker.Breaker
	queue     *messageQueue
	callbacks Callbacks
	policy    backoff.Policy

	mu              sync.Mutex
	state           State
	conn            Conn
	ctx             context.Context
	attempts        int
	manual          bool
	reconnectFailed bool
	reconnectTask   *scheduler.Task
	heartbeatTask   *scheduler.Task
	// gen increments per connection so watchers and heartbeat timers from
	// a previous connection become no-ops.
	gen int
}

// NewMachine creates a connection state machine in the disconnected state.
func NewMachine(config Config, logger *slog.Logger) *Machine {
	if logger == nil {
		logger = slog.Default()
	}
	if config.ConnectTimeout == 0 {
		config.ConnectTimeout = 10 * time.Second
	}
	if config.HeartbeatInterval == 0 {
		config.HeartbeatInterval = 30 * time.Second
	}
	if config.ReconnectBase == 0 {
		config.ReconnectBase = time.Second
	}
	if config.MaxReconnectAttempts == 0 {
		config.MaxReconnectAttempts = 5
	}
	if config.QueueCapacity == 0 {
		config.QueueCapacity = 100
	}
	if config.Clock == nil {
		config.Clock = scheduler.NewRealClock()
	}

	return &Machine{
		config: config,
		logger: logger.With("component", "client"),
		clock:  config.Clock,
		breaker: breaker.New(breaker.Config{
			FailureThreshold: config.BreakerThreshold,
			RecoveryWindow:   config.BreakerRecovery,
			Clock:            config.Clock,
		}),
		queue:     newMessageQueue(config.QueueCapacity),
		callbacks: config.Callbacks,
		policy:    backoff.Exponential(config.ReconnectBase),
		state:     StateDisconnected,
		ctx:       context.Background(),
	}
}

// State returns the current connection state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// QueuedMessages returns the number of buffered outbound messages.
func (m *Machine) QueuedMessages() int {
	return m.queue.Len()
}

// Connect opens the transport handshake. It is a no-op while already
// connected or connecting, and fails fast without any transport call while
// the circuit breaker is open.
func (m *Machine) Connect(ctx context.Context) error {
	return m.connect(ctx, false)
}

// connect is the shared handshake path. A reattempt is a reconnect-timer
// callback: it must yield to a manual Disconnect that ran after the timer
// fired.
func (m *Machine) connect(ctx context.Context, reattempt bool) error {
	m.mu.Lock()
	if reattempt && m.manual {
		m.mu.Unlock()
		return nil
	}
	if m.state == StateConnected || m.state == StateConnecting {
		m.mu.Unlock()
		return nil
	}
	if err := m.breaker.Allow(); err != nil {
		m.mu.Unlock()
		return fmt.Errorf("connect: %w", err)
	}
	if m.reconnectTask != nil {
		m.reconnectTask.Cancel()
		m.reconnectTask = nil
	}
	m.manual = false
	m.state = StateConnecting
	m.ctx = ctx
	m.mu.Unlock()

	dialCtx, cancel := context.WithTimeout(ctx, m.config.ConnectTimeout)
	conn, err := m.config.Transport.Dial(dialCtx)
	cancel()
	if err != nil {
		m.breaker.RecordFailure()
		m.mu.Lock()
		m.state = StateError
		manual := m.manual
		m.mu.Unlock()

		m.logger.Error("connection failed", "error", err)
		if cb := m.callbacks.OnError; cb != nil {
			cb(err)
		}
		if !manual {
			m.scheduleReconnect()
		}
		return fmt.Errorf("connect: %w", err)
	}

	m.mu.Lock()
	if m.manual {
		// disconnect() raced the handshake.
		m.mu.Unlock()
		_ = conn.Close() //nolint:errcheck // best-effort cleanup
		return nil
	}
	m.gen++
	gen := m.gen
	m.conn = conn
	m.state = StateConnected
	m.attempts = 0
	m.reconnectFailed = false
	m.breaker.RecordSuccess()
	queued := m.queue.Drain()
	m.scheduleHeartbeatLocked(gen)
	m.mu.Unlock()

	go m.watch(conn, gen)

	m.logger.Info("connected", "flushed", len(queued))
	if cb := m.callbacks.OnConnect; cb != nil {
		cb()
	}

	// Flush buffered messages in FIFO order.
	for i, msg := range queued {
		if err := conn.Send(msg); err != nil {
			m.breaker.RecordFailure()
			for _, rest := range queued[i:] {
				m.queue.Push(rest)
			}
			m.logger.Warn("flush interrupted", "requeued", len(queued)-i, "error", err)
			break
		}
	}

	return nil
}

// Disconnect closes the connection and suppresses any scheduled reconnect.
func (m *Machine) Disconnect() {
	m.mu.Lock()
	m.manual = true
	m.gen++
	if m.reconnectTask != nil {
		m.reconnectTask.Cancel()
		m.reconnectTask = nil
	}
	if m.heartbeatTask != nil {
		m.heartbeatTask.Cancel()
		m.heartbeatTask = nil
	}
	conn := m.conn
	m.conn = nil
	m.state = StateDisconnecting
	m.mu.Unlock()

	if conn != nil {
		_ = conn.Close() //nolint:errcheck // best-effort cleanup
	}

	m.mu.Lock()
	m.state = StateDisconnected
	m.mu.Unlock()

	m.logger.Info("disconnected")
	if cb := m.callbacks.OnDisconnect; cb != nil {
		cb()
	}
}

// Send transmits a message if connected, otherwise buffers it. A
// transmission error buffers the message and counts as a breaker failure.
func (m *Machine) Send(message []byte) error {
	m.mu.Lock()
	conn := m.conn
	connected := m.state == StateConnected
	m.mu.Unlock()

	if !connected || conn == nil {
		if m.queue.Push(message) {
			m.logger.Warn("outbound queue full, dropped oldest message")
		}
		return nil
	}

	if err := conn.Send(message); err != nil {
		m.breaker.RecordFailure()
		if m.queue.Push(message) {
			m.logger.Warn("outbound queue full, dropped oldest message")
		}
		return fmt.Errorf("send: %w", err)
	}
	return nil
}

// watch forwards inbound messages and reacts to the connection closing.
func (m *Machine) watch(conn Conn, gen int) {
	msgs := conn.Messages()
	for {
		select {
		case msg, ok := <-msgs:
			if !ok {
				msgs = nil
				continue
			}
			if cb := m.callbacks.OnMessage; cb != nil {
				cb(msg)
			}
		case err := <-conn.Done():
			m.handleClose(gen, err)
			return
		}
	}
}

func (m *Machine) handleClose(gen int, err error) {
	m.mu.Lock()
	if m.gen != gen || m.manual {
		m.mu.Unlock()
		return
	}
	m.conn = nil
	m.state = StateDisconnected
	if m.heartbeatTask != nil {
		m.heartbeatTask.Cancel()
		m.heartbeatTask = nil
	}
	m.mu.Unlock()

	m.logger.Warn("connection closed by peer", "error", err)
	if cb := m.callbacks.OnDisconnect; cb != nil {
		cb()
	}
	m.scheduleReconnect()
}

// scheduleReconnect arms the next automatic attempt, or fires the terminal
// reconnect-failed notification once the ceiling is reached.
func (m *Machine) scheduleReconnect() {
	m.mu.Lock()
	if m.manual {
		m.mu.Unlock()
		return
	}
	m.attempts++
	if m.attempts > m.config.MaxReconnectAttempts {
		alreadyFired := m.reconnectFailed
		m.reconnectFailed = true
		m.mu.Unlock()

		if !alreadyFired {
			m.logger.Error("reconnect attempts exhausted", "attempts", m.config.MaxReconnectAttempts)
			if cb := m.callbacks.OnReconnectFailed; cb != nil {
				cb()
			}
		}
		return
	}

	attempt := m.attempts
	delay := m.policy.Delay(attempt)
	m.state = StateReconnecting
	ctx := m.ctx
	m.reconnectTask = m.clock.After(delay, func() {
		m.mu.Lock()
		m.reconnectTask = nil
		m.mu.Unlock()
		if err := m.connect(ctx, true); err != nil && errors.Is(err, breaker.ErrOpen) {
			m.scheduleReconnect()
		}
	})
	m.mu.Unlock()

	m.logger.Info("reconnect scheduled", "attempt", attempt, "delay", delay)
	if cb := m.callbacks.OnReconnecting; cb != nil {
		cb(attempt, delay)
	}
}

// scheduleHeartbeatLocked arms the next liveness frame. Caller holds m.mu.
func (m *Machine) scheduleHeartbeatLocked(gen int) {
	m.heartbeatTask = m.clock.After(m.config.HeartbeatInterval, func() {
		m.mu.Lock()
		if m.gen != gen || m.state != StateConnected || m.conn == nil {
			m.mu.Unlock()
			return
		}
		conn := m.conn
		m.scheduleHeartbeatLocked(gen)
		m.mu.Unlock()

		if err := conn.Ping(); err != nil {
			m.logger.Warn("heartbeat failed", "error", err)
		}
	})
}
