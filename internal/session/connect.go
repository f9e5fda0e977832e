package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/chorus/internal/observe"
	"github.com/MrWong99/chorus/pkg/audio"
)

// Default connection parameters.
const (
	DefaultConnectTimeout = 15 * time.Second
	DefaultConnectRetries = 2
	DefaultRetryDelay     = 2 * time.Second
)

// ConnState is the state of a [ConnectionManager].
type ConnState int

const (
	StateIdle ConnState = iota
	StateConnecting
	StateReady
	StateFailed
)

// String returns the state name.
func (s ConnState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateReady:
		return "ready"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// ConnectConfig bounds connection establishment.
type ConnectConfig struct {
	// Timeout bounds a single attempt's Connecting state. Defaults to 15s.
	Timeout time.Duration
	// Retries is the number of extra attempts after a timeout. Negative
	// disables retries; zero selects the default of 2.
	Retries int
	// RetryDelay is the fixed wait before each retry. Defaults to 2s.
	RetryDelay time.Duration
}

func (c ConnectConfig) withDefaults() ConnectConfig {
	if c.Timeout <= 0 {
		c.Timeout = DefaultConnectTimeout
	}
	switch {
	case c.Retries == 0:
		c.Retries = DefaultConnectRetries
	case c.Retries < 0:
		c.Retries = 0
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = DefaultRetryDelay
	}
	return c
}

// ConnectionManager establishes and supervises the transport connection to
// one voice room.
//
// Each attempt moves Idle → Connecting → Ready, or Connecting → Failed on
// timeout or on a disconnect/destroy signal. Timeouts are retried a bounded
// number of times after a fixed delay; every other failure is final. Once
// ready, the manager watches the handle and reports connection loss through
// the callback registered with [ConnectionManager.OnLost].
//
// All methods are safe for concurrent use.
type ConnectionManager struct {
	transport audio.Transport
	roomID    string
	cfg       ConnectConfig
	metrics   *observe.Metrics

	mu     sync.Mutex
	state  ConnState
	handle audio.Handle
	onLost func(audio.Signal)

	done      chan struct{}
	closeOnce sync.Once
}

// NewConnectionManager creates a manager for roomID. A nil metrics uses
// [observe.DefaultMetrics].
func NewConnectionManager(t audio.Transport, roomID string, cfg ConnectConfig, metrics *observe.Metrics) *ConnectionManager {
	if metrics == nil {
		metrics = observe.DefaultMetrics()
	}
	return &ConnectionManager{
		transport: t,
		roomID:    roomID,
		cfg:       cfg.withDefaults(),
		metrics:   metrics,
		done:      make(chan struct{}),
	}
}

// State returns the current connection state.
func (m *ConnectionManager) State() ConnState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *ConnectionManager) setState(s ConnState) {
	m.mu.Lock()
	m.state = s
	m.mu.Unlock()
}

// OnLost registers fn to be called (once) if the connection drops after it
// became ready. Must be called before the drop to take effect.
func (m *ConnectionManager) OnLost(fn func(audio.Signal)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onLost = fn
}

// Connect runs the bounded retry loop and returns the receiver capability of
// the ready connection. The returned error is a *ConnectionError.
func (m *ConnectionManager) Connect(ctx context.Context) (audio.Receiver, error) {
	var lastErr error
	for attempt := 1; attempt <= m.cfg.Retries+1; attempt++ {
		if attempt > 1 {
			slog.Info("session: retrying voice connection",
				"room_id", m.roomID,
				"attempt", attempt,
				"max_attempts", m.cfg.Retries+1,
				"delay", m.cfg.RetryDelay,
			)
			m.setState(StateIdle)
			select {
			case <-ctx.Done():
				m.setState(StateFailed)
				return nil, &ConnectionError{RoomID: m.roomID, Kind: KindCancelled, Attempt: attempt, Err: ctx.Err()}
			case <-m.done:
				m.setState(StateFailed)
				return nil, &ConnectionError{RoomID: m.roomID, Kind: KindCancelled, Attempt: attempt, Err: errors.New("manager closed")}
			case <-time.After(m.cfg.RetryDelay):
			}
		}

		recv, err := m.attempt(ctx, attempt)
		if err == nil {
			return recv, nil
		}
		lastErr = err

		var ce *ConnectionError
		if !errors.As(err, &ce) || !ce.Retryable() {
			break
		}
		slog.Warn("session: voice connection attempt failed",
			"room_id", m.roomID,
			"attempt", attempt,
			"err", err,
		)
	}
	return nil, lastErr
}

// attempt performs one Idle → Connecting → Ready|Failed cycle.
func (m *ConnectionManager) attempt(ctx context.Context, attempt int) (audio.Receiver, error) {
	m.setState(StateConnecting)
	fail := func(kind ConnectionErrorKind, h audio.Handle, err error) (audio.Receiver, error) {
		if h != nil {
			_ = h.Close()
		}
		m.setState(StateFailed)
		m.metrics.RecordConnectAttempt(ctx, kind.String())
		return nil, &ConnectionError{RoomID: m.roomID, Kind: kind, Attempt: attempt, Err: err}
	}

	h, err := m.transport.Connect(ctx, m.roomID)
	if err != nil {
		return fail(KindTransport, nil, err)
	}

	timer := time.NewTimer(m.cfg.Timeout)
	defer timer.Stop()

	for {
		select {
		case sig, ok := <-h.Signals():
			if !ok {
				return fail(KindDestroyed, h, errors.New("signal channel closed"))
			}
			switch sig {
			case audio.SignalConnecting:
				continue
			case audio.SignalReady:
				m.mu.Lock()
				m.state = StateReady
				m.handle = h
				m.mu.Unlock()
				m.metrics.RecordConnectAttempt(ctx, "ready")
				go m.supervise(h)
				return h.Receiver(), nil
			case audio.SignalDisconnected:
				return fail(KindDisconnected, h, nil)
			case audio.SignalDestroyed:
				return fail(KindDestroyed, h, nil)
			}
		case <-timer.C:
			return fail(KindTimeout, h, fmt.Errorf("not ready after %s", m.cfg.Timeout))
		case <-ctx.Done():
			return fail(KindCancelled, h, ctx.Err())
		case <-m.done:
			return fail(KindCancelled, h, errors.New("manager closed"))
		}
	}
}

// supervise watches a ready handle for connection loss.
func (m *ConnectionManager) supervise(h audio.Handle) {
	for {
		select {
		case <-m.done:
			return
		case sig, ok := <-h.Signals():
			if !ok {
				sig = audio.SignalDestroyed
			}
			if sig != audio.SignalDisconnected && sig != audio.SignalDestroyed {
				continue
			}
			select {
			case <-m.done:
				// Our own Close triggered the signal.
				return
			default:
			}

			m.mu.Lock()
			fn := m.onLost
			m.mu.Unlock()

			slog.Warn("session: voice connection lost", "room_id", m.roomID, "signal", sig.String())
			m.metrics.ConnectionsLost.Add(context.Background(), 1)
			if fn != nil {
				fn(sig)
			}
			return
		}
	}
}

// Close stops supervision and releases the connection. Safe to call more
// than once; subsequent calls return nil.
func (m *ConnectionManager) Close() error {
	var err error
	m.closeOnce.Do(func() {
		close(m.done)
		m.mu.Lock()
		h := m.handle
		m.handle = nil
		m.state = StateIdle
		m.mu.Unlock()
		if h != nil {
			err = h.Close()
		}
	})
	return err
}
