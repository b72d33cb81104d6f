package stream

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"codeberg.org/mutker/energentctl/internal/errors"
	"codeberg.org/mutker/energentctl/internal/logger"
	"codeberg.org/mutker/energentctl/internal/telemetry"
)

const (
	DefaultReconnectDelay = 2 * time.Second
	DefaultConnectDelay   = 100 * time.Millisecond
)

type Config struct {
	URL            string
	ReconnectDelay time.Duration
	ConnectDelay   time.Duration
	Dialer         Dialer
	Sink           Sink

	// OnStateChange is called from the owner goroutine after every
	// connection state change.
	OnStateChange func(State)
}

func (c Config) Validate() error {
	errFactory := errors.New()

	if c.URL == "" {
		return errFactory.WithData(ErrInvalidConfig, "stream URL is required")
	}
	if c.ReconnectDelay < 0 || c.ConnectDelay < 0 {
		return errFactory.WithData(errors.ErrInvalidInterval, "stream delays must not be negative")
	}
	return nil
}

type event struct {
	kind eventKind
	gen  uint64
	conn Conn
	data []byte
	err  error
}

// Manager keeps at most one telemetry socket open and reconnects it at a
// constant cadence after it closes. All state is owned by the goroutine
// running Run; dial and read goroutines only produce events.
type Manager struct {
	cfg     Config
	started atomic.Bool

	connectCh chan struct{}
	events    chan event

	// owner goroutine only
	gen       uint64
	conn      Conn
	reconnect *time.Timer
	producers sync.WaitGroup

	mu     sync.RWMutex
	state  State
	latest telemetry.Sample
	seen   bool
}

func NewManager(cfg Config) (*Manager, error) {
	if cfg.ReconnectDelay == 0 {
		cfg.ReconnectDelay = DefaultReconnectDelay
	}
	if cfg.Dialer == nil {
		cfg.Dialer = WebsocketDialer{}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &Manager{
		cfg:       cfg,
		connectCh: make(chan struct{}, 1),
		events:    make(chan event),
	}, nil
}

// State returns the current connection state.
func (m *Manager) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// Latest returns the most recent valid sample.
func (m *Manager) Latest() (telemetry.Sample, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.latest, m.seen
}

// Connect requests a connection. It is a no-op while connecting or connected.
func (m *Manager) Connect() {
	select {
	case m.connectCh <- struct{}{}:
	default:
	}
}

// Run mounts the manager: it connects after ConnectDelay and keeps the
// socket alive until ctx is cancelled. A Manager can only be run once.
func (m *Manager) Run(ctx context.Context) error {
	if !m.started.CompareAndSwap(false, true) {
		return errors.New().New(ErrAlreadyRunning)
	}
	defer m.producers.Wait()
	defer m.teardown()

	delay := time.NewTimer(m.cfg.ConnectDelay)
	select {
	case <-ctx.Done():
		delay.Stop()
		return nil
	case <-delay.C:
	}

	m.handle(ctx, event{kind: eventConnect})

	for {
		var reconnectC <-chan time.Time
		if m.reconnect != nil {
			reconnectC = m.reconnect.C
		}

		select {
		case <-ctx.Done():
			return nil
		case <-m.connectCh:
			m.handle(ctx, event{kind: eventConnect})
		case <-reconnectC:
			m.reconnect = nil
			m.handle(ctx, event{kind: eventConnect})
		case ev := <-m.events:
			m.handle(ctx, ev)
		}
	}
}

func (m *Manager) handle(ctx context.Context, ev event) {
	if ctx.Err() != nil {
		if ev.kind == eventOpened && ev.conn != nil {
			_ = ev.conn.Close()
		}
		return
	}

	// Events from an abandoned connection attempt
	if ev.kind != eventConnect && ev.gen != m.gen {
		if ev.kind == eventOpened && ev.conn != nil {
			_ = ev.conn.Close()
		}
		return
	}

	if ev.kind == eventMessage {
		m.receive(ev.data)
		return
	}

	prev := m.State()
	next, eff := transition(prev, ev.kind)
	if next != prev {
		m.setState(next)
	}

	switch eff {
	case effectDial:
		m.stopReconnect()
		m.dial(ctx)
	case effectCancelReconnect:
		m.stopReconnect()
		m.conn = ev.conn
		m.read(ctx, ev.gen, ev.conn)
		logger.Info().Str("url", m.cfg.URL).Msg("Telemetry stream connected")
	case effectScheduleReconnect:
		if m.conn != nil {
			_ = m.conn.Close()
			m.conn = nil
		}
		m.reconnect = time.NewTimer(m.cfg.ReconnectDelay)
		logger.Warn().
			Err(ev.err).
			Str("url", m.cfg.URL).
			Dur("retry_in", m.cfg.ReconnectDelay).
			Msg("Telemetry stream closed")
	case effectNone:
		if ev.kind == eventOpened && ev.conn != nil {
			_ = ev.conn.Close()
		}
	}
}

func (m *Manager) receive(data []byte) {
	sample, err := telemetry.ParseSample(data)
	if err != nil {
		logger.Debug().Err(err).Int("bytes", len(data)).Msg("Dropping malformed telemetry message")
		return
	}

	m.mu.Lock()
	m.latest = sample
	m.seen = true
	m.mu.Unlock()

	if m.cfg.Sink != nil {
		m.cfg.Sink(sample)
	}
}

func (m *Manager) setState(s State) {
	m.mu.Lock()
	m.state = s
	m.mu.Unlock()

	logger.Debug().Str("state", s.String()).Msg("Telemetry stream state changed")
	if m.cfg.OnStateChange != nil {
		m.cfg.OnStateChange(s)
	}
}

func (m *Manager) dial(ctx context.Context) {
	m.gen++
	gen := m.gen

	m.producers.Add(1)
	go func() {
		defer m.producers.Done()

		conn, err := m.cfg.Dialer.Dial(ctx, m.cfg.URL)
		if err != nil {
			m.send(ctx, event{kind: eventClosed, gen: gen, err: err})
			return
		}
		if !m.send(ctx, event{kind: eventOpened, gen: gen, conn: conn}) {
			_ = conn.Close()
		}
	}()
}

func (m *Manager) read(ctx context.Context, gen uint64, conn Conn) {
	m.producers.Add(1)
	go func() {
		defer m.producers.Done()

		for {
			data, err := conn.ReadMessage()
			if err != nil {
				m.send(ctx, event{kind: eventClosed, gen: gen, err: err})
				return
			}
			if !m.send(ctx, event{kind: eventMessage, gen: gen, data: data}) {
				return
			}
		}
	}()
}

func (m *Manager) send(ctx context.Context, ev event) bool {
	select {
	case m.events <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

func (m *Manager) stopReconnect() {
	if m.reconnect != nil {
		m.reconnect.Stop()
		m.reconnect = nil
	}
}

// teardown closes the socket without running close handling. The state is
// left as it was.
func (m *Manager) teardown() {
	m.stopReconnect()
	if m.conn != nil {
		_ = m.conn.Close()
		m.conn = nil
	}
}
