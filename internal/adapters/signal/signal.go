// Package signal is the websocket client of the call-signaling provider.
package signal

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/CallDub/internal/adapters/rtc"
	"github.com/dkeye/CallDub/internal/core"
	"github.com/dkeye/CallDub/internal/domain"
)

var (
	ErrBackpressure = errors.New("backpressure")
	ErrClosed       = errors.New("connection closed")
	ErrTimeout      = errors.New("request timed out")
)

type Config struct {
	URL            string
	ReadLimit      int64
	PingPeriod     time.Duration
	RequestTimeout time.Duration
	// Media makes every session own a pion transport.
	Media      bool
	ICEServers []string
}

func DefaultConfig() Config {
	return Config{
		URL:            "ws://127.0.0.1:9000/ws",
		ReadLimit:      1 << 20,
		PingPeriod:     30 * time.Second,
		RequestTimeout: 10 * time.Second,
		ICEServers:     rtc.DefaultICEServers(),
	}
}

// Connector opens one websocket session per token.
type Connector struct {
	cfg    Config
	host   core.Capturer
	dialer *websocket.Dialer
}

func NewConnector(cfg Config, host core.Capturer) *Connector {
	return &Connector{cfg: cfg, host: host, dialer: websocket.DefaultDialer}
}

func (c *Connector) Connect(ctx context.Context, token domain.Token) (core.Session, error) {
	u, err := url.Parse(c.cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("signal url: %w", err)
	}
	q := u.Query()
	q.Set("token", string(token))
	u.RawQuery = q.Encode()

	ws, _, err := c.dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", u.Host, err)
	}

	s := newSession(token, c.cfg, ws)
	if !c.cfg.Media {
		s.start()
		log.Info().Str("module", "adapters.signal").Str("token", string(token)).Msg("session connected")
		return s, nil
	}

	tr, err := rtc.NewTransport(ctx, token, c.host, c.cfg.ICEServers)
	if err != nil {
		_ = s.Disconnect()
		return nil, err
	}
	s.media = tr
	tr.OnICECandidate(s.sendCandidate)
	s.start()
	log.Info().Str("module", "adapters.signal").Str("token", string(token)).Bool("media", true).Msg("session connected")
	return &MediaSession{Session: s}, nil
}

// Session is a provider connection without a local media transport.
type Session struct {
	token  domain.Token
	cfg    Config
	conn   *wsConn
	events *EventEmitter
	media  *rtc.Transport

	ctx    context.Context
	cancel context.CancelFunc

	nextID  atomic.Int64
	mu      sync.Mutex
	pending map[int64]chan domain.ActionResult
	closed  bool
}

func newSession(token domain.Token, cfg Config, ws *websocket.Conn) *Session {
	def := DefaultConfig()
	if cfg.PingPeriod <= 0 {
		cfg.PingPeriod = def.PingPeriod
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = def.RequestTimeout
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		token:   token,
		cfg:     cfg,
		conn:    &wsConn{conn: ws, send: make(chan []byte, 32)},
		events:  NewEventEmitter(),
		ctx:     ctx,
		cancel:  cancel,
		pending: make(map[int64]chan domain.ActionResult),
	}
}

func (s *Session) start() {
	go s.writePump(s.ctx)
	go s.readPump(s.ctx)
}

func (s *Session) Token() domain.Token { return s.token }

func (s *Session) On(event string, h core.EventHandler) { s.events.On(event, h) }

func (s *Session) Off(event string) { s.events.Off(event) }

// ReleaseEvents starts delivering provider events to the registered handlers.
// Everything received since Connect is delivered first, in order.
func (s *Session) ReleaseEvents() { s.events.Release() }

func (s *Session) AcceptCall(ctx context.Context) error { return s.action(ctx, "acceptCall") }

func (s *Session) RejectCall(ctx context.Context) error { return s.action(ctx, "rejectCall") }

func (s *Session) EndCall(ctx context.Context) error { return s.action(ctx, "endCall") }

func (s *Session) Mute(ctx context.Context) error { return s.action(ctx, "mute") }

func (s *Session) UnMute(ctx context.Context) error { return s.action(ctx, "unMute") }

// CallStart asks the provider to ring target. A non-success answer is not
// an error here; the caller inspects the result.
func (s *Session) CallStart(ctx context.Context, target string) (domain.ActionResult, error) {
	return s.request(ctx, "callStart", map[string]string{"whatsappid": target})
}

func (s *Session) action(ctx context.Context, name string) error {
	res, err := s.request(ctx, name, nil)
	if err != nil {
		return err
	}
	if !res.OK() {
		return fmt.Errorf("%s: provider answered %q", name, res.Type)
	}
	return nil
}

// request sends one action frame and waits for the response carrying its id.
func (s *Session) request(ctx context.Context, action string, params any) (domain.ActionResult, error) {
	id := s.nextID.Add(1)
	ch := make(chan domain.ActionResult, 1)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return domain.ActionResult{}, fmt.Errorf("%s: %w", action, domain.ErrSessionUnavailable)
	}
	s.pending[id] = ch
	s.mu.Unlock()
	defer s.forget(id)

	if err := s.sendJSON(requestFrame{Type: "request", ID: id, Action: action, Params: params}); err != nil {
		return domain.ActionResult{}, fmt.Errorf("%s: %w", action, err)
	}
	log.Debug().Str("module", "adapters.signal").Str("token", string(s.token)).Int64("id", id).Str("action", action).Msg("request sent")

	timeout := time.NewTimer(s.cfg.RequestTimeout)
	defer timeout.Stop()
	select {
	case res, ok := <-ch:
		if !ok {
			return domain.ActionResult{}, fmt.Errorf("%s: %w", action, domain.ErrSessionUnavailable)
		}
		return res, nil
	case <-timeout.C:
		return domain.ActionResult{}, fmt.Errorf("%s: %w", action, ErrTimeout)
	case <-ctx.Done():
		return domain.ActionResult{}, ctx.Err()
	}
}

func (s *Session) forget(id int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.pending, id)
}

func (s *Session) resolve(id int64, res domain.ActionResult) {
	s.mu.Lock()
	ch, ok := s.pending[id]
	delete(s.pending, id)
	s.mu.Unlock()
	if !ok {
		log.Warn().Str("module", "adapters.signal").Str("token", string(s.token)).Int64("id", id).Msg("response for unknown request")
		return
	}
	ch <- res
}

// shutdown fails every pending request and releases the socket. It reports
// whether this call did the work.
func (s *Session) shutdown() bool {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}
	s.closed = true
	for id, ch := range s.pending {
		close(ch)
		delete(s.pending, id)
	}
	s.mu.Unlock()

	s.cancel()
	s.conn.Close()
	if s.media != nil {
		_ = s.media.Close()
	}
	return true
}

// Disconnect closes the session. Handlers registered with On are not called.
func (s *Session) Disconnect() error {
	if s.shutdown() {
		log.Info().Str("module", "adapters.signal").Str("token", string(s.token)).Msg("session disconnected")
	}
	return nil
}

// MediaSession is a Session that also owns the negotiated media transport.
type MediaSession struct {
	*Session
}

func (m *MediaSession) AudioSenders() []core.AudioSender {
	return m.media.AudioSenders()
}

// Mute mutes at the provider and detaches the local track.
func (m *MediaSession) Mute(ctx context.Context) error {
	if err := m.Session.Mute(ctx); err != nil {
		return err
	}
	return m.media.Mute()
}

// UnMute unmutes at the provider and captures again through the host.
func (m *MediaSession) UnMute(ctx context.Context) error {
	if err := m.Session.UnMute(ctx); err != nil {
		return err
	}
	return m.media.Reacquire(ctx)
}

// RestoreCapture puts a fresh host capture on every audio sender.
func (m *MediaSession) RestoreCapture(ctx context.Context) error {
	return m.media.Reacquire(ctx)
}

type wsConn struct {
	conn *websocket.Conn
	send chan []byte

	mu     sync.RWMutex
	closed bool
}

func (c *wsConn) TrySend(b []byte) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return ErrClosed
	}
	select {
	case c.send <- b:
	default:
		return ErrBackpressure
	}
	return nil
}

func (c *wsConn) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
	_ = c.conn.Close()
}
