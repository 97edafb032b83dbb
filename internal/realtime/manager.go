package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/npezzotti/jobpulse/internal/stats"
	"github.com/teris-io/shortid"
)

const maxMessageSize = 64 * 1024

var (
	ErrMissingCredentials   = errors.New("token and session id are required")
	ErrUnsupportedTransport = errors.New("endpoint must use ws or wss")
)

type State string

const (
	StateIdle       State = "idle"
	StateConnecting State = "connecting"
	StateOpen       State = "open"
	StateClosed     State = "closed"
	StateFailed     State = "failed"
)

// Dialer is satisfied by *websocket.Dialer.
type Dialer interface {
	DialContext(ctx context.Context, urlStr string, requestHeader http.Header) (*websocket.Conn, *http.Response, error)
}

// Listener handles one event. Returned errors and panics are logged and do
// not stop delivery to the remaining listeners.
type Listener func(Event) error

type listener struct {
	fn Listener
}

// Manager owns a single real-time session with the backend. It reconnects
// with exponential backoff after unexpected drops and fans decoded frames
// out to subscribers.
type Manager struct {
	log       *log.Logger
	stats     stats.StatsProvider
	dialer    Dialer
	opts      Options
	afterFunc func(time.Duration, func()) *time.Timer

	mu             sync.Mutex
	state          State
	conn           *websocket.Conn
	url            string
	attempts       int
	gen            uint64
	reconnectTimer *time.Timer
	stopPing       chan struct{}

	writeMu sync.Mutex

	listenersLock sync.RWMutex
	listeners     map[EventKind][]*listener
}

func NewManager(logger *log.Logger, dialer Dialer, su stats.StatsProvider, opts Options) *Manager {
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	if su == nil {
		su = stats.Nop{}
	}

	return &Manager{
		log:       logger,
		stats:     su,
		dialer:    dialer,
		opts:      opts.withDefaults(),
		afterFunc: time.AfterFunc,
		state:     StateIdle,
		listeners: make(map[EventKind][]*listener),
	}
}

func ConversationChannel(conversationId string) string {
	return "chat/" + url.PathEscape(conversationId)
}

func UserChannel(userId string) string {
	return "notifications/" + url.PathEscape(userId)
}

// BuildURL returns <endpoint>/ws/<channel>?token=<token>.
func BuildURL(endpoint, channel, token string) (string, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("parse endpoint: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return "", ErrUnsupportedTransport
	}

	u.Path = strings.TrimRight(u.Path, "/") + "/ws/" + strings.TrimLeft(channel, "/")
	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()

	return u.String(), nil
}

func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Manager) Attempts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempts
}

// Connect opens the session for channel sessionId. It is a no-op while a
// connection is being established or is open. Dialing happens in the
// background; progress is reported through KindConnection events.
func (m *Manager) Connect(endpoint, token, sessionId string) error {
	if token == "" || sessionId == "" {
		m.log.Println("connect:", ErrMissingCredentials)
		m.emitStatus(ConnectionEvent{Status: StatusDisconnected, Err: ErrMissingCredentials})
		return ErrMissingCredentials
	}

	wsURL, err := BuildURL(endpoint, sessionId, token)
	if err != nil {
		m.log.Println("connect:", err)
		m.emitStatus(ConnectionEvent{Status: StatusDisconnected, Err: err})
		return err
	}

	m.mu.Lock()
	if m.state == StateConnecting || m.state == StateOpen {
		m.mu.Unlock()
		return nil
	}

	m.gen++
	gen := m.gen
	m.url = wsURL
	m.attempts = 0
	m.state = StateConnecting
	m.mu.Unlock()

	m.log.Printf("connecting to channel %q", sessionId)
	go m.dial(gen)
	return nil
}

func (m *Manager) dial(gen uint64) {
	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		return
	}
	wsURL := m.url
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), m.opts.DialTimeout)
	defer cancel()

	conn, _, err := m.dialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		m.log.Printf("dial: %v", err)
		m.handleFailure(gen, err)
		return
	}

	m.mu.Lock()
	if gen != m.gen {
		// disconnected while dialing
		m.mu.Unlock()
		conn.Close()
		return
	}

	conn.SetReadLimit(maxMessageSize)
	stop := make(chan struct{})
	m.conn = conn
	m.stopPing = stop
	m.state = StateOpen
	m.attempts = 0
	m.reconnectTimer = nil
	m.mu.Unlock()

	m.log.Println("connection open")
	m.emitStatus(ConnectionEvent{Status: StatusConnected})

	go m.keepalive(conn, stop)
	go m.read(gen, conn)
}

// handleFailure schedules the next reconnect attempt, or moves to
// StateFailed once MaxReconnectAttempts retries have been used.
func (m *Manager) handleFailure(gen uint64, cause error) {
	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		return
	}

	m.conn = nil
	if m.stopPing != nil {
		close(m.stopPing)
		m.stopPing = nil
	}

	if m.attempts >= m.opts.MaxReconnectAttempts {
		m.state = StateFailed
		attempts := m.attempts
		m.mu.Unlock()

		m.log.Printf("giving up after %d reconnect attempts", attempts)
		m.emitStatus(ConnectionEvent{Status: StatusFailed, Attempt: attempts, Err: cause})
		return
	}

	m.attempts++
	attempt := m.attempts
	delay := m.opts.ReconnectDelay(attempt)
	m.state = StateConnecting
	m.reconnectTimer = m.afterFunc(delay, func() { m.dial(gen) })
	m.mu.Unlock()

	m.stats.Incr(stats.Reconnects)
	m.log.Printf("reconnect attempt %d in %s", attempt, delay)
	m.emitStatus(ConnectionEvent{
		Status:  StatusDisconnected,
		Attempt: attempt,
		Delay:   delay,
		Err:     cause,
	})
}

func (m *Manager) handleClosed(gen uint64) {
	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		return
	}

	m.conn = nil
	if m.stopPing != nil {
		close(m.stopPing)
		m.stopPing = nil
	}
	m.state = StateClosed
	m.attempts = 0
	m.mu.Unlock()

	m.log.Println("connection closed by server")
	m.emitStatus(ConnectionEvent{Status: StatusDisconnected})
}

func (m *Manager) read(gen uint64, conn *websocket.Conn) {
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			conn.Close()
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				m.handleClosed(gen)
			} else {
				m.handleFailure(gen, err)
			}
			return
		}

		m.stats.Incr(stats.FramesReceived)

		ev, err := DecodeEvent(raw)
		if err != nil {
			m.stats.Incr(stats.DecodeErrors)
			m.log.Printf("error parsing frame: %v", err)
			continue
		}

		if ev.Kind == KindPong {
			m.log.Println("received pong")
		}

		m.dispatch(ev)
	}
}

func (m *Manager) keepalive(conn *websocket.Conn, stop chan struct{}) {
	ticker := time.NewTicker(m.opts.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			data, _ := json.Marshal(pingFrame{Type: KindPing})
			if !m.writeMessage(conn, data) {
				// the read loop observes the broken connection
				return
			}
		}
	}
}

func (m *Manager) writeMessage(conn *websocket.Conn, data []byte) bool {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	conn.SetWriteDeadline(time.Now().Add(m.opts.WriteWait))
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		m.log.Printf("write message: %v", err)
		return false
	}

	return true
}

// Send encodes v as JSON and writes it when the connection is open. A false
// return tells the caller to use its fallback path.
func (m *Manager) Send(v any) bool {
	m.mu.Lock()
	conn := m.conn
	open := m.state == StateOpen
	m.mu.Unlock()

	if !open || conn == nil {
		return false
	}

	data, err := json.Marshal(v)
	if err != nil {
		m.log.Printf("failed to serialize message: %v", err)
		return false
	}

	return m.writeMessage(conn, data)
}

// SendChatMessage returns the generated client id used to correlate the
// server echo.
func (m *Manager) SendChatMessage(conversationId, content string) (string, bool) {
	clientId, err := shortid.Generate()
	if err != nil {
		m.log.Printf("generate client id: %v", err)
		return "", false
	}

	return clientId, m.Send(outboundMessage{
		Type:           KindMessage,
		ConversationId: conversationId,
		Content:        content,
		ClientId:       clientId,
	})
}

func (m *Manager) SendTyping(conversationId string, isTyping bool) bool {
	return m.Send(outboundTyping{
		Type:           KindTyping,
		ConversationId: conversationId,
		IsTyping:       isTyping,
	})
}

func (m *Manager) MarkRead(conversationId string, messageIds []string) bool {
	return m.Send(outboundMarkRead{
		Type:           kindMarkRead,
		ConversationId: conversationId,
		MessageIds:     messageIds,
	})
}

func (m *Manager) AddReaction(messageId, emoji string) bool {
	return m.Send(outboundReaction{
		Type:      kindAddReaction,
		MessageId: messageId,
		Emoji:     emoji,
	})
}

// Disconnect closes the session with a normal closure and cancels pending
// reconnect and keepalive timers. It is safe to call at any time.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	m.gen++
	if m.reconnectTimer != nil {
		m.reconnectTimer.Stop()
		m.reconnectTimer = nil
	}
	if m.stopPing != nil {
		close(m.stopPing)
		m.stopPing = nil
	}

	conn := m.conn
	m.conn = nil
	active := m.state == StateOpen || m.state == StateConnecting
	m.state = StateClosed
	m.attempts = 0
	m.mu.Unlock()

	if conn != nil {
		m.writeMu.Lock()
		err := conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(m.opts.WriteWait),
		)
		m.writeMu.Unlock()
		if err != nil {
			m.log.Printf("write close: %v", err)
		}
		conn.Close()
	}

	if active {
		m.log.Println("disconnected")
		m.emitStatus(ConnectionEvent{Status: StatusDisconnected})
	}
}

// Subscribe registers fn for kind and returns a function that removes it.
func (m *Manager) Subscribe(kind EventKind, fn Listener) func() {
	l := &listener{fn: fn}

	m.listenersLock.Lock()
	m.listeners[kind] = append(m.listeners[kind], l)
	m.listenersLock.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { m.unsubscribe(kind, l) })
	}
}

func (m *Manager) unsubscribe(kind EventKind, l *listener) {
	m.listenersLock.Lock()
	defer m.listenersLock.Unlock()

	current := m.listeners[kind]
	next := make([]*listener, 0, len(current))
	for _, existing := range current {
		if existing != l {
			next = append(next, existing)
		}
	}

	if len(next) == 0 {
		delete(m.listeners, kind)
		return
	}
	m.listeners[kind] = next
}

func (m *Manager) dispatch(ev Event) {
	kind := ev.Kind
	if !kind.Known() {
		kind = KindNotification
	}

	// slices are replaced, never mutated, so iterating outside the lock is safe
	m.listenersLock.RLock()
	ls := m.listeners[kind]
	m.listenersLock.RUnlock()

	for _, l := range ls {
		m.invoke(l, ev)
	}
}

func (m *Manager) invoke(l *listener, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			m.log.Printf("listener for %q panicked: %v", ev.Kind, r)
		}
	}()

	if err := l.fn(ev); err != nil {
		m.log.Printf("listener for %q: %v", ev.Kind, err)
	}
}

func (m *Manager) emitStatus(ce ConnectionEvent) {
	m.dispatch(Event{Kind: KindConnection, Payload: ce})
}
