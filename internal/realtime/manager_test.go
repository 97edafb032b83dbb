package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/npezzotti/jobpulse/internal/stats"
	"github.com/npezzotti/jobpulse/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const waitTimeout = 2 * time.Second

var errDialRefused = errors.New("connection refused")

type countingDialer struct {
	calls     atomic.Int32
	failFirst int32

	mu      sync.Mutex
	lastURL string
}

func (d *countingDialer) DialContext(ctx context.Context, urlStr string, h http.Header) (*websocket.Conn, *http.Response, error) {
	n := d.calls.Add(1)

	d.mu.Lock()
	d.lastURL = urlStr
	d.mu.Unlock()

	if n <= d.failFirst {
		return nil, nil, errDialRefused
	}
	return websocket.DefaultDialer.DialContext(ctx, urlStr, h)
}

func (d *countingDialer) URL() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lastURL
}

func fastOptions() Options {
	return Options{
		BaseDelay:            time.Millisecond,
		MaxDelay:             4 * time.Millisecond,
		MaxReconnectAttempts: 5,
		PingInterval:         time.Hour,
		WriteWait:            time.Second,
		DialTimeout:          time.Second,
	}
}

func newWSServer(t *testing.T, handle func(n int32, conn *websocket.Conn)) (string, *atomic.Int32) {
	t.Helper()

	var conns atomic.Int32
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Logf("upgrade: %v", err)
			return
		}
		defer conn.Close()

		handle(conns.Add(1), conn)
	}))
	t.Cleanup(srv.Close)

	return "ws" + strings.TrimPrefix(srv.URL, "http"), &conns
}

// drain keeps a server-side connection open until the client goes away.
func drain(conn *websocket.Conn) {
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func newTestManager(t *testing.T, d Dialer, opts Options) *Manager {
	t.Helper()
	m := NewManager(testutil.TestLogger(t), d, stats.NewPermissiveMock(), opts)
	t.Cleanup(m.Disconnect)
	return m
}

func recordStatus(m *Manager) <-chan ConnectionEvent {
	ch := make(chan ConnectionEvent, 64)
	m.Subscribe(KindConnection, func(ev Event) error {
		ch <- ev.Payload.(ConnectionEvent)
		return nil
	})
	return ch
}

func waitStatus(t *testing.T, ch <-chan ConnectionEvent, want ConnectionStatus) ConnectionEvent {
	t.Helper()

	timeout := time.After(waitTimeout)
	for {
		select {
		case ce := <-ch:
			if ce.Status == want {
				return ce
			}
		case <-timeout:
			t.Fatalf("timed out waiting for %q status", want)
			return ConnectionEvent{}
		}
	}
}

func TestConnectMissingCredentials(t *testing.T) {
	tcases := []struct {
		name      string
		token     string
		sessionId string
	}{
		{name: "no token", sessionId: "notifications/42"},
		{name: "no session", token: testutil.TestToken},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			d := &countingDialer{}
			m := newTestManager(t, d, fastOptions())
			statuses := recordStatus(m)

			err := m.Connect("ws://localhost", tc.token, tc.sessionId)
			assert.ErrorIs(t, err, ErrMissingCredentials)

			ce := waitStatus(t, statuses, StatusDisconnected)
			assert.ErrorIs(t, ce.Err, ErrMissingCredentials, "expected status event to carry the error")
			assert.Equal(t, StateIdle, m.State(), "expected manager to stay idle")
			assert.Equal(t, int32(0), d.calls.Load(), "expected no dial")
		})
	}
}

func TestConnectUnsupportedTransport(t *testing.T) {
	d := &countingDialer{}
	m := newTestManager(t, d, fastOptions())

	err := m.Connect("http://localhost:8080", testutil.TestToken, UserChannel("42"))
	assert.ErrorIs(t, err, ErrUnsupportedTransport)
	assert.Equal(t, int32(0), d.calls.Load(), "expected no dial")
}

func TestBuildURL(t *testing.T) {
	tcases := []struct {
		name     string
		endpoint string
		channel  string
		expected string
		err      error
	}{
		{
			name:     "user channel",
			endpoint: "wss://api.example.com",
			channel:  UserChannel("42"),
			expected: "wss://api.example.com/ws/notifications/42?token=tok",
		},
		{
			name:     "conversation channel with base path",
			endpoint: "ws://localhost:8000/realtime/",
			channel:  ConversationChannel("c-1"),
			expected: "ws://localhost:8000/realtime/ws/chat/c-1?token=tok",
		},
		{
			name:     "http endpoint",
			endpoint: "https://api.example.com",
			channel:  UserChannel("42"),
			err:      ErrUnsupportedTransport,
		},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			u, err := BuildURL(tc.endpoint, tc.channel, "tok")
			if tc.err != nil {
				assert.ErrorIs(t, err, tc.err)
				return
			}
			assert.NoError(t, err)
			assert.Equal(t, tc.expected, u)
		})
	}
}

func TestConnectOpensSession(t *testing.T) {
	endpoint, conns := newWSServer(t, func(_ int32, conn *websocket.Conn) { drain(conn) })

	d := &countingDialer{}
	m := newTestManager(t, d, fastOptions())
	statuses := recordStatus(m)

	require.NoError(t, m.Connect(endpoint, testutil.TestToken, UserChannel("42")))
	waitStatus(t, statuses, StatusConnected)

	assert.Equal(t, StateOpen, m.State())
	assert.Contains(t, d.URL(), "/ws/notifications/42?token=", "expected channel path and token in url")

	// connecting again while open is a no-op
	require.NoError(t, m.Connect(endpoint, testutil.TestToken, UserChannel("42")))
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(1), d.calls.Load(), "expected a single dial")
	assert.Equal(t, int32(1), conns.Load(), "expected a single server connection")
}

func TestReconnectGivesUpAfterMaxAttempts(t *testing.T) {
	d := &countingDialer{failFirst: math.MaxInt32}
	opts := DefaultOptions()
	opts.MaxReconnectAttempts = 3
	m := newTestManager(t, d, opts)

	var (
		mu     sync.Mutex
		delays []time.Duration
	)
	m.afterFunc = func(delay time.Duration, f func()) *time.Timer {
		mu.Lock()
		delays = append(delays, delay)
		mu.Unlock()
		return time.AfterFunc(time.Millisecond, f)
	}

	statuses := recordStatus(m)
	require.NoError(t, m.Connect("ws://localhost:1", testutil.TestToken, UserChannel("42")))

	ce := waitStatus(t, statuses, StatusFailed)
	assert.ErrorIs(t, ce.Err, errDialRefused, "expected failure cause to be reported")
	assert.Equal(t, 3, ce.Attempt)
	assert.Equal(t, StateFailed, m.State())
	assert.Equal(t, int32(4), d.calls.Load(), "expected initial dial plus three retries")

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}, delays,
		"expected exponential backoff delays")
}

func TestConnectAfterFailure(t *testing.T) {
	endpoint, conns := newWSServer(t, func(_ int32, conn *websocket.Conn) { drain(conn) })

	d := &countingDialer{failFirst: 2}
	opts := fastOptions()
	opts.MaxReconnectAttempts = 1
	m := newTestManager(t, d, opts)
	statuses := recordStatus(m)

	require.NoError(t, m.Connect(endpoint, testutil.TestToken, UserChannel("42")))
	waitStatus(t, statuses, StatusFailed)
	assert.Equal(t, StateFailed, m.State())
	assert.Equal(t, int32(2), d.calls.Load(), "expected initial dial plus one retry")

	require.NoError(t, m.Connect(endpoint, testutil.TestToken, UserChannel("42")))
	waitStatus(t, statuses, StatusConnected)

	assert.Equal(t, StateOpen, m.State(), "expected an explicit connect to leave the failed state")
	assert.Equal(t, 0, m.Attempts())
	assert.Equal(t, int32(3), d.calls.Load())
	assert.Equal(t, int32(1), conns.Load())
}

func TestReconnectResetsAttemptsOnSuccess(t *testing.T) {
	endpoint, _ := newWSServer(t, func(_ int32, conn *websocket.Conn) { drain(conn) })

	d := &countingDialer{failFirst: 2}
	m := newTestManager(t, d, fastOptions())
	statuses := recordStatus(m)

	require.NoError(t, m.Connect(endpoint, testutil.TestToken, UserChannel("42")))

	first := waitStatus(t, statuses, StatusDisconnected)
	assert.Equal(t, 1, first.Attempt)
	second := waitStatus(t, statuses, StatusDisconnected)
	assert.Equal(t, 2, second.Attempt)
	assert.Equal(t, 2*time.Millisecond, second.Delay)

	waitStatus(t, statuses, StatusConnected)
	assert.Equal(t, 0, m.Attempts(), "expected attempts to reset after a successful open")
	assert.Equal(t, StateOpen, m.State())
}

func TestFramesDispatchedInOrder(t *testing.T) {
	frames := []string{
		`{"type":"message","id":"m1","conversation_id":"c1","content":"hello"}`,
		`not json`,
		`{"type":"typing","conversation_id":"c1","user_id":"u2","is_typing":true}`,
		`{"type":"job_alert","id":"n1","message":"new job"}`,
	}
	endpoint, _ := newWSServer(t, func(_ int32, conn *websocket.Conn) {
		for _, f := range frames {
			if err := conn.WriteMessage(websocket.TextMessage, []byte(f)); err != nil {
				return
			}
		}
		drain(conn)
	})

	su := stats.NewPermissiveMock()
	m := NewManager(testutil.TestLogger(t), nil, su, fastOptions())
	t.Cleanup(m.Disconnect)

	got := make(chan EventKind, 10)
	record := func(ev Event) error {
		got <- ev.Kind
		return nil
	}
	m.Subscribe(KindMessage, record)
	m.Subscribe(KindTyping, record)
	m.Subscribe(KindJobAlert, record)

	require.NoError(t, m.Connect(endpoint, testutil.TestToken, UserChannel("42")))

	var kinds []EventKind
	for len(kinds) < 3 {
		select {
		case k := <-got:
			kinds = append(kinds, k)
		case <-time.After(waitTimeout):
			t.Fatalf("timed out after receiving %v", kinds)
		}
	}

	assert.Equal(t, []EventKind{KindMessage, KindTyping, KindJobAlert}, kinds,
		"expected frames in arrival order with the malformed one skipped")
	assert.Equal(t, StateOpen, m.State(), "expected malformed frame to leave the connection open")
	su.AssertCalled(t, "Incr", stats.DecodeErrors)
}

func TestUnknownKindRoutedToNotificationListeners(t *testing.T) {
	endpoint, _ := newWSServer(t, func(_ int32, conn *websocket.Conn) {
		conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"offer_extended","id":"n9","message":"offer"}`))
		drain(conn)
	})

	m := newTestManager(t, nil, fastOptions())
	got := make(chan Event, 1)
	m.Subscribe(KindNotification, func(ev Event) error {
		got <- ev
		return nil
	})

	require.NoError(t, m.Connect(endpoint, testutil.TestToken, UserChannel("42")))

	select {
	case ev := <-got:
		assert.Equal(t, EventKind("offer_extended"), ev.Kind, "expected original kind to be kept")
		assert.Contains(t, string(ev.Raw), "n9")
	case <-time.After(waitTimeout):
		t.Fatal("expected unknown kind to reach notification listener")
	}
}

func TestListenerIsolation(t *testing.T) {
	tcases := []struct {
		name  string
		first Listener
	}{
		{
			name:  "panicking listener",
			first: func(Event) error { panic("boom") },
		},
		{
			name:  "failing listener",
			first: func(Event) error { return errors.New("listener failed") },
		},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			m := newTestManager(t, nil, fastOptions())

			var calls int
			m.Subscribe(KindMessage, tc.first)
			m.Subscribe(KindMessage, func(Event) error {
				calls++
				return nil
			})

			assert.NotPanics(t, func() {
				m.dispatch(Event{Kind: KindMessage, Payload: ChatMessage{Id: "m1"}})
			})
			assert.Equal(t, 1, calls, "expected second listener to receive the event")
		})
	}
}

func TestUnsubscribe(t *testing.T) {
	m := newTestManager(t, nil, fastOptions())

	var calls int
	unsubscribe := m.Subscribe(KindTyping, func(Event) error {
		calls++
		return nil
	})

	m.dispatch(Event{Kind: KindTyping})
	unsubscribe()
	unsubscribe()
	m.dispatch(Event{Kind: KindTyping})

	assert.Equal(t, 1, calls, "expected no delivery after unsubscribe")
}

func TestSend(t *testing.T) {
	received := make(chan []byte, 1)
	endpoint, _ := newWSServer(t, func(_ int32, conn *websocket.Conn) {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		received <- data
		drain(conn)
	})

	m := newTestManager(t, nil, fastOptions())
	statuses := recordStatus(m)

	assert.False(t, m.SendTyping("c1", true), "expected send to fail before connect")

	require.NoError(t, m.Connect(endpoint, testutil.TestToken, ConversationChannel("c1")))
	waitStatus(t, statuses, StatusConnected)

	clientId, ok := m.SendChatMessage("c1", "hello")
	assert.True(t, ok, "expected send to succeed while open")
	assert.NotEmpty(t, clientId, "expected a generated client id")

	select {
	case data := <-received:
		var frame map[string]any
		require.NoError(t, json.Unmarshal(data, &frame))
		assert.Equal(t, "message", frame["type"])
		assert.Equal(t, "c1", frame["conversation_id"])
		assert.Equal(t, "hello", frame["content"])
		assert.Equal(t, clientId, frame["client_id"])
	case <-time.After(waitTimeout):
		t.Fatal("expected server to receive the message")
	}

	m.Disconnect()
	assert.False(t, m.MarkRead("c1", []string{"m1"}), "expected send to fail after disconnect")
}

func TestDisconnectSendsNormalClosure(t *testing.T) {
	closeErr := make(chan error, 1)
	endpoint, _ := newWSServer(t, func(_ int32, conn *websocket.Conn) {
		_, _, err := conn.ReadMessage()
		closeErr <- err
	})

	d := &countingDialer{}
	m := newTestManager(t, d, fastOptions())
	statuses := recordStatus(m)

	require.NoError(t, m.Connect(endpoint, testutil.TestToken, UserChannel("42")))
	waitStatus(t, statuses, StatusConnected)

	m.Disconnect()

	select {
	case err := <-closeErr:
		assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure),
			"expected close code 1000, got %v", err)
	case <-time.After(waitTimeout):
		t.Fatal("expected server to observe the close")
	}

	waitStatus(t, statuses, StatusDisconnected)
	assert.Equal(t, StateClosed, m.State())

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(1), d.calls.Load(), "expected no reconnect after disconnect")
}

func TestDisconnectCancelsPendingReconnect(t *testing.T) {
	d := &countingDialer{failFirst: math.MaxInt32}
	opts := fastOptions()
	opts.BaseDelay = 50 * time.Millisecond
	opts.MaxDelay = time.Second
	m := newTestManager(t, d, opts)
	statuses := recordStatus(m)

	require.NoError(t, m.Connect("ws://localhost:1", testutil.TestToken, UserChannel("42")))
	ce := waitStatus(t, statuses, StatusDisconnected)
	require.Equal(t, 1, ce.Attempt, "expected a reconnect to be scheduled")

	m.Disconnect()
	time.Sleep(150 * time.Millisecond)

	assert.Equal(t, int32(1), d.calls.Load(), "expected pending reconnect to be cancelled")
	assert.Equal(t, StateClosed, m.State())
	assert.Equal(t, 0, m.Attempts())
}

func TestServerClose(t *testing.T) {
	tcases := []struct {
		name      string
		code      int
		reconnect bool
	}{
		{name: "unexpected close reconnects", code: websocket.CloseInternalServerErr, reconnect: true},
		{name: "normal close does not reconnect", code: websocket.CloseNormalClosure, reconnect: false},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			endpoint, conns := newWSServer(t, func(n int32, conn *websocket.Conn) {
				if n == 1 {
					conn.WriteControl(websocket.CloseMessage,
						websocket.FormatCloseMessage(tc.code, "bye"), time.Now().Add(time.Second))
					// wait for the client to answer the close
					conn.ReadMessage()
					return
				}
				drain(conn)
			})

			m := newTestManager(t, nil, fastOptions())
			statuses := recordStatus(m)

			require.NoError(t, m.Connect(endpoint, testutil.TestToken, UserChannel("42")))
			waitStatus(t, statuses, StatusConnected)

			ce := waitStatus(t, statuses, StatusDisconnected)
			if !tc.reconnect {
				assert.Equal(t, 0, ce.Attempt, "expected no reconnect to be scheduled")
				time.Sleep(50 * time.Millisecond)
				assert.Equal(t, StateClosed, m.State())
				assert.Equal(t, int32(1), conns.Load(), "expected a single server connection")
				return
			}

			assert.Equal(t, 1, ce.Attempt, "expected first reconnect attempt")
			waitStatus(t, statuses, StatusConnected)
			assert.Equal(t, StateOpen, m.State())
			assert.Equal(t, int32(2), conns.Load())
		})
	}
}

func TestKeepalivePing(t *testing.T) {
	pings := make(chan string, 1)
	endpoint, _ := newWSServer(t, func(_ int32, conn *websocket.Conn) {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		pings <- string(data)
		drain(conn)
	})

	opts := fastOptions()
	opts.PingInterval = 10 * time.Millisecond
	m := newTestManager(t, nil, opts)

	require.NoError(t, m.Connect(endpoint, testutil.TestToken, UserChannel("42")))

	select {
	case p := <-pings:
		assert.JSONEq(t, `{"type":"ping"}`, p)
	case <-time.After(waitTimeout):
		t.Fatal("expected a keepalive ping")
	}
}
