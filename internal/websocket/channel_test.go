package websocket_test

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	gorilla "github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/satriahrh/voicechat/domain"
	"github.com/satriahrh/voicechat/domain/entities"
	"github.com/satriahrh/voicechat/domain/repositories"
	"github.com/satriahrh/voicechat/internal/auth"
	"github.com/satriahrh/voicechat/internal/capture"
	"github.com/satriahrh/voicechat/internal/devserver"
	"github.com/satriahrh/voicechat/internal/websocket"
)

var testSecret = []byte("channel-secret")

type fixture struct {
	server *devserver.Server
	http   *httptest.Server
	wsURL  string
}

func newFixture(t *testing.T, silent bool) *fixture {
	t.Helper()
	s := devserver.New(devserver.Config{Secret: testSecret, Silent: silent}, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	go s.Run(ctx)

	ts := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		ts.Close()
		cancel()
	})
	return &fixture{server: s, http: ts, wsURL: "ws" + strings.TrimPrefix(ts.URL, "http")}
}

func token(t *testing.T, role entities.Role) string {
	t.Helper()
	tok, err := auth.GenerateToken(entities.User{ID: "u1", Name: "tester", Role: role}, testSecret, time.Hour)
	if err != nil {
		t.Fatalf("GenerateToken() error = %v", err)
	}
	return tok
}

func nextEvent(t *testing.T, ch *websocket.Channel) websocket.Event {
	t.Helper()
	select {
	case event, ok := <-ch.Events():
		if !ok {
			t.Fatal("Event stream closed")
		}
		return event
	case <-time.After(3 * time.Second):
		t.Fatal("Timed out waiting for event")
	}
	return nil
}

func waitOpen(t *testing.T, ch *websocket.Channel) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := ch.WaitOpen(ctx); err != nil {
		t.Fatalf("WaitOpen() error = %v", err)
	}
}

func wavChunk(t *testing.T) *entities.AudioChunk {
	t.Helper()
	enc, err := capture.NewEncoder(repositories.AudioFormat{SampleRate: 16000, Channels: 1}, []string{capture.CodecWAV}, zap.NewNop())
	if err != nil {
		t.Fatalf("NewEncoder() error = %v", err)
	}
	if err := enc.Write(devserver.Tone(16000, 440, 500*time.Millisecond)); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	data, err := enc.Finish()
	if err != nil {
		t.Fatalf("Finish() error = %v", err)
	}
	return &entities.AudioChunk{Data: data, MimeType: enc.MimeType(), Format: enc.Format(), SampleRate: 16000}
}

func TestSendWhileConnecting(t *testing.T) {
	release := make(chan struct{})
	blocking := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer blocking.Close()

	ch := websocket.NewChannel(websocket.Config{
		URL:         "ws" + strings.TrimPrefix(blocking.URL, "http"),
		MaxRetries:  1,
		DialTimeout: time.Second,
	}, zap.NewNop())
	defer ch.Close()
	defer close(release)

	if err := ch.Send(context.Background(), wavChunk(t), websocket.SendMetadata{}); !errors.Is(err, domain.ErrChannelUnavailable) {
		t.Errorf("Expected ErrChannelUnavailable before connect, got %v", err)
	}

	if err := ch.Connect(context.Background(), "s1"); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	if ch.State() != entities.ConnectionStateConnecting {
		t.Errorf("Expected connecting, got %s", ch.State())
	}

	err := ch.Send(context.Background(), wavChunk(t), websocket.SendMetadata{})
	if !errors.Is(err, domain.ErrChannelUnavailable) {
		t.Errorf("Expected ErrChannelUnavailable while connecting, got %v", err)
	}
	if !errors.Is(err, domain.ErrNotConnected) {
		t.Errorf("Expected ErrChannelUnavailable to wrap ErrNotConnected, got %v", err)
	}
}

func TestSendAndReceiveInOrder(t *testing.T) {
	f := newFixture(t, false)

	ch := websocket.NewChannel(websocket.Config{URL: f.wsURL, Token: token(t, entities.RoleAdministrator)}, zap.NewNop())
	defer ch.Close()

	if err := ch.Connect(context.Background(), "session_abc"); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	if opened, ok := nextEvent(t, ch).(websocket.Opened); !ok || opened.SessionID != "session_abc" {
		t.Fatalf("Expected opened, got %+v", opened)
	}
	waitOpen(t, ch)

	chunk := wavChunk(t)
	if err := ch.Send(context.Background(), chunk, websocket.SendMetadata{Language: "en"}); err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	if _, ok := nextEvent(t, ch).(websocket.TranscriptionReceived); !ok {
		t.Error("Expected transcription first")
	}
	response, ok := nextEvent(t, ch).(websocket.ResponseReceived)
	if !ok || response.AudioRef == "" {
		t.Errorf("Expected response with audio second, got %+v", response)
	}
	if _, ok := nextEvent(t, ch).(websocket.AudioProcessed); !ok {
		t.Error("Expected audio_processed last")
	}

	received := f.server.Hub().Received()
	if len(received) != 1 {
		t.Fatalf("Expected 1 chunk on the server, got %d", len(received))
	}
	if received[0].Meta.SessionID != "session_abc" || received[0].Meta.Language != "en" {
		t.Errorf("Unexpected chunk metadata %+v", received[0].Meta)
	}
	if string(received[0].Audio) != string(chunk.Data) {
		t.Error("Expected the audio to arrive byte-identical")
	}
}

func TestMalformedFrameKeepsChannelOpen(t *testing.T) {
	f := newFixture(t, true)

	ch := websocket.NewChannel(websocket.Config{URL: f.wsURL, Token: token(t, entities.RoleAdministrator)}, zap.NewNop())
	defer ch.Close()

	if err := ch.Connect(context.Background(), "s1"); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	nextEvent(t, ch)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := f.server.Hub().WaitClient(ctx, "s1"); err != nil {
		t.Fatalf("WaitClient() error = %v", err)
	}

	hub := f.server.Hub()
	for _, frame := range []string{`not json`, `{"type":"mystery","data":{}}`, `{"type":"audio_processed","data":{}}`} {
		if err := hub.Push("s1", []byte(frame)); err != nil {
			t.Fatalf("Push() error = %v", err)
		}
	}

	for i := 0; i < 2; i++ {
		pe, ok := nextEvent(t, ch).(websocket.ProtocolError)
		if !ok || !errors.Is(pe.Err, domain.ErrProtocol) {
			t.Errorf("Expected protocol error %d, got %+v", i, pe)
		}
	}
	if _, ok := nextEvent(t, ch).(websocket.AudioProcessed); !ok {
		t.Error("Expected the channel to keep delivering after malformed frames")
	}
	if ch.State() != entities.ConnectionStateOpen {
		t.Errorf("Expected open, got %s", ch.State())
	}
}

func TestReconnectAfterDrop(t *testing.T) {
	f := newFixture(t, true)

	ch := websocket.NewChannel(websocket.Config{
		URL:            f.wsURL,
		Token:          token(t, entities.RoleAdministrator),
		ReconnectDelay: 50 * time.Millisecond,
	}, zap.NewNop())
	defer ch.Close()

	if err := ch.Connect(context.Background(), "s1"); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	if _, ok := nextEvent(t, ch).(websocket.Opened); !ok {
		t.Fatal("Expected opened")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := f.server.Hub().WaitClient(ctx, "s1"); err != nil {
		t.Fatalf("WaitClient() error = %v", err)
	}

	f.server.Hub().DropAll()

	closed, ok := nextEvent(t, ch).(websocket.Closed)
	if !ok {
		t.Fatalf("Expected closed after drop, got %+v", closed)
	}
	if !errors.Is(closed.Err, domain.ErrTimeoutOrDrop) {
		t.Errorf("Expected drop reason, got %v", closed.Err)
	}
	if _, ok := nextEvent(t, ch).(websocket.Opened); !ok {
		t.Fatal("Expected the channel to reopen")
	}

	waitOpen(t, ch)
	if err := ch.Send(context.Background(), wavChunk(t), websocket.SendMetadata{}); err != nil {
		t.Errorf("Send() after reconnect error = %v", err)
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	f := newFixture(t, true)

	ch := websocket.NewChannel(websocket.Config{URL: f.wsURL, Token: token(t, entities.RoleAdministrator)}, zap.NewNop())
	if err := ch.Connect(context.Background(), "s1"); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	waitOpen(t, ch)

	if err := ch.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := ch.Close(); err != nil {
		t.Fatalf("second Close() error = %v", err)
	}

	for range ch.Events() {
	}
	if ch.State() != entities.ConnectionStateClosed {
		t.Errorf("Expected closed, got %s", ch.State())
	}
	if err := ch.Send(context.Background(), wavChunk(t), websocket.SendMetadata{}); !errors.Is(err, domain.ErrChannelUnavailable) {
		t.Errorf("Expected ErrChannelUnavailable after close, got %v", err)
	}
	if err := ch.Connect(context.Background(), "s1"); !errors.Is(err, domain.ErrInvalidState) {
		t.Errorf("Expected ErrInvalidState on reconnect after close, got %v", err)
	}
	if err := ch.WaitOpen(context.Background()); !errors.Is(err, domain.ErrChannelUnavailable) {
		t.Errorf("Expected WaitOpen to fail after close, got %v", err)
	}
}

// stallConn passes traffic through until stalled, then blocks every write
// until the connection is closed.
type stallConn struct {
	net.Conn
	stalled *atomic.Bool
	closed  chan struct{}
	once    sync.Once
}

func (c *stallConn) Write(p []byte) (int, error) {
	if c.stalled.Load() {
		<-c.closed
		return 0, net.ErrClosed
	}
	return c.Conn.Write(p)
}

func (c *stallConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return c.Conn.Close()
}

func TestCloseDuringSend(t *testing.T) {
	f := newFixture(t, true)

	var stalled atomic.Bool
	dialer := &gorilla.Dialer{
		NetDialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			conn, err := (&net.Dialer{}).DialContext(ctx, network, addr)
			if err != nil {
				return nil, err
			}
			return &stallConn{Conn: conn, stalled: &stalled, closed: make(chan struct{})}, nil
		},
	}
	ch := websocket.NewChannel(websocket.Config{URL: f.wsURL, Token: token(t, entities.RoleAdministrator), Dialer: dialer}, zap.NewNop())
	if err := ch.Connect(context.Background(), "s1"); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	waitOpen(t, ch)

	chunk := wavChunk(t)
	stalled.Store(true)
	sent := make(chan error, 1)
	go func() {
		sent <- ch.Send(context.Background(), chunk, websocket.SendMetadata{})
	}()
	time.Sleep(50 * time.Millisecond)

	closed := make(chan struct{})
	go func() {
		ch.Close()
		close(closed)
	}()

	select {
	case err := <-sent:
		if !errors.Is(err, domain.ErrChannelUnavailable) {
			t.Errorf("Expected ErrChannelUnavailable, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Send did not return after Close")
	}
	select {
	case <-closed:
	case <-time.After(5 * time.Second):
		t.Fatal("Close did not return while a write was stuck")
	}
	if ch.State() != entities.ConnectionStateClosed {
		t.Errorf("Expected closed, got %s", ch.State())
	}
}

func TestCloseBeforeConnect(t *testing.T) {
	ch := websocket.NewChannel(websocket.Config{URL: "ws://127.0.0.1:1"}, zap.NewNop())
	if err := ch.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if _, ok := <-ch.Events(); ok {
		t.Error("Expected the event stream to be closed")
	}
}

func TestGivesUpAfterMaxRetries(t *testing.T) {
	f := newFixture(t, true)

	// no token: the server answers 401 before upgrading
	ch := websocket.NewChannel(websocket.Config{
		URL:            f.wsURL,
		ReconnectDelay: 10 * time.Millisecond,
		MaxRetries:     2,
	}, zap.NewNop())
	defer ch.Close()

	if err := ch.Connect(context.Background(), "s1"); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := ch.WaitOpen(ctx); !errors.Is(err, domain.ErrChannelUnavailable) {
		t.Errorf("Expected WaitOpen to give up, got %v", err)
	}
	for range ch.Events() {
	}
	if ch.State() != entities.ConnectionStateClosed {
		t.Errorf("Expected closed, got %s", ch.State())
	}
}

func TestRoleRejectedByServer(t *testing.T) {
	f := newFixture(t, true)

	ch := websocket.NewChannel(websocket.Config{
		URL:            f.wsURL,
		Token:          token(t, entities.RoleAgent),
		ReconnectDelay: time.Hour,
	}, zap.NewNop())
	defer ch.Close()

	if err := ch.Connect(context.Background(), "s1"); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	if _, ok := nextEvent(t, ch).(websocket.Opened); !ok {
		t.Fatal("Expected opened")
	}
	rejected, ok := nextEvent(t, ch).(websocket.ErrorReceived)
	if !ok || rejected.Message != "Access denied. Contact administration." {
		t.Errorf("Expected access denied error, got %+v", rejected)
	}
	if _, ok := nextEvent(t, ch).(websocket.Closed); !ok {
		t.Error("Expected closed after rejection")
	}
}

func TestConnectValidation(t *testing.T) {
	tests := []struct {
		name      string
		url       string
		sessionID string
	}{
		{name: "http scheme", url: "http://localhost:8000", sessionID: "s1"},
		{name: "empty session", url: "ws://localhost:8000", sessionID: ""},
		{name: "unparsable url", url: "ws://[::1", sessionID: "s1"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ch := websocket.NewChannel(websocket.Config{URL: tt.url}, zap.NewNop())
			defer ch.Close()
			if err := ch.Connect(context.Background(), tt.sessionID); err == nil {
				t.Error("Expected Connect to fail")
			}
			if ch.State() != entities.ConnectionStateClosed {
				t.Errorf("Expected closed, got %s", ch.State())
			}
		})
	}

	f := newFixture(t, true)
	ch := websocket.NewChannel(websocket.Config{URL: f.wsURL, Token: token(t, entities.RoleAdministrator)}, zap.NewNop())
	defer ch.Close()
	if err := ch.Connect(context.Background(), "s1"); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	if err := ch.Connect(context.Background(), "s1"); !errors.Is(err, domain.ErrInvalidState) {
		t.Errorf("Expected ErrInvalidState on second Connect, got %v", err)
	}
}
