package devserver

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/satriahrh/voicechat/domain/entities"
	"github.com/satriahrh/voicechat/domain/repositories"
	"github.com/satriahrh/voicechat/internal/auth"
	"github.com/satriahrh/voicechat/internal/capture"
	vws "github.com/satriahrh/voicechat/internal/websocket"
)

var testSecret = []byte("test-secret")

func startServer(t *testing.T, cfg Config) (*Server, *httptest.Server) {
	t.Helper()
	cfg.Secret = testSecret
	s := New(cfg, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	go s.Run(ctx)

	ts := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		ts.Close()
		cancel()
	})
	return s, ts
}

func tokenFor(t *testing.T, role entities.Role) string {
	t.Helper()
	token, err := auth.GenerateToken(entities.User{ID: "u1", Name: "tester", Role: role}, testSecret, time.Hour)
	if err != nil {
		t.Fatalf("GenerateToken() error = %v", err)
	}
	return token
}

func wsURL(ts *httptest.Server, sessionID, token string) string {
	u := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/client/" + sessionID
	if token != "" {
		u += "?token=" + token
	}
	return u
}

func wavChunk(t *testing.T, length time.Duration) []byte {
	t.Helper()
	return encodeChunk(t, capture.CodecWAV, length)
}

func encodeChunk(t *testing.T, codec string, length time.Duration) []byte {
	t.Helper()
	enc, err := capture.NewEncoder(repositories.AudioFormat{SampleRate: speechRate, Channels: 1}, []string{codec}, zap.NewNop())
	if err != nil {
		t.Fatalf("NewEncoder() error = %v", err)
	}
	if err := enc.Write(Tone(speechRate, toneHz, length)); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	data, err := enc.Finish()
	if err != nil {
		t.Fatalf("Finish() error = %v", err)
	}
	return data
}

func TestHealth(t *testing.T) {
	_, ts := startServer(t, Config{})

	resp, err := http.Get(ts.URL + "/health")
	if err != nil {
		t.Fatalf("GET /health error = %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected 200, got %d", resp.StatusCode)
	}
}

func TestSignIn(t *testing.T) {
	_, ts := startServer(t, Config{})

	tests := []struct {
		name       string
		body       string
		wantStatus int
		wantRole   string
	}{
		{name: "by username", body: `{"username_or_email":"admin","password":"admin"}`, wantStatus: http.StatusOK, wantRole: "Administrator"},
		{name: "by email", body: `{"username_or_email":"agent@example.com","password":"agent"}`, wantStatus: http.StatusOK, wantRole: "Agent"},
		{name: "wrong password", body: `{"username_or_email":"admin","password":"nope"}`, wantStatus: http.StatusUnauthorized},
		{name: "missing fields", body: `{"username_or_email":"admin"}`, wantStatus: http.StatusBadRequest},
		{name: "not json", body: `username=admin`, wantStatus: http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := http.Post(ts.URL+"/api/signin", "application/json", strings.NewReader(tt.body))
			if err != nil {
				t.Fatalf("POST /api/signin error = %v", err)
			}
			defer resp.Body.Close()

			if resp.StatusCode != tt.wantStatus {
				t.Fatalf("Expected status %d, got %d", tt.wantStatus, resp.StatusCode)
			}
			if tt.wantStatus != http.StatusOK {
				return
			}

			var body SignInResponse
			if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
				t.Fatalf("Decode() error = %v", err)
			}
			if body.Role != tt.wantRole {
				t.Errorf("Expected role %s, got %s", tt.wantRole, body.Role)
			}
			claims, err := auth.ValidateToken(body.Token, testSecret)
			if err != nil {
				t.Fatalf("ValidateToken() error = %v", err)
			}
			if claims.Role != tt.wantRole {
				t.Errorf("Expected token role %s, got %s", tt.wantRole, claims.Role)
			}
		})
	}
}

func TestWebSocketRequiresToken(t *testing.T) {
	_, ts := startServer(t, Config{})

	_, resp, err := websocket.DefaultDialer.Dial(wsURL(ts, "s1", ""), nil)
	if err == nil {
		t.Fatal("Expected dial to fail without token")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("Expected 401, got %v", resp)
	}
}

func TestWebSocketRejects(t *testing.T) {
	_, ts := startServer(t, Config{})

	tests := []struct {
		name        string
		token       string
		wantMessage string
	}{
		{name: "role without voice chat", token: tokenFor(t, entities.RoleAgent), wantMessage: "Access denied. Contact administration."},
		{name: "bad signature", token: tokenFor(t, entities.RoleAdministrator) + "x", wantMessage: "Token validation failed"},
	}

	validator := vws.NewMessageValidator()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			conn, _, err := websocket.DefaultDialer.Dial(wsURL(ts, "s1", tt.token), nil)
			if err != nil {
				t.Fatalf("Dial() error = %v", err)
			}
			defer conn.Close()
			conn.SetReadDeadline(time.Now().Add(2 * time.Second))

			_, frame, err := conn.ReadMessage()
			if err != nil {
				t.Fatalf("ReadMessage() error = %v", err)
			}
			event, err := validator.ValidateMessage(frame)
			if err != nil {
				t.Fatalf("ValidateMessage() error = %v", err)
			}
			got, ok := event.(vws.ErrorReceived)
			if !ok || got.Message != tt.wantMessage {
				t.Errorf("Expected error %q, got %+v", tt.wantMessage, event)
			}

			if _, _, err := conn.ReadMessage(); err == nil {
				t.Error("Expected the server to close the socket")
			}
		})
	}
}

func TestAudioChunkRoundTrip(t *testing.T) {
	s, ts := startServer(t, Config{})

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(ts, "session_1", tokenFor(t, entities.RoleAdministrator)), nil)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer conn.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.Hub().WaitClient(ctx, "session_1"); err != nil {
		t.Fatalf("WaitClient() error = %v", err)
	}

	validator := vws.NewMessageValidator()
	audio := wavChunk(t, 2*time.Second)
	frame, err := validator.EncodeAudioChunk("session_1", &entities.AudioChunk{
		Data:       audio,
		MimeType:   "audio/wav",
		Format:     capture.CodecWAV,
		SampleRate: speechRate,
	}, vws.SendMetadata{}, time.Now())
	if err != nil {
		t.Fatalf("EncodeAudioChunk() error = %v", err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		t.Fatalf("WriteMessage() error = %v", err)
	}

	var events []vws.Event
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for len(events) < 3 {
		_, frame, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("ReadMessage() error = %v", err)
		}
		event, err := validator.ValidateMessage(frame)
		if err != nil {
			t.Fatalf("ValidateMessage() error = %v", err)
		}
		events = append(events, event)
	}

	transcription, ok := events[0].(vws.TranscriptionReceived)
	if !ok || transcription.Text != phrases["en"].medium {
		t.Errorf("Unexpected transcription %+v", events[0])
	}
	response, ok := events[1].(vws.ResponseReceived)
	if !ok || response.AudioRef == "" || response.UserMessage != transcription.Text {
		t.Fatalf("Unexpected response %+v", events[1])
	}
	if _, ok := events[2].(vws.AudioProcessed); !ok {
		t.Errorf("Expected audio_processed, got %+v", events[2])
	}

	received := s.Hub().Received()
	if len(received) != 1 || len(received[0].Audio) != len(audio) {
		t.Fatalf("Expected the chunk to be recorded, got %d", len(received))
	}
	if received[0].Meta.Language != entities.LanguageAuto {
		t.Errorf("Expected auto language, got %s", received[0].Meta.Language)
	}

	resp, err := http.Get(ts.URL + response.AudioRef)
	if err != nil {
		t.Fatalf("GET %s error = %v", response.AudioRef, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK || resp.Header.Get("Content-Type") != "audio/wav" {
		t.Errorf("Expected wav clip, got %d %s", resp.StatusCode, resp.Header.Get("Content-Type"))
	}

	missing, err := http.Get(ts.URL + "/audio/none.wav")
	if err != nil {
		t.Fatalf("GET missing error = %v", err)
	}
	missing.Body.Close()
	if missing.StatusCode != http.StatusNotFound {
		t.Errorf("Expected 404, got %d", missing.StatusCode)
	}
}

func TestUnsupportedFrame(t *testing.T) {
	s, ts := startServer(t, Config{})

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(ts, "s1", tokenFor(t, entities.RoleAdministrator)), nil)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer conn.Close()

	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"ping"}`)); err != nil {
		t.Fatalf("WriteMessage() error = %v", err)
	}
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, frame, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage() error = %v", err)
	}
	event, err := vws.NewMessageValidator().ValidateMessage(frame)
	if err != nil {
		t.Fatalf("ValidateMessage() error = %v", err)
	}
	if got, ok := event.(vws.ErrorReceived); !ok || got.Message != "Unsupported message type" {
		t.Errorf("Unexpected event %+v", event)
	}
	if len(s.Hub().Received()) != 0 {
		t.Error("Expected nothing recorded")
	}
}

func TestPushAndDrop(t *testing.T) {
	s, ts := startServer(t, Config{})

	if err := s.Hub().Push("s1", []byte(`{}`)); err == nil {
		t.Error("Expected push to unknown session to fail")
	}

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(ts, "s1", tokenFor(t, entities.RoleAdministrator)), nil)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer conn.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.Hub().WaitClient(ctx, "s1"); err != nil {
		t.Fatalf("WaitClient() error = %v", err)
	}

	if err := s.Hub().Push("s1", []byte(`{"type":"audio_processed","data":{}}`)); err != nil {
		t.Fatalf("Push() error = %v", err)
	}
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, frame, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage() error = %v", err)
	}
	if string(frame) != `{"type":"audio_processed","data":{}}` {
		t.Errorf("Unexpected frame %s", frame)
	}

	s.Hub().DropAll()
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Error("Expected the connection to drop")
	}
}
