package main

import (
	"bytes"
	"context"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/satriahrh/voicechat/domain"
	"github.com/satriahrh/voicechat/domain/entities"
	"github.com/satriahrh/voicechat/usecase"
)

type fakeSession struct {
	recording bool
	calls     []string
	messages  []entities.Message
	status    usecase.Status
	startErr  error
	updates   chan struct{}
}

func newFakeSession() *fakeSession {
	return &fakeSession{updates: make(chan struct{}, 1)}
}

func (f *fakeSession) StartRecording(ctx context.Context) error {
	f.calls = append(f.calls, "start")
	if f.startErr != nil {
		return f.startErr
	}
	f.recording = true
	return nil
}

func (f *fakeSession) StopAndSend(ctx context.Context) error {
	f.calls = append(f.calls, "send")
	f.recording = false
	return nil
}

func (f *fakeSession) Play(ctx context.Context, messageID string) error {
	f.calls = append(f.calls, "play "+messageID)
	return nil
}

func (f *fakeSession) StopPlayback(messageID string) {
	f.calls = append(f.calls, "stop "+messageID)
}

func (f *fakeSession) SetLanguage(language string) error {
	f.calls = append(f.calls, "lang "+language)
	f.status.Language = language
	return nil
}

func (f *fakeSession) SetVolume(volume float64) {
	f.calls = append(f.calls, "volume")
	f.status.Volume = volume
}

func (f *fakeSession) Messages() []entities.Message { return f.messages }
func (f *fakeSession) Updates() <-chan struct{}     { return f.updates }

func (f *fakeSession) Status() usecase.Status {
	st := f.status
	st.Recording = f.recording
	return st
}

func TestConsoleCommands(t *testing.T) {
	f := newFakeSession()
	var out bytes.Buffer
	c := newConsole(f, &out)

	input := strings.Join([]string{"r", "r", "p ai_000002", "s ai_000002", "l en", "v 0.25", "bogus", "", "q", "r"}, "\n")
	if err := c.Run(context.Background(), strings.NewReader(input)); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	want := []string{"start", "send", "play ai_000002", "stop ai_000002", "lang en", "volume"}
	if strings.Join(f.calls, ",") != strings.Join(want, ",") {
		t.Errorf("Expected calls %v, got %v", want, f.calls)
	}
	text := out.String()
	for _, s := range []string{"recording, press r", "sent, waiting", "language: en", "volume: 0.25", `unknown command "bogus"`} {
		if !strings.Contains(text, s) {
			t.Errorf("Expected output to contain %q, got:\n%s", s, text)
		}
	}
}

func TestConsoleDescribesErrors(t *testing.T) {
	f := newFakeSession()
	f.startErr = domain.ErrAwaitingResponse
	var out bytes.Buffer
	c := newConsole(f, &out)

	c.exec(context.Background(), "r")
	if !strings.Contains(out.String(), "still waiting for the previous answer") {
		t.Errorf("Unexpected output %q", out.String())
	}
	if quit := c.exec(context.Background(), "quit"); !quit {
		t.Error("Expected quit")
	}
}

func TestConsolePrintsNewMessages(t *testing.T) {
	f := newFakeSession()
	var out bytes.Buffer
	c := newConsole(f, &out)

	f.messages = []entities.Message{
		{ID: "user_000001", Role: entities.MessageRoleUser, Text: "hello", Language: "en"},
	}
	c.printNew()
	f.messages = append(f.messages, entities.Message{ID: "ai_000002", Role: entities.MessageRoleAssistant, Text: "hi", AudioRef: "/a.wav"})
	c.printNew()

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("Expected each message printed once, got %q", out.String())
	}
	if lines[0] != "[user_000001] user: hello (en)" || lines[1] != "[ai_000002] assistant: hi [audio idle]" {
		t.Errorf("Unexpected lines %q", lines)
	}
}

func TestConsoleReportsConnectionChanges(t *testing.T) {
	f := newFakeSession()
	f.status.Connection = entities.ConnectionStateConnecting
	var out bytes.Buffer
	c := newConsole(f, &out)

	steps := []struct {
		state entities.ConnectionState
		want  string
	}{
		{entities.ConnectionStateOpen, "connected\n"},
		{entities.ConnectionStateOpen, ""},
		{entities.ConnectionStateReconnecting, "disconnected, reconnecting...\n"},
		{entities.ConnectionStateReconnecting, ""},
		{entities.ConnectionStateOpen, "connected\n"},
		{entities.ConnectionStateClosed, "disconnected\n"},
	}
	for _, step := range steps {
		out.Reset()
		f.status.Connection = step.state
		c.refresh()
		if out.String() != step.want {
			t.Errorf("After %s expected %q, got %q", step.state, step.want, out.String())
		}
	}
}

func TestConsoleShowsDropOnUpdate(t *testing.T) {
	f := newFakeSession()
	f.status.Connection = entities.ConnectionStateOpen
	var out bytes.Buffer
	c := newConsole(f, &out)

	f.status.Connection = entities.ConnectionStateReconnecting
	f.updates <- struct{}{}

	r, w := io.Pipe()
	done := make(chan error, 1)
	go func() {
		done <- c.Run(context.Background(), r)
	}()
	// the update is already pending, so it is handled before the quit line
	time.Sleep(50 * time.Millisecond)
	w.Write([]byte("q\n"))

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run() error = %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Expected Run to return after q")
	}
	w.Close()
	if !strings.Contains(out.String(), "disconnected, reconnecting...") {
		t.Errorf("Expected a disconnected line, got:\n%s", out.String())
	}
}

func TestConsoleStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	r, w := io.Pipe()
	defer w.Close()
	done := make(chan error, 1)
	go func() {
		done <- newConsole(newFakeSession(), &bytes.Buffer{}).Run(ctx, r)
	}()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run() error = %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Expected Run to return after cancel")
	}
}
