package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/satriahrh/voicechat/domain"
	"github.com/satriahrh/voicechat/domain/entities"
	"github.com/satriahrh/voicechat/usecase"
)

const help = `commands:
  r          start or stop recording (stop sends the chunk)
  p <id>     play the audio of a message
  s <id>     stop playback of a message
  l <lang>   set the language hint (auto, en, ar)
  v <0..1>   set the playback volume
  m          list messages
  st         show status
  q          quit`

// session is the part of usecase.VoiceSession the console drives
type session interface {
	StartRecording(ctx context.Context) error
	StopAndSend(ctx context.Context) error
	Play(ctx context.Context, messageID string) error
	StopPlayback(messageID string)
	SetLanguage(language string) error
	SetVolume(volume float64)
	Messages() []entities.Message
	Updates() <-chan struct{}
	Status() usecase.Status
}

// console is the terminal front-end of a voice session
type console struct {
	session    session
	out        io.Writer
	shown      int
	connection entities.ConnectionState
}

func newConsole(s session, out io.Writer) *console {
	return &console{session: s, out: out, connection: s.Status().Connection}
}

// Run reads commands from in until q, end of input or ctx is done
func (c *console) Run(ctx context.Context, in io.Reader) error {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	fmt.Fprintln(c.out, help)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-c.session.Updates():
			c.refresh()
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if quit := c.exec(ctx, line); quit {
				return nil
			}
		}
	}
}

// exec runs one command line and reports whether the console should exit
func (c *console) exec(ctx context.Context, line string) bool {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return false
	}
	arg := ""
	if len(fields) > 1 {
		arg = fields[1]
	}

	var err error
	switch fields[0] {
	case "q", "quit":
		return true
	case "h", "help":
		fmt.Fprintln(c.out, help)
	case "r":
		err = c.toggleRecording(ctx)
	case "p":
		err = c.session.Play(ctx, arg)
	case "s":
		c.session.StopPlayback(arg)
	case "l":
		if err = c.session.SetLanguage(arg); err == nil {
			fmt.Fprintf(c.out, "language: %s\n", c.session.Status().Language)
		}
	case "v":
		var volume float64
		if volume, err = strconv.ParseFloat(arg, 64); err == nil {
			c.session.SetVolume(volume)
			fmt.Fprintf(c.out, "volume: %.2f\n", c.session.Status().Volume)
		}
	case "m":
		for _, m := range c.session.Messages() {
			c.printMessage(m)
		}
	case "st":
		c.printStatus()
	default:
		err = fmt.Errorf("unknown command %q, type h for help", fields[0])
	}

	if err != nil {
		fmt.Fprintln(c.out, "error:", describe(err))
	}
	return false
}

func (c *console) toggleRecording(ctx context.Context) error {
	if c.session.Status().Recording {
		if err := c.session.StopAndSend(ctx); err != nil {
			return err
		}
		fmt.Fprintln(c.out, "sent, waiting for the answer...")
		return nil
	}
	if err := c.session.StartRecording(ctx); err != nil {
		return err
	}
	fmt.Fprintln(c.out, "recording, press r again to send")
	return nil
}

// refresh prints what changed since the last update
func (c *console) refresh() {
	c.printConnection()
	c.printNew()
}

// printConnection reports connection state changes
func (c *console) printConnection() {
	state := c.session.Status().Connection
	if state == c.connection {
		return
	}
	c.connection = state

	switch state {
	case entities.ConnectionStateOpen:
		fmt.Fprintln(c.out, "connected")
	case entities.ConnectionStateReconnecting:
		fmt.Fprintln(c.out, "disconnected, reconnecting...")
	case entities.ConnectionStateClosed:
		fmt.Fprintln(c.out, "disconnected")
	}
}

// printNew prints messages appended since the last call
func (c *console) printNew() {
	msgs := c.session.Messages()
	for _, m := range msgs[c.shown:] {
		c.printMessage(m)
	}
	c.shown = len(msgs)
}

func (c *console) printMessage(m entities.Message) {
	line := fmt.Sprintf("[%s] %s: %s", m.ID, m.Role, m.Text)
	if m.Language != "" {
		line += " (" + m.Language + ")"
	}
	if m.HasAudio() {
		line += " [audio " + m.PlaybackState.String() + "]"
	}
	fmt.Fprintln(c.out, line)
}

func (c *console) printStatus() {
	st := c.session.Status()
	fmt.Fprintf(c.out, "session %s: %s, %s, language %s (detected %s), volume %.2f\n",
		st.SessionID, st.Connection, st.Processing, st.Language, st.DetectedLanguage, st.Volume)
	if st.Recording {
		fmt.Fprintf(c.out, "recording, level %.3f\n", st.Level)
	}
	if st.Playing != "" {
		fmt.Fprintf(c.out, "playing %s\n", st.Playing)
	}
}

// describe turns session errors into actionable text
func describe(err error) string {
	switch {
	case errors.Is(err, domain.ErrPermissionDenied):
		return "microphone access denied, check the -mic file"
	case errors.Is(err, domain.ErrUnsupportedPlatform):
		return "no microphone configured, start with -mic <file.wav>"
	case errors.Is(err, domain.ErrNotConnected):
		return "disconnected from the server, waiting to reconnect"
	case errors.Is(err, domain.ErrAwaitingResponse):
		return "still waiting for the previous answer"
	case errors.Is(err, domain.ErrLoad):
		return "could not load the audio: " + err.Error()
	}
	return err.Error()
}
