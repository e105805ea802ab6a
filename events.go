package main

import (
	"fmt"
	"io"
	"sync"
	"time"

	"convai/agent"
)

// EventSink abstracts the display layer so the TUI and the plain headless
// output receive the same conversation and screen-share events.
type EventSink interface {
	Status(state agent.State, speaking bool)
	Alert(text string)
	Message(msg agent.Message)
	ScreenShare(sharing bool)
	Captured(at time.Time, width, height int)
	Info(text string)
}

// lineSink prints events as plain lines, for -tui=false.
type lineSink struct {
	mu sync.Mutex
	w  io.Writer

	lastTitle string
}

func newLineSink(w io.Writer) *lineSink { return &lineSink{w: w} }

func (s *lineSink) printf(format string, args ...any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fmt.Fprintf(s.w, "%s "+format+"\n", append([]any{time.Now().Format("15:04:05")}, args...)...)
}

func (s *lineSink) Status(state agent.State, speaking bool) {
	title := statusTitle(state, speaking)
	s.mu.Lock()
	same := title == s.lastTitle
	s.lastTitle = title
	s.mu.Unlock()
	if !same {
		s.printf("[%s]", title)
	}
}

func (s *lineSink) Alert(text string) { s.printf("! %s", text) }

func (s *lineSink) Message(msg agent.Message) { s.printf("%s: %s", msg.Source, msg.Text) }

func (s *lineSink) ScreenShare(sharing bool) {
	if sharing {
		s.printf("screen share on")
	} else {
		s.printf("screen share off")
	}
}

func (s *lineSink) Captured(at time.Time, width, height int) {
	s.printf("captured %dx%d at %s", width, height, at.Format("15:04:05"))
}

func (s *lineSink) Info(text string) { s.printf("%s", text) }

// statusTitle is the one-line conversation status shown above the orb.
func statusTitle(state agent.State, speaking bool) string {
	if state != agent.Connected {
		return "Disconnected"
	}
	if speaking {
		return "Agent is speaking"
	}
	return "Agent is listening"
}
