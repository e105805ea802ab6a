// Package agent speaks the hosted agent's conversation protocol: it owns the
// websocket session, streams the microphone up, plays the agent's voice and
// answers client tool calls.
package agent

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"convai/audio"
	"convai/log"
)

type State int

const (
	Disconnected State = iota
	Connecting
	Connected
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return "disconnected"
	}
}

const (
	micChunkMs    = 250
	micChunkBytes = audio.BytesPerSec * micChunkMs / 1000

	startTimeout  = 15 * time.Second
	stopTimeout   = 2 * time.Second
	toolTimeout   = 60 * time.Second
	speakingCheck = 100 * time.Millisecond
)

var ErrSessionActive = errors.New("conversation already active")

// ErrStopped is wrapped by the SessionStartError of a start that Stop ended.
var ErrStopped = errors.New("conversation stopped")

// SessionStartError wraps anything that kept a session from reaching Connected.
type SessionStartError struct {
	Err error
}

func (e *SessionStartError) Error() string { return "start conversation: " + e.Err.Error() }

func (e *SessionStartError) Unwrap() error { return e.Err }

const (
	SourceUser  = "user"
	SourceAgent = "agent"
)

type Message struct {
	Source string
	Text   string
}

// Callbacks are invoked from controller goroutines, never under its state
// lock. Status, connect, disconnect and error callbacks are delivered in
// order; they must not call Start or Stop synchronously.
type Callbacks struct {
	OnConnect      func(conversationID string)
	OnDisconnect   func()
	OnError        func(err error)
	OnMessage      func(msg Message)
	OnModeChange   func(speaking bool)
	OnStatusChange func(state State)
}

// StartConfig describes one session. The session owns Input and Output and
// closes them when it ends, including when Start fails.
type StartConfig struct {
	SignedURL string
	Tools     *Registry
	Input     audio.CaptureDevice // optional
	Output    audio.Player        // optional
}

type Controller struct {
	cb   Callbacks
	dial Dialer

	// emitMu orders lifecycle callbacks between Start and teardown.
	emitMu sync.Mutex

	mu    sync.Mutex
	state State
	sess  *session
}

func NewController(cb Callbacks) *Controller {
	return &Controller{cb: cb, dial: DialWebsocket}
}

func (c *Controller) WithDialer(d Dialer) *Controller {
	c.dial = d
	return c
}

func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Controller) IsSpeaking() bool {
	c.mu.Lock()
	sess := c.sess
	c.mu.Unlock()
	return sess != nil && sess.isSpeaking()
}

// Start dials the signed URL and blocks until the agent has sent its
// conversation metadata. It returns the conversation ID.
func (c *Controller) Start(ctx context.Context, cfg StartConfig) (string, error) {
	c.emitMu.Lock()
	c.mu.Lock()
	if c.state != Disconnected {
		c.mu.Unlock()
		c.emitMu.Unlock()
		return "", ErrSessionActive
	}
	sess := newSession(c, cfg)
	c.sess = sess
	c.state = Connecting
	c.mu.Unlock()
	c.statusChanged(Connecting)
	c.emitMu.Unlock()

	id, err := sess.connect(ctx)
	if err != nil {
		return "", c.abortStart(sess, err)
	}

	// The microphone opens while still Connecting; a drop in the meantime is
	// caught by the recvDone check below.
	sess.startAudio()

	c.emitMu.Lock()
	c.mu.Lock()
	if c.sess != sess {
		c.mu.Unlock()
		c.emitMu.Unlock()
		return "", &SessionStartError{Err: ErrStopped}
	}
	select {
	case <-sess.recvDone:
		c.mu.Unlock()
		c.emitMu.Unlock()
		return "", c.abortStart(sess, fmt.Errorf("connection closed after initiation: %w", sess.readErr))
	default:
	}
	c.state = Connected
	c.mu.Unlock()

	log.SessionStart(id)
	c.statusChanged(Connected)
	if c.cb.OnConnect != nil {
		c.cb.OnConnect(id)
	}
	c.emitMu.Unlock()
	return id, nil
}

// abortStart tears down a session that never reached Connected. A session
// already cancelled by Stop reports ErrStopped instead of the dial error.
func (c *Controller) abortStart(sess *session, err error) error {
	if sess.ctx.Err() != nil {
		err = ErrStopped
	}
	c.teardown(sess, nil)
	return &SessionStartError{Err: err}
}

// Stop ends the session in any state. Calling it with no session is a no-op.
func (c *Controller) Stop() {
	c.mu.Lock()
	sess := c.sess
	c.mu.Unlock()
	if sess == nil {
		return
	}
	c.teardown(sess, nil)

	if sess.receiving.Load() {
		select {
		case <-sess.recvDone:
		case <-time.After(stopTimeout):
			log.Warn("conversation receiver drain timeout")
		}
	}
}

func (c *Controller) teardown(sess *session, reason error) {
	c.mu.Lock()
	if c.sess != sess {
		c.mu.Unlock()
		return
	}
	wasConnected := c.state == Connected
	c.sess = nil
	c.state = Disconnected
	c.mu.Unlock()

	sess.cancel()
	sess.stopAudio()
	sess.closeConn()
	sess.releaseAudio()

	if wasConnected {
		log.SessionEnd(sess.id(), time.Since(sess.startedAt))
	}

	c.emitMu.Lock()
	defer c.emitMu.Unlock()
	if sess.setSpeaking(false) {
		c.modeChanged(false)
	}
	c.statusChanged(Disconnected)
	if reason != nil && c.cb.OnError != nil {
		c.cb.OnError(reason)
	}
	if wasConnected && c.cb.OnDisconnect != nil {
		c.cb.OnDisconnect()
	}
}

// receiverEnded handles the socket going away underneath a live session.
// While connecting, Start observes recvDone itself.
func (c *Controller) receiverEnded(sess *session, err error) {
	if sess.ctx.Err() != nil {
		return
	}
	c.mu.Lock()
	live := c.sess == sess && c.state == Connected
	c.mu.Unlock()
	if !live {
		return
	}

	var reason error
	if !normalClose(err) {
		reason = fmt.Errorf("conversation connection lost: %w", err)
		log.Errorf("%v", reason)
	} else {
		log.Info("conversation closed by agent")
	}
	c.teardown(sess, reason)
}

func (c *Controller) statusChanged(s State) {
	if c.cb.OnStatusChange != nil {
		c.cb.OnStatusChange(s)
	}
}

func (c *Controller) modeChanged(speaking bool) {
	if c.cb.OnModeChange != nil {
		c.cb.OnModeChange(speaking)
	}
}

func (c *Controller) message(m Message) {
	if m.Text == "" {
		return
	}
	log.ConversationLine(m.Source, m.Text)
	if c.cb.OnMessage != nil {
		c.cb.OnMessage(m)
	}
}

type session struct {
	c         *Controller
	cfg       StartConfig
	ctx       context.Context
	cancel    context.CancelFunc
	startedAt time.Time

	connMu         sync.Mutex
	conn           Conn
	closed         bool
	conversationID string

	ready     chan string
	recvDone  chan struct{}
	readErr   error // written before recvDone is closed
	receiving atomic.Bool

	audioCh    chan []byte
	inMu       sync.Mutex
	micMu      sync.Mutex
	micBuf     []byte
	micStarted bool
	dropped    atomic.Int64

	speakMu       sync.Mutex
	speaking      bool
	speakingUntil time.Time
}

func newSession(c *Controller, cfg StartConfig) *session {
	ctx, cancel := context.WithCancel(context.Background())
	return &session{
		c:         c,
		cfg:       cfg,
		ctx:       ctx,
		cancel:    cancel,
		startedAt: time.Now(),
		ready:     make(chan string, 1),
		recvDone:  make(chan struct{}),
		audioCh:   make(chan []byte, 32),
	}
}

func (s *session) id() string {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	return s.conversationID
}

func (s *session) connect(ctx context.Context) (string, error) {
	dialCtx, cancel := context.WithTimeout(ctx, startTimeout)
	defer cancel()
	stop := context.AfterFunc(s.ctx, cancel)
	defer stop()

	conn, err := s.c.dial(dialCtx, s.cfg.SignedURL)
	if err != nil {
		return "", fmt.Errorf("dial: %w", err)
	}
	if !s.setConn(conn) {
		return "", context.Canceled
	}

	if err := conn.WriteJSON(dialCtx, initiationMessage{Type: "conversation_initiation_client_data"}); err != nil {
		return "", fmt.Errorf("send initiation: %w", err)
	}

	s.receiving.Store(true)
	go s.receive()

	select {
	case id := <-s.ready:
		return id, nil
	case <-s.recvDone:
		return "", fmt.Errorf("connection closed before initiation: %w", s.readErr)
	case <-dialCtx.Done():
		return "", fmt.Errorf("waiting for initiation: %w", dialCtx.Err())
	}
}

func (s *session) setConn(conn Conn) bool {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	if s.closed {
		conn.Close()
		return false
	}
	s.conn = conn
	return true
}

func (s *session) closeConn() {
	s.connMu.Lock()
	s.closed = true
	conn := s.conn
	s.connMu.Unlock()
	if conn != nil {
		conn.Close()
	}
}

func (s *session) send(v any) error {
	s.connMu.Lock()
	conn, closed := s.conn, s.closed
	s.connMu.Unlock()
	if conn == nil || closed {
		return errConnClosed
	}
	return conn.WriteJSON(context.Background(), v)
}

func (s *session) receive() {
	var err error
	defer func() {
		s.readErr = err
		close(s.recvDone)
		s.c.receiverEnded(s, err)
	}()

	for {
		data, rerr := s.conn.Read()
		if rerr != nil {
			err = rerr
			return
		}
		var ev serverEvent
		if jerr := json.Unmarshal(data, &ev); jerr != nil {
			log.Warnf("conversation: undecodable event: %v", jerr)
			continue
		}
		s.handle(ev)
	}
}

func (s *session) handle(ev serverEvent) {
	switch ev.Type {
	case "conversation_initiation_metadata":
		var id string
		if ev.Metadata != nil {
			id = ev.Metadata.ConversationID
			if f := ev.Metadata.AgentOutputFormat; f != "" && f != "pcm_16000" {
				log.Warnf("agent output format %s, playback expects pcm_16000", f)
			}
		}
		s.connMu.Lock()
		s.conversationID = id
		s.connMu.Unlock()
		select {
		case s.ready <- id:
		default:
		}

	case "audio":
		if ev.Audio == nil {
			return
		}
		pcm, err := base64.StdEncoding.DecodeString(ev.Audio.AudioBase64)
		if err != nil {
			log.Warnf("conversation: bad audio payload: %v", err)
			return
		}
		s.play(pcm)

	case "interruption":
		if s.cfg.Output != nil {
			s.cfg.Output.Flush()
		}
		if s.setSpeaking(false) {
			s.c.modeChanged(false)
		}

	case "agent_response":
		if ev.AgentResponse != nil {
			s.c.message(Message{Source: SourceAgent, Text: ev.AgentResponse.AgentResponse})
		}

	case "user_transcript":
		if ev.UserTranscript != nil {
			s.c.message(Message{Source: SourceUser, Text: ev.UserTranscript.UserTranscript})
		}

	case "ping":
		if ev.Ping == nil {
			return
		}
		if err := s.send(pongMessage{Type: "pong", EventID: ev.Ping.EventID}); err != nil {
			log.Warnf("conversation: pong failed: %v", err)
		}

	case "client_tool_call":
		if ev.ToolCall != nil {
			go s.runTool(*ev.ToolCall)
		}
	}
}

func (s *session) play(pcm []byte) {
	if s.cfg.Output != nil {
		s.cfg.Output.Write(pcm)
	}
	now := time.Now()
	s.speakMu.Lock()
	if s.speakingUntil.Before(now) {
		s.speakingUntil = now
	}
	s.speakingUntil = s.speakingUntil.Add(audio.Duration(len(pcm)))
	changed := !s.speaking
	s.speaking = true
	s.speakMu.Unlock()
	if changed {
		s.c.modeChanged(true)
	}
}

func (s *session) isSpeaking() bool {
	s.speakMu.Lock()
	defer s.speakMu.Unlock()
	return s.speaking
}

// setSpeaking reports whether the mode actually changed.
func (s *session) setSpeaking(v bool) bool {
	s.speakMu.Lock()
	defer s.speakMu.Unlock()
	if s.speaking == v {
		return false
	}
	s.speaking = v
	if !v {
		s.speakingUntil = time.Time{}
	}
	return true
}

func (s *session) watchSpeaking() {
	ticker := time.NewTicker(speakingCheck)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case now := <-ticker.C:
			s.speakMu.Lock()
			done := s.speaking && now.After(s.speakingUntil)
			if done {
				s.speaking = false
			}
			s.speakMu.Unlock()
			if done {
				s.c.modeChanged(false)
			}
		}
	}
}

func (s *session) runTool(call toolCall) {
	start := time.Now()
	result, isError := s.invoke(call)
	log.ToolCall(call.ToolName, call.ToolCallID, isError, time.Since(start))

	if s.ctx.Err() != nil {
		log.Warnf("dropping %s result: conversation closed", call.ToolName)
		return
	}
	msg := toolResultMessage{
		Type:       "client_tool_result",
		ToolCallID: call.ToolCallID,
		Result:     result,
		IsError:    isError,
	}
	if err := s.send(msg); err != nil {
		log.Errorf("send %s result: %v", call.ToolName, err)
	}
}

func (s *session) invoke(call toolCall) (string, bool) {
	tool, ok := s.cfg.Tools.Lookup(call.ToolName)
	if !ok {
		log.Warnf("agent called unknown tool %q", call.ToolName)
		return fmt.Sprintf("unknown tool %q", call.ToolName), true
	}

	// In-flight calls finish even if the session closes; the result is dropped.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(s.ctx), toolTimeout)
	defer cancel()

	result, err := tool.Invoke(ctx, call.Parameters)
	if err != nil {
		return err.Error(), true
	}
	return result, false
}

// startAudio and stopAudio serialize on inMu, and teardown cancels the
// session before stopAudio, so the microphone is never left running.
func (s *session) startAudio() {
	go s.watchSpeaking()
	go s.sendMic()

	in := s.cfg.Input
	if in == nil {
		return
	}
	s.inMu.Lock()
	defer s.inMu.Unlock()
	if s.ctx.Err() != nil {
		return
	}
	in.SetCallback(s.feed)
	if err := in.Start(); err != nil {
		in.ClearCallback()
		log.Errorf("microphone start: %v", err)
		return
	}
	s.micStarted = true
}

func (s *session) stopAudio() {
	if in := s.cfg.Input; in != nil {
		s.inMu.Lock()
		in.ClearCallback()
		if s.micStarted {
			in.Stop()
			s.micStarted = false
		}
		s.inMu.Unlock()

		s.micMu.Lock()
		s.micBuf = nil
		s.micMu.Unlock()
	}
	if s.cfg.Output != nil {
		s.cfg.Output.Flush()
	}
	if n := s.dropped.Load(); n > 0 {
		log.Warnf("dropped %d microphone chunks", n)
	}
}

func (s *session) releaseAudio() {
	if s.cfg.Input != nil {
		s.cfg.Input.Close()
	}
	if s.cfg.Output != nil {
		s.cfg.Output.Close()
	}
}

// feed slices microphone PCM into fixed chunks. The backend may reuse data
// after the callback returns, so it is copied.
func (s *session) feed(data []byte, _ uint32) {
	s.micMu.Lock()
	s.micBuf = append(s.micBuf, data...)
	var chunks [][]byte
	for len(s.micBuf) >= micChunkBytes {
		chunk := make([]byte, micChunkBytes)
		copy(chunk, s.micBuf[:micChunkBytes])
		s.micBuf = s.micBuf[micChunkBytes:]
		chunks = append(chunks, chunk)
	}
	s.micMu.Unlock()

	for _, chunk := range chunks {
		select {
		case s.audioCh <- chunk:
		default:
			s.dropped.Add(1)
		}
	}
}

func (s *session) sendMic() {
	for {
		select {
		case <-s.ctx.Done():
			return
		case chunk := <-s.audioCh:
			msg := userAudioChunk{UserAudioChunk: base64.StdEncoding.EncodeToString(chunk)}
			if err := s.send(msg); err != nil {
				if s.ctx.Err() == nil {
					log.Warnf("microphone chunk send: %v", err)
				}
				return
			}
		}
	}
}
