package main

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"convai/agent"
	"convai/audio"
	"convai/screen"
	"convai/vision"
)

type sinkRecorder struct {
	mu       sync.Mutex
	alerts   []string
	titles   []string
	messages []agent.Message
	sharing  []bool
	captured int
}

func (r *sinkRecorder) Status(state agent.State, speaking bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.titles = append(r.titles, statusTitle(state, speaking))
}

func (r *sinkRecorder) Alert(text string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.alerts = append(r.alerts, text)
}

func (r *sinkRecorder) Message(msg agent.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages = append(r.messages, msg)
}

func (r *sinkRecorder) ScreenShare(sharing bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sharing = append(r.sharing, sharing)
}

func (r *sinkRecorder) Captured(time.Time, int, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.captured++
}

func (r *sinkRecorder) Info(string) {}

func (r *sinkRecorder) Alerts() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.alerts...)
}

func (r *sinkRecorder) Sharing() []bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]bool(nil), r.sharing...)
}

func (r *sinkRecorder) Messages() []agent.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]agent.Message(nil), r.messages...)
}

type stubFetcher struct {
	url   string
	err   error
	calls atomic.Int32
}

func (f *stubFetcher) Fetch(context.Context) (string, error) {
	f.calls.Add(1)
	return f.url, f.err
}

type testEnv struct {
	app     *App
	audio   *audio.FakeContext
	conn    *agent.FakeConn
	fetcher *stubFetcher
	source  *screen.FakeSource
	sink    *sinkRecorder
}

func newTestApp(t *testing.T, client *vision.Client) *testEnv {
	t.Helper()
	env := &testEnv{
		audio:   audio.NewFakeContext(),
		conn:    agent.NewFakeConn(),
		fetcher: &stubFetcher{url: "wss://agent.test/convai?token=abc"},
		source:  &screen.FakeSource{Width: 1920, Height: 1080},
		sink:    &sinkRecorder{},
	}
	if client == nil {
		client = vision.NewClient("")
	}
	capture := screen.DefaultConfig()
	capture.WarmUp = 5 * time.Millisecond
	capture.Interval = 50 * time.Millisecond
	env.app = NewApp(AppConfig{
		Audio:   env.audio,
		Fetcher: env.fetcher,
		Dialer:  env.conn.Dialer(),
		Screen:  env.source,
		Capture: capture,
		Vision:  client,
		Sink:    env.sink,
	})
	t.Cleanup(env.app.Shutdown)
	return env
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func nextResult(t *testing.T, fc *agent.FakeConn) map[string]any {
	t.Helper()
	timeout := time.After(3 * time.Second)
	for {
		select {
		case m := <-fc.Next():
			if m["type"] == "client_tool_result" {
				return m
			}
		case <-timeout:
			t.Fatal("no client_tool_result sent")
			return nil
		}
	}
}

func seeImageCall(id, prompt string) map[string]any {
	return map[string]any{
		"type": "client_tool_call",
		"client_tool_call": map[string]any{
			"tool_name":    vision.ToolName,
			"tool_call_id": id,
			"parameters":   map[string]any{"image_prompt": prompt},
		},
	}
}

func TestStartConversationConnects(t *testing.T) {
	env := newTestApp(t, nil)
	env.conn.PushMetadata("conv_1")

	if err := env.app.StartConversation(context.Background()); err != nil {
		t.Fatalf("StartConversation: %v", err)
	}
	if got := env.app.conv.State(); got != agent.Connected {
		t.Errorf("state = %v, want connected", got)
	}
	if env.conn.URL() != env.fetcher.url {
		t.Errorf("dialed %q, want the signed url", env.conn.URL())
	}
	if alerts := env.sink.Alerts(); len(alerts) != 0 {
		t.Errorf("unexpected alerts %v", alerts)
	}

	env.app.StopConversation()
	if got := env.app.conv.State(); got != agent.Disconnected {
		t.Errorf("state after stop = %v", got)
	}
	players := env.audio.Players()
	if len(players) != 1 {
		t.Fatalf("players = %d, want 1", len(players))
	}
	if _, _, closed := players[0].Stats(); !closed {
		t.Error("session player not released on stop")
	}
}

func TestStartConversationRejectedWhileActive(t *testing.T) {
	env := newTestApp(t, nil)
	env.conn.PushMetadata("conv_1")
	if err := env.app.StartConversation(context.Background()); err != nil {
		t.Fatal(err)
	}

	err := env.app.StartConversation(context.Background())
	if !errors.Is(err, agent.ErrSessionActive) {
		t.Errorf("second start err = %v, want ErrSessionActive", err)
	}
	if n := env.fetcher.calls.Load(); n != 1 {
		t.Errorf("signed url fetched %d times", n)
	}
}

func TestSignedURLFailureAbortsBeforeDial(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	env := newTestApp(t, nil)
	env.app.fetcher = agent.NewURLFetcher(srv.URL).WithHTTPClient(srv.Client())

	err := env.app.StartConversation(context.Background())
	var sue *agent.SignedURLError
	if !errors.As(err, &sue) {
		t.Fatalf("err = %v, want *SignedURLError", err)
	}
	if sue.StatusCode != http.StatusInternalServerError {
		t.Errorf("status = %d", sue.StatusCode)
	}
	if hits.Load() != 1 {
		t.Errorf("endpoint hit %d times, want exactly 1", hits.Load())
	}
	if env.conn.URL() != "" {
		t.Error("session was dialed after signed url failure")
	}
	if got := env.sink.Alerts(); len(got) != 1 || got[0] != alertSignedURL {
		t.Errorf("alerts = %v", got)
	}
	if env.app.conv.State() != agent.Disconnected {
		t.Errorf("state = %v", env.app.conv.State())
	}
}

func TestPermissionDeniedAbortsBeforeFetch(t *testing.T) {
	env := newTestApp(t, nil)
	env.audio.Deny = true

	err := env.app.StartConversation(context.Background())
	if !errors.Is(err, ErrPermissionDenied) {
		t.Fatalf("err = %v, want ErrPermissionDenied", err)
	}
	if n := env.fetcher.calls.Load(); n != 0 {
		t.Errorf("signed url fetched %d times after denial", n)
	}
	if env.conn.URL() != "" {
		t.Error("session was dialed after denial")
	}
	if got := env.sink.Alerts(); len(got) != 1 || got[0] != alertNoPermission {
		t.Errorf("alerts = %v", got)
	}
}

func TestSessionStartFailureAlerts(t *testing.T) {
	env := newTestApp(t, nil)
	env.conn.DialErr = errors.New("handshake refused")

	err := env.app.StartConversation(context.Background())
	var sse *agent.SessionStartError
	if !errors.As(err, &sse) {
		t.Fatalf("err = %v, want *SessionStartError", err)
	}
	if got := env.sink.Alerts(); len(got) != 1 || got[0] != alertConversation {
		t.Errorf("alerts = %v", got)
	}
	for i, p := range env.audio.Players() {
		if _, _, closed := p.Stats(); !closed {
			t.Errorf("player %d left open after failed start", i)
		}
	}
}

func TestScreenShareFailureAlerts(t *testing.T) {
	env := newTestApp(t, nil)
	env.source.OpenErr = errors.New("user cancelled picker")

	err := env.app.StartScreenShare(context.Background())
	var se *screen.ShareError
	if !errors.As(err, &se) {
		t.Fatalf("err = %v, want *ShareError", err)
	}
	if got := env.sink.Alerts(); len(got) != 1 || got[0] != alertScreenShare {
		t.Errorf("alerts = %v", got)
	}
	if got := env.sink.Sharing(); len(got) != 0 {
		t.Errorf("share events = %v, want none", got)
	}
	if env.app.loop.Sharing() {
		t.Error("loop reports sharing after failed start")
	}
}

func TestSeeImageWithoutShareAdvises(t *testing.T) {
	env := newTestApp(t, nil)
	env.conn.PushMetadata("conv_1")
	if err := env.app.StartConversation(context.Background()); err != nil {
		t.Fatal(err)
	}

	env.conn.Push(seeImageCall("call_1", "what is on screen?"))
	res := nextResult(t, env.conn)
	if res["result"] != vision.NoImageMessage || res["is_error"] != false {
		t.Errorf("result = %v", res)
	}
}

func TestSeeImageAnswersFromLatestCapture(t *testing.T) {
	var prompts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		prompts.Add(1)
		io.WriteString(w, `{"choices":[{"message":{"content":"A code editor."}}]}`)
	}))
	defer srv.Close()

	env := newTestApp(t, vision.NewClient("sk-test").WithEndpoint(srv.URL, srv.Client()))
	if err := env.app.StartScreenShare(context.Background()); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "first capture", func() bool { return env.app.loop.Latest() != nil })

	env.conn.PushMetadata("conv_1")
	if err := env.app.StartConversation(context.Background()); err != nil {
		t.Fatal(err)
	}
	env.conn.Push(seeImageCall("call_2", "which app?"))
	res := nextResult(t, env.conn)
	if res["tool_call_id"] != "call_2" || res["result"] != "A code editor." {
		t.Errorf("result = %v", res)
	}
	if prompts.Load() != 1 {
		t.Errorf("vision calls = %d", prompts.Load())
	}

	// Stopping the share clears the image for later calls.
	env.app.StopScreenShare()
	env.conn.Push(seeImageCall("call_3", "and now?"))
	res = nextResult(t, env.conn)
	if res["result"] != vision.NoImageMessage {
		t.Errorf("after stop result = %v", res)
	}
	if prompts.Load() != 1 {
		t.Errorf("vision called without an image")
	}
	if got := env.sink.Sharing(); len(got) != 2 || !got[0] || got[1] {
		t.Errorf("share events = %v, want [true false]", got)
	}
}

func TestCopyLastAnswerNeedsAgentMessage(t *testing.T) {
	env := newTestApp(t, nil)
	if err := env.app.CopyLastAnswer(); err == nil {
		t.Error("expected error with no agent message")
	}
}

func TestMessagesReachSink(t *testing.T) {
	env := newTestApp(t, nil)
	env.conn.PushMetadata("conv_1")
	if err := env.app.StartConversation(context.Background()); err != nil {
		t.Fatal(err)
	}
	env.conn.Push(map[string]any{
		"type":                 "agent_response",
		"agent_response_event": map[string]any{"agent_response": "Hi there"},
	})
	waitFor(t, "agent message", func() bool { return len(env.sink.Messages()) == 1 })

	env.app.mu.Lock()
	last := env.app.lastAgent
	env.app.mu.Unlock()
	if last != "Hi there" {
		t.Errorf("lastAgent = %q", last)
	}
}

func TestStopWhileConnectingIsNotAnError(t *testing.T) {
	env := newTestApp(t, nil)

	errCh := make(chan error, 1)
	go func() { errCh <- env.app.StartConversation(context.Background()) }()
	waitFor(t, "connecting", func() bool { return env.app.conv.State() == agent.Connecting })
	env.app.StopConversation()

	select {
	case err := <-errCh:
		if !errors.Is(err, agent.ErrStopped) {
			t.Errorf("err = %v, want ErrStopped", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("start did not return after stop")
	}
	if got := env.sink.Alerts(); len(got) != 0 {
		t.Errorf("alerts = %v, want none for a user stop", got)
	}
}

func TestEndedSessionLeavesNextSessionDevices(t *testing.T) {
	env := newTestApp(t, nil)
	first, second := agent.NewFakeConn(), agent.NewFakeConn()
	var dials atomic.Int32
	env.app.conv.WithDialer(func(ctx context.Context, url string) (agent.Conn, error) {
		if dials.Add(1) == 1 {
			return first.Dialer()(ctx, url)
		}
		return second.Dialer()(ctx, url)
	})

	first.PushMetadata("conv_1")
	if err := env.app.StartConversation(context.Background()); err != nil {
		t.Fatal(err)
	}
	first.Drop(errors.New("read tcp: connection reset by peer"))
	waitFor(t, "first session end", func() bool { return env.app.conv.State() == agent.Disconnected })

	second.PushMetadata("conv_2")
	if err := env.app.StartConversation(context.Background()); err != nil {
		t.Fatal(err)
	}
	// Let the first session's disconnect callbacks settle.
	time.Sleep(50 * time.Millisecond)

	players := env.audio.Players()
	if len(players) != 2 {
		t.Fatalf("players = %d, want 2", len(players))
	}
	if _, _, closed := players[0].Stats(); !closed {
		t.Error("first session player left open")
	}
	if _, _, closed := players[1].Stats(); closed {
		t.Error("second session player closed by the first session's teardown")
	}
}
