package agent

import (
	"context"
	"encoding/json"
	"sync"
)

// FakeConn is an in-memory Conn. Events pushed with Push are read by the
// session in order; everything the session writes is recorded.
type FakeConn struct {
	DialErr error

	mu      sync.Mutex
	url     string
	sent    []map[string]any
	readErr error

	in        chan []byte
	sentCh    chan map[string]any
	closed    chan struct{}
	closeOnce sync.Once
}

func NewFakeConn() *FakeConn {
	return &FakeConn{
		in:     make(chan []byte, 64),
		sentCh: make(chan map[string]any, 256),
		closed: make(chan struct{}),
	}
}

// Dialer hands out this connection for any URL.
func (f *FakeConn) Dialer() Dialer {
	return func(_ context.Context, url string) (Conn, error) {
		if f.DialErr != nil {
			return nil, f.DialErr
		}
		f.mu.Lock()
		f.url = url
		f.mu.Unlock()
		return f, nil
	}
}

func (f *FakeConn) URL() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.url
}

func (f *FakeConn) WriteJSON(_ context.Context, v any) error {
	select {
	case <-f.closed:
		return errConnClosed
	default:
	}
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}
	f.mu.Lock()
	f.sent = append(f.sent, m)
	f.mu.Unlock()
	select {
	case f.sentCh <- m:
	default:
	}
	return nil
}

func (f *FakeConn) Read() ([]byte, error) {
	select {
	case data := <-f.in:
		return data, nil
	case <-f.closed:
		f.mu.Lock()
		defer f.mu.Unlock()
		if f.readErr != nil {
			return nil, f.readErr
		}
		return nil, errConnClosed
	}
}

func (f *FakeConn) Close() error {
	f.closeOnce.Do(func() { close(f.closed) })
	return nil
}

// Push queues a server event.
func (f *FakeConn) Push(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	f.in <- data
}

// PushMetadata queues the event that completes a session start.
func (f *FakeConn) PushMetadata(conversationID string) {
	f.Push(map[string]any{
		"type": "conversation_initiation_metadata",
		"conversation_initiation_metadata_event": map[string]any{
			"conversation_id":           conversationID,
			"agent_output_audio_format": "pcm_16000",
		},
	})
}

// Drop ends the connection from the remote side; reads fail with err.
func (f *FakeConn) Drop(err error) {
	f.mu.Lock()
	f.readErr = err
	f.mu.Unlock()
	f.Close()
}

func (f *FakeConn) IsClosed() bool {
	select {
	case <-f.closed:
		return true
	default:
		return false
	}
}

func (f *FakeConn) Sent() []map[string]any {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]map[string]any(nil), f.sent...)
}

// Next returns the next written message, in write order.
func (f *FakeConn) Next() <-chan map[string]any { return f.sentCh }
