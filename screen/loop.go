// Package screen implements the screen-share side of a conversation: a
// periodic capture loop that keeps exactly one latest snapshot available to
// readers such as the vision tool.
package screen

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"convai/log"
)

type Config struct {
	Interval  time.Duration // between capture ticks
	WarmUp    time.Duration // delay of the first tick; fresh streams may not have a frame yet
	MaxWidth  int
	MaxHeight int
	Quality   int // JPEG quality 1-100; kept low to bound the upload size
}

func DefaultConfig() Config {
	return Config{
		Interval:  3 * time.Second,
		WarmUp:    1 * time.Second,
		MaxWidth:  800,
		MaxHeight: 800,
		Quality:   50,
	}
}

// Hooks are called from the loop goroutine (or the caller of Stop). They
// must not call back into Start.
type Hooks struct {
	Captured func(img *CapturedImage)
	Stopped  func(endedBySource bool)
}

type shareSession struct {
	stream Stream
	stop   chan struct{}
}

type Loop struct {
	src   Source
	cfg   Config
	hooks Hooks

	mu     sync.Mutex
	share  *shareSession
	latest atomic.Pointer[CapturedImage]

	after func(time.Duration) <-chan time.Time
	every func(time.Duration) (<-chan time.Time, func())
}

func NewLoop(src Source, cfg Config, hooks Hooks) *Loop {
	return &Loop{
		src:   src,
		cfg:   cfg,
		hooks: hooks,
		after: time.After,
		every: func(d time.Duration) (<-chan time.Time, func()) {
			t := time.NewTicker(d)
			return t.C, t.Stop
		},
	}
}

// Latest returns the most recent snapshot, or nil when not sharing or before
// the first successful tick.
func (l *Loop) Latest() *CapturedImage {
	return l.latest.Load()
}

func (l *Loop) Sharing() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.share != nil
}

func (l *Loop) Config() Config { return l.cfg }

// Start opens a stream and begins ticking. On error nothing changes.
func (l *Loop) Start(ctx context.Context) error {
	if l.Sharing() {
		return ErrAlreadySharing
	}

	stream, err := l.src.Open(ctx)
	if err != nil {
		return &ShareError{Err: err}
	}

	sess := &shareSession{stream: stream, stop: make(chan struct{})}
	l.mu.Lock()
	if l.share != nil {
		l.mu.Unlock()
		stream.Stop()
		return ErrAlreadySharing
	}
	l.share = sess
	l.mu.Unlock()

	log.Info("screen_share_start")
	go l.run(sess)
	return nil
}

// Stop ends the active share and clears the snapshot. Safe to call at any time.
func (l *Loop) Stop() {
	l.mu.Lock()
	sess := l.share
	l.mu.Unlock()
	if sess == nil {
		l.latest.Store(nil)
		return
	}
	l.end(sess, false)
}

func (l *Loop) end(sess *shareSession, endedBySource bool) {
	l.mu.Lock()
	if l.share != sess {
		l.mu.Unlock()
		return
	}
	l.share = nil
	l.latest.Store(nil)
	l.mu.Unlock()

	close(sess.stop)
	sess.stream.Stop()

	if endedBySource {
		log.Info("screen_share_ended_by_source")
	} else {
		log.Info("screen_share_stop")
	}
	if l.hooks.Stopped != nil {
		l.hooks.Stopped(endedBySource)
	}
}

func (l *Loop) run(sess *shareSession) {
	warm := l.after(l.cfg.WarmUp)
	ticks, stopTicks := l.every(l.cfg.Interval)
	defer stopTicks()

	for {
		select {
		case <-sess.stop:
			return
		case <-sess.stream.Ended():
			l.end(sess, true)
			return
		case <-warm:
			warm = nil
			l.captureTick(sess)
		case <-ticks:
			l.captureTick(sess)
		}
	}
}

// captureTick runs on the loop goroutine, so ticks never overlap; a tick that
// outlasts the interval makes the ticker drop the missed one.
func (l *Loop) captureTick(sess *shareSession) {
	start := time.Now()
	frame, err := sess.stream.Frame()
	if err != nil {
		if errors.Is(err, ErrStreamEnded) {
			l.end(sess, true)
			return
		}
		log.Warnf("screen frame skipped: %v", err)
		return
	}

	img, err := Encode(frame, l.cfg, start)
	if err != nil {
		log.Errorf("screen encode skipped: %v", err)
		return
	}

	l.mu.Lock()
	current := l.share == sess
	if current {
		l.latest.Store(img)
	}
	l.mu.Unlock()
	if !current {
		return
	}

	log.Capture(img.SourceWidth, img.SourceHeight, img.Width, img.Height, len(img.JPEG), time.Since(start))
	if l.hooks.Captured != nil {
		l.hooks.Captured(img)
	}
}
