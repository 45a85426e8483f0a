// Package transport bridges a call engine to a WebSocket media connection.
// Text frames carry voice activity and control, binary frames carry audio.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"

	"github.com/vango-go/vai-call/pkg/core/endpoint"
	"github.com/vango-go/vai-call/pkg/core/turn"
)

var (
	// ErrStopped is passed to a playback's done callback when it was cut off.
	ErrStopped = errors.New("playback stopped")
	// ErrClosed is returned by Play once the connection is gone.
	ErrClosed = errors.New("media connection closed")
)

const (
	priorityQueueSize = 16
	normalQueueSize   = 64
)

// Config tunes the media connection.
type Config struct {
	MaxFrameBytes int64
	WriteTimeout  time.Duration
	PingInterval  time.Duration
	// ChunkBytes splits playback audio into binary frames of at most this size.
	ChunkBytes int
	// Pacing is the delay between consecutive audio frames; zero sends as
	// fast as the socket allows.
	Pacing time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxFrameBytes <= 0 {
		c.MaxFrameBytes = 64 << 10
	}
	if c.ChunkBytes <= 0 {
		c.ChunkBytes = 3200
	}
	if c.Pacing < 0 {
		c.Pacing = 0
	}
	return c
}

// Engine is the part of a call engine driven by the transport.
type Engine interface {
	Connect(sink turn.Sink) error
	Activity(a endpoint.Activity) bool
	Partial(text string) bool
	Audio(frame []byte)
	Hangup(reason string) error
	Done() <-chan struct{}
}

type Options struct {
	Config Config
	Clock  clockwork.Clock
	Logger *slog.Logger
}

// Conn is one attached media connection.
type Conn struct {
	ws     *websocket.Conn
	eng    Engine
	cfg    Config
	clock  clockwork.Clock
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	priority chan outboundFrame
	normal   chan outboundFrame

	mu       sync.Mutex
	current  *playback
	canceled map[string]struct{}
	closed   bool
}

type playback struct {
	id   string
	stop chan struct{}
	once sync.Once
	done func(error)
}

func (p *playback) finish(err error) {
	p.once.Do(func() {
		if p.done != nil {
			p.done(err)
		}
	})
}

// Serve attaches ws to eng and blocks until the connection or the call ends.
// A socket that goes away ends the call with reason participant_left.
func Serve(ctx context.Context, ws *websocket.Conn, eng Engine, opts Options) error {
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	cfg := opts.Config.withDefaults()

	connCtx, cancel := context.WithCancel(ctx)
	c := &Conn{
		ws:       ws,
		eng:      eng,
		cfg:      cfg,
		clock:    opts.Clock,
		logger:   opts.Logger,
		ctx:      connCtx,
		cancel:   cancel,
		priority: make(chan outboundFrame, priorityQueueSize),
		normal:   make(chan outboundFrame, normalQueueSize),
		canceled: make(map[string]struct{}),
	}
	defer c.close()

	writer := &outboundWriter{
		ws:         ws,
		ctx:        connCtx,
		cfg:        cfg,
		clock:      opts.Clock,
		priority:   c.priority,
		normal:     c.normal,
		isCanceled: c.isCanceled,
	}
	writerDone := make(chan error, 1)
	go func() { writerDone <- writer.Run() }()

	if err := eng.Connect(c); err != nil {
		c.sendError("connect_failed", err.Error(), true)
		cancel()
		<-writerDone
		return err
	}

	go func() {
		select {
		case <-eng.Done():
			cancel()
		case <-connCtx.Done():
		}
	}()

	readErr := c.readLoop()

	select {
	case <-eng.Done():
	default:
		if err := eng.Hangup(turn.ReasonParticipantLeft); err != nil && !errors.Is(err, turn.ErrEnded) {
			c.logger.Warn("media hangup failed", "error", err)
		}
	}
	cancel()
	<-writerDone

	var closeErr *websocket.CloseError
	if readErr == nil || errors.As(readErr, &closeErr) || connCtx.Err() != nil {
		return nil
	}
	return readErr
}

func (c *Conn) readLoop() error {
	c.ws.SetReadLimit(c.cfg.MaxFrameBytes)
	for {
		mt, data, err := c.ws.ReadMessage()
		if err != nil {
			return err
		}
		switch mt {
		case websocket.BinaryMessage:
			c.eng.Audio(data)
		case websocket.TextMessage:
			msg, err := DecodeClientMessage(data)
			if err != nil {
				var de *DecodeError
				if errors.As(err, &de) {
					c.sendError(de.Code, de.Error(), false)
				}
				continue
			}
			if c.apply(msg) {
				return nil
			}
		}
	}
}

// apply forwards a decoded frame and reports whether the read loop should
// stop.
func (c *Conn) apply(msg any) bool {
	now := c.clock.Now()
	switch m := msg.(type) {
	case SpeechStart:
		c.eng.Activity(endpoint.Activity{Kind: endpoint.SpeechStart, At: now})
	case SpeechEnd:
		c.eng.Activity(endpoint.Activity{Kind: endpoint.SpeechEnd, At: now, Score: m.EOUScore})
	case EOUScore:
		c.eng.Activity(endpoint.Activity{Kind: endpoint.EOUScore, At: now, Score: m.Score})
	case PartialTranscript:
		c.eng.Partial(m.Text)
	case Hangup:
		if err := c.eng.Hangup(turn.ReasonHangup); err != nil && !errors.Is(err, turn.ErrEnded) {
			c.logger.Warn("media hangup failed", "error", err)
		}
		return true
	}
	return false
}

// Play implements turn.Sink. Audio is sent in paced binary chunks framed by
// playback_start and playback_stop.
func (c *Conn) Play(p turn.Playback, done func(error)) error {
	pb := &playback{id: p.ID, stop: make(chan struct{}), done: done}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	prev := c.current
	c.current = pb
	if prev != nil {
		c.cancelLocked(prev, "replaced")
	}
	c.mu.Unlock()

	start, _ := json.Marshal(ServerPlaybackStart{
		Type:       TypePlaybackStart,
		PlaybackID: p.ID,
		Phrase:     string(p.Phrase),
		Bytes:      len(p.Audio),
	})
	go c.pace(pb, start, p.Audio)
	return nil
}

// Stop implements turn.Sink. It cuts off the current playback; queued audio
// for it is dropped before reaching the socket.
func (c *Conn) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current == nil {
		return nil
	}
	c.cancelLocked(c.current, "stopped")
	c.current = nil
	return nil
}

func (c *Conn) cancelLocked(pb *playback, reason string) {
	c.canceled[pb.id] = struct{}{}
	close(pb.stop)
	stop, _ := json.Marshal(ServerPlaybackStop{Type: TypePlaybackStop, PlaybackID: pb.id, Reason: reason})
	select {
	case c.priority <- outboundFrame{text: stop}:
	default:
		c.logger.Warn("priority queue full, dropping playback_stop", "playback_id", pb.id)
	}
	go pb.finish(ErrStopped)
}

func (c *Conn) pace(pb *playback, start, audio []byte) {
	if !c.enqueue(pb, outboundFrame{text: start, playbackID: pb.id}) {
		return
	}

	var tick <-chan time.Time
	if c.cfg.Pacing > 0 {
		ticker := c.clock.NewTicker(c.cfg.Pacing)
		defer ticker.Stop()
		tick = ticker.Chan()
	}

	for off := 0; off < len(audio); off += c.cfg.ChunkBytes {
		end := min(off+c.cfg.ChunkBytes, len(audio))
		if !c.enqueue(pb, outboundFrame{binary: audio[off:end], playbackID: pb.id}) {
			return
		}
		if tick != nil && end < len(audio) {
			select {
			case <-tick:
			case <-pb.stop:
				return
			case <-c.ctx.Done():
				pb.finish(ErrClosed)
				return
			}
		}
	}

	c.mu.Lock()
	if c.current != pb {
		c.mu.Unlock()
		return
	}
	c.current = nil
	c.mu.Unlock()

	stop, _ := json.Marshal(ServerPlaybackStop{Type: TypePlaybackStop, PlaybackID: pb.id, Reason: "finished"})
	if !c.enqueue(nil, outboundFrame{text: stop}) {
		pb.finish(ErrClosed)
		return
	}
	pb.finish(nil)
}

// enqueue blocks until the frame is queued. It returns false if the
// playback was stopped or the connection closed first.
func (c *Conn) enqueue(pb *playback, f outboundFrame) bool {
	var stop <-chan struct{}
	if pb != nil {
		stop = pb.stop
	}
	select {
	case c.normal <- f:
		return true
	case <-stop:
		return false
	case <-c.ctx.Done():
		if pb != nil {
			pb.finish(ErrClosed)
		}
		return false
	}
}

func (c *Conn) isCanceled(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.canceled[id]
	return ok
}

func (c *Conn) sendError(code, message string, closing bool) {
	data, _ := json.Marshal(ServerError{Type: TypeError, Code: code, Message: message, Close: closing})
	select {
	case c.priority <- outboundFrame{text: data}:
	default:
	}
}

func (c *Conn) close() {
	c.mu.Lock()
	c.closed = true
	pb := c.current
	c.current = nil
	c.mu.Unlock()
	c.cancel()
	if pb != nil {
		go pb.finish(ErrClosed)
	}
}
