package transport

import (
	"context"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
)

const (
	defaultPingInterval = 20 * time.Second
	defaultWriteTimeout = 5 * time.Second
	closeFlushBudget    = 100 * time.Millisecond
	closeFlushFrames    = 8
)

type wsWriter interface {
	SetWriteDeadline(t time.Time) error
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	Close() error
}

// outboundFrame is either a JSON control message (text) or a chunk of
// agent audio (binary). Audio chunks carry their playback id.
type outboundFrame struct {
	text       []byte
	binary     []byte
	playbackID string
}

// outboundWriter owns all socket writes for one connection. Control frames
// on the priority queue overtake queued audio, and audio of a stopped
// playback is discarded at write time.
type outboundWriter struct {
	ws         wsWriter
	ctx        context.Context
	cfg        Config
	clock      clockwork.Clock
	priority   <-chan outboundFrame
	normal     <-chan outboundFrame
	isCanceled func(string) bool
}

func (w *outboundWriter) timeouts() (ping, write time.Duration) {
	ping, write = w.cfg.PingInterval, w.cfg.WriteTimeout
	if ping <= 0 {
		ping = defaultPingInterval
	}
	if write <= 0 {
		write = defaultWriteTimeout
	}
	return ping, write
}

func (w *outboundWriter) Run() error {
	if w == nil || w.ws == nil {
		return nil
	}
	if w.clock == nil {
		w.clock = clockwork.NewRealClock()
	}
	if w.ctx == nil {
		w.ctx = context.Background()
	}
	pingEvery, writeTimeout := w.timeouts()
	ping := w.clock.NewTicker(pingEvery)
	defer ping.Stop()

	for w.priority != nil || w.normal != nil {
		if w.ctx.Err() != nil {
			w.closeGracefully(writeTimeout)
			return nil
		}

		// Drain control frames before looking at audio.
		select {
		case f, ok := <-w.priority:
			if !ok {
				w.priority = nil
			} else if err := w.write(f, writeTimeout); err != nil {
				return err
			}
			continue
		default:
		}

		select {
		case <-w.ctx.Done():
		case <-ping.Chan():
			if err := w.ws.WriteControl(websocket.PingMessage, []byte("ping"), time.Now().Add(writeTimeout)); err != nil {
				return err
			}
		case f, ok := <-w.priority:
			if !ok {
				w.priority = nil
			} else if err := w.write(f, writeTimeout); err != nil {
				return err
			}
		case f, ok := <-w.normal:
			if !ok {
				w.normal = nil
			} else if err := w.write(f, writeTimeout); err != nil {
				return err
			}
		}
	}
	return nil
}

// closeGracefully sends the few control frames still queued, then the
// close frame.
func (w *outboundWriter) closeGracefully(writeTimeout time.Duration) {
	deadline := time.Now().Add(min(closeFlushBudget, writeTimeout))
flush:
	for n := 0; n < closeFlushFrames && w.priority != nil && time.Now().Before(deadline); n++ {
		select {
		case f, ok := <-w.priority:
			if !ok {
				break flush
			}
			_ = w.write(f, writeTimeout)
		default:
			break flush
		}
	}
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "call ended")
	_ = w.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeTimeout))
	_ = w.ws.Close()
}

func (w *outboundWriter) write(f outboundFrame, writeTimeout time.Duration) error {
	if f.playbackID != "" && w.isCanceled != nil && w.isCanceled(f.playbackID) {
		return nil
	}
	kind, data := websocket.TextMessage, f.text
	if len(data) == 0 {
		kind, data = websocket.BinaryMessage, f.binary
	}
	if len(data) == 0 {
		return nil
	}
	if err := w.ws.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	return w.ws.WriteMessage(kind, data)
}
