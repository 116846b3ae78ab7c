// Package app wires clipboard, transports and sessions together for the hub
// and peer roles.
//
// All state changes happen on one dispatcher goroutine (loop). Accept loops,
// connection readers and outbox writers only post events to it, so the
// session registry and the sessions themselves are never touched
// concurrently.
package app

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image/png"
	"io"
	"net"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/1ureka/clipsync/internal/clipboard"
	"github.com/1ureka/clipsync/internal/config"
	"github.com/1ureka/clipsync/internal/protocol"
	"github.com/1ureka/clipsync/internal/session"
	"github.com/1ureka/clipsync/internal/util"
)

// Tuning constants.
const (
	readBufferSize  = 32 * 1024 // per-connection read buffer
	eventBufferSize = 256       // dispatcher inbox capacity
)

// ---------------------------------------------------------------------------
// Events
// ---------------------------------------------------------------------------

// connOpened announces a usable connection that needs a session.
type connOpened struct {
	conn   io.ReadWriteCloser
	remote string
}

// connData carries bytes read from a session's connection.
type connData struct {
	id    session.ID
	chunk []byte
}

// connClosed reports that a session's connection closed or failed. It may
// arrive more than once for the same ID.
type connClosed struct {
	id  session.ID
	err error
}

// listenerFailed reports that the hub can no longer accept connections.
type listenerFailed struct {
	err error
}

// ---------------------------------------------------------------------------
// App
// ---------------------------------------------------------------------------

// App is the process-wide context: it owns the clipboard handle, the session
// registry and the counters for the lifetime of one run.
type App struct {
	cfg      config.Config
	clip     clipboard.Clipboard
	stats    *util.Stats
	metrics  *prometheus.Registry
	sessions *session.Registry
	events   chan any

	// Peer mode: stop once the last session is gone.
	exitWhenEmpty bool
}

// New creates an App for cfg, which should start from config.Default.
func New(cfg config.Config, clip clipboard.Clipboard) (*App, error) {
	stats := util.NewStats()
	metrics := prometheus.NewRegistry()
	if err := stats.Register(metrics); err != nil {
		return nil, err
	}
	if err := metrics.Register(collectors.NewGoCollector()); err != nil {
		return nil, fmt.Errorf("register go collector: %w", err)
	}

	return &App{
		cfg:      cfg,
		clip:     clip,
		stats:    stats,
		metrics:  metrics,
		sessions: session.NewRegistry(),
		events:   make(chan any, eventBufferSize),
	}, nil
}

// Stats returns the counters of this App.
func (a *App) Stats() *util.Stats {
	return a.stats
}

// post hands an event to the dispatcher. It returns false if ctx ended first.
func (a *App) post(ctx context.Context, ev any) bool {
	select {
	case a.events <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

// loop is the single dispatcher. It returns when ctx is cancelled, when the
// hub listener fails, or in peer mode when the connection is gone.
func (a *App) loop(ctx context.Context) error {
	changes := a.clip.Watch(ctx)

	defer func() {
		if err := a.sessions.CloseAll(); err != nil {
			util.LogDebug("closing sessions: %v", err)
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil

		case _, ok := <-changes:
			if !ok {
				changes = nil
				continue
			}
			a.onClipboardChange()

		case ev := <-a.events:
			if err := a.handle(ctx, ev); err != nil {
				return err
			}
			if a.exitWhenEmpty && a.sessions.Len() == 0 {
				util.LogWarning("disconnected from hub")
				return nil
			}
		}
	}
}

func (a *App) handle(ctx context.Context, ev any) error {
	switch ev := ev.(type) {
	case connOpened:
		a.open(ctx, ev)
	case connData:
		if s, ok := a.sessions.Get(ev.id); ok {
			util.LogTrace("[%s] read %d bytes", ev.id, len(ev.chunk))
			s.Feed(ev.chunk)
		}
	case connClosed:
		a.teardown(ev.id, ev.err)
	case listenerFailed:
		return ev.err
	default:
		util.LogError("unknown event %T", ev)
	}
	return nil
}

// open creates and registers the session for a new connection and starts
// its reader.
func (a *App) open(ctx context.Context, ev connOpened) {
	id := a.sessions.NextID()

	out := session.NewOutbox(ev.conn, a.cfg.OutboxSize, func(err error) {
		a.post(ctx, connClosed{id: id, err: err})
	})
	s := session.New(id, out, a.clip,
		session.WithSuppressionWindow(a.cfg.SuppressionWindow),
		session.WithMaxFrameSize(a.cfg.MaxFrameSize),
		session.WithStats(a.stats),
	)
	if err := a.sessions.Add(s); err != nil {
		util.LogError("[%s] %v", s.ID(), err)
		s.Close()
		return
	}

	a.stats.AddOpened()
	util.LogSuccess("[%s] session opened with %s (%d live)", s.ID(), ev.remote, a.sessions.Len())

	go a.readLoop(ctx, s.ID(), ev.conn)
}

// readLoop forwards everything read from conn to the dispatcher. It uses a
// blocking Read; closing the session's transport closes conn and unblocks it.
func (a *App) readLoop(ctx context.Context, id session.ID, conn io.Reader) {
	buf := make([]byte, readBufferSize)
	for {
		n, err := conn.Read(buf)

		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			if !a.post(ctx, connData{id: id, chunk: chunk}) {
				return
			}
		}

		if err != nil {
			a.post(ctx, connClosed{id: id, err: err})
			return
		}
	}
}

// teardown removes and closes a session. Repeated calls for the same ID are
// no-ops.
func (a *App) teardown(id session.ID, cause error) {
	s, ok := a.sessions.Remove(id)
	if !ok {
		return
	}
	if err := s.Close(); err != nil {
		util.LogDebug("[%s] close: %v", id, err)
	}
	a.stats.AddClosed()

	if cause == nil || errors.Is(cause, io.EOF) || errors.Is(cause, net.ErrClosed) {
		util.LogInfo("[%s] session closed (%d live)", id, a.sessions.Len())
	} else {
		util.LogWarning("[%s] session closed: %v (%d live)", id, cause, a.sessions.Len())
	}
}

// onClipboardChange broadcasts the current clipboard content: the image
// first, then the text, each only when present.
func (a *App) onClipboardChange() {
	if a.sessions.Len() == 0 {
		return
	}

	for _, c := range a.snapshot() {
		res := a.sessions.Broadcast(c)
		util.LogDebug("broadcast %s (%d bytes): %d sent, %d suppressed of %d",
			c.Type, len(c.Payload), res.Sent, res.Suppressed, res.Attempted)
		if res.Err != nil {
			util.LogWarning("broadcast %s: %v", c.Type, res.Err)
		}
	}
}

func (a *App) snapshot() []session.Content {
	var out []session.Content

	if img := a.clip.Image(); img != nil {
		var buf bytes.Buffer
		if err := png.Encode(&buf, img); err != nil {
			util.LogWarning("failed to encode clipboard image: %v", err)
		} else {
			out = append(out, session.Content{Type: protocol.TypeImage, Payload: buf.Bytes()})
		}
	}

	if text := a.clip.Text(); text != "" {
		out = append(out, session.Content{Type: protocol.TypeText, Payload: []byte(text)})
	}

	return out
}
