// Package session holds the per-connection state of a clipsync peer: the
// incremental frame decoder, the frame encoder, and the echo-suppression
// timer. Sessions are owned by a Registry and are driven from a single
// dispatcher goroutine, so neither type does any locking of its own.
package session

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/png"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/1ureka/clipsync/internal/protocol"
	"github.com/1ureka/clipsync/internal/util"
)

// DefaultSuppressionWindow is how long after applying remote content a
// session ignores local clipboard changes.
const DefaultSuppressionWindow = 1000 * time.Millisecond

// DefaultMaxFrameSize is the largest payload a session accepts. Larger
// frames are read past and dropped.
const DefaultMaxFrameSize = 64 << 20

// maxPrealloc caps the body buffer reserved up front from a declared length.
const maxPrealloc = 64 * 1024

var ErrSessionClosed = errors.New("session: closed")

// ID is the stable handle of a session inside a Registry.
type ID uint32

func (id ID) String() string {
	return fmt.Sprintf("%08x", uint32(id))
}

// Sink receives content decoded from the peer.
type Sink interface {
	SetText(text string) error
	SetImage(img image.Image) error
}

// Transport carries encoded frames to the peer. Each Write receives exactly
// one complete frame.
type Transport interface {
	io.Writer
	io.Closer
}

// Content is one piece of local clipboard content, ready to be framed.
type Content struct {
	Type    protocol.Type
	Payload []byte
}

type stage int

const (
	stageHeader stage = iota
	stageBody
	stageDiscard
)

// Session is the live state bound to one peer connection.
type Session struct {
	id     ID
	tr     Transport
	sink   Sink
	stats  *util.Stats
	now    func() time.Time
	window time.Duration
	limit  int64

	// Decoder state.
	stage       stage
	partial     []byte
	remaining   int
	pendingType protocol.Type

	// Echo suppression.
	applied   bool
	lastApply time.Time

	closeOnce sync.Once
	closed    bool
}

// Option configures a Session.
type Option func(*Session)

// WithClock replaces time.Now as the session's time source.
func WithClock(now func() time.Time) Option {
	return func(s *Session) { s.now = now }
}

// WithSuppressionWindow overrides DefaultSuppressionWindow.
func WithSuppressionWindow(d time.Duration) Option {
	return func(s *Session) { s.window = d }
}

// WithMaxFrameSize overrides DefaultMaxFrameSize. Zero or less disables the
// limit.
func WithMaxFrameSize(n int64) Option {
	return func(s *Session) { s.limit = n }
}

// WithStats records traffic counters into stats.
func WithStats(stats *util.Stats) Option {
	return func(s *Session) { s.stats = stats }
}

// New creates a session waiting for its first frame header.
func New(id ID, tr Transport, sink Sink, opts ...Option) *Session {
	s := &Session{
		id:     id,
		tr:     tr,
		sink:   sink,
		now:    time.Now,
		window: DefaultSuppressionWindow,
		limit:  DefaultMaxFrameSize,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.resetHeader()
	return s
}

func (s *Session) ID() ID { return s.id }

// ---------------------------------------------------------------------------
// Inbound
// ---------------------------------------------------------------------------

// Feed consumes a chunk of the peer's byte stream. Chunks may split or
// coalesce frames arbitrarily; an empty chunk only means there is nothing
// to read yet.
func (s *Session) Feed(chunk []byte) {
	if s.closed {
		return
	}
	s.stats.AddRecvBytes(len(chunk))

	for len(chunk) > 0 {
		n := min(len(chunk), s.remaining)
		if s.stage != stageDiscard {
			s.partial = append(s.partial, chunk[:n]...)
		}
		s.remaining -= n
		chunk = chunk[n:]

		if s.remaining == 0 {
			s.advance()
		}
	}
}

// advance runs the stage transition once the current stage has all its bytes.
func (s *Session) advance() {
	switch s.stage {
	case stageHeader:
		typ, length, err := protocol.DecodeHeader(s.partial)
		if err != nil {
			util.LogError("[%s] bad header: %v", s.id, err)
			s.resetHeader()
			return
		}
		if length == 0 {
			s.resetHeader()
			s.dispatch(typ, nil)
			return
		}
		if s.limit > 0 && int64(length) > s.limit {
			s.stats.AddDropped()
			util.LogWarning("[%s] dropping %s frame of %d bytes (limit %d)", s.id, typ, length, s.limit)
			s.stage = stageDiscard
			s.remaining = int(length)
			s.partial = nil
			return
		}
		s.stage = stageBody
		s.pendingType = typ
		s.remaining = int(length)
		s.partial = make([]byte, 0, min(int(length), maxPrealloc))

	case stageBody:
		typ, payload := s.pendingType, s.partial
		s.resetHeader()
		s.dispatch(typ, payload)

	case stageDiscard:
		s.resetHeader()
	}
}

func (s *Session) resetHeader() {
	s.stage = stageHeader
	s.remaining = protocol.HeaderSize
	s.partial = make([]byte, 0, protocol.HeaderSize)
}

// dispatch applies one complete frame to the sink.
func (s *Session) dispatch(t protocol.Type, payload []byte) {
	s.stats.AddRecvFrame()

	switch t {
	case protocol.TypeText:
		text := strings.ToValidUTF8(string(payload), "\uFFFD")
		if err := s.sink.SetText(text); err != nil {
			util.LogWarning("[%s] failed to apply TEXT: %v", s.id, err)
			return
		}
		s.markApplied()
		util.LogDebug("[%s] applied TEXT (%d bytes)", s.id, len(payload))

	case protocol.TypeImage:
		img, err := png.Decode(bytes.NewReader(payload))
		if err != nil {
			s.stats.AddDropped()
			util.LogWarning("[%s] dropped IMAGE frame (%d bytes): %v", s.id, len(payload), err)
			return
		}
		if err := s.sink.SetImage(img); err != nil {
			util.LogWarning("[%s] failed to apply IMAGE: %v", s.id, err)
			return
		}
		s.markApplied()
		util.LogDebug("[%s] applied IMAGE %dx%d", s.id, img.Bounds().Dx(), img.Bounds().Dy())

	case protocol.TypeQuery:
		// Reserved.

	default:
		s.stats.AddDropped()
		util.LogWarning("[%s] dropped frame of unknown %s (%d bytes)", s.id, t, len(payload))
	}
}

func (s *Session) markApplied() {
	s.applied = true
	s.lastApply = s.now()
}

// ---------------------------------------------------------------------------
// Outbound
// ---------------------------------------------------------------------------

// Suppressing reports whether remote content was applied within the
// suppression window. Local changes seen while suppressing are assumed to be
// the echo of that content. A distinct local edit inside the window is
// suppressed as well.
func (s *Session) Suppressing() bool {
	return s.applied && s.now().Sub(s.lastApply) < s.window
}

// OnLocalChange sends c to the peer unless echo suppression is active.
// It reports whether a frame was written.
func (s *Session) OnLocalChange(c Content) (bool, error) {
	if s.Suppressing() {
		s.stats.AddSuppressed()
		util.LogDebug("[%s] just applied remote content, ignoring local %s change", s.id, c.Type)
		return false, nil
	}
	if err := s.Send(c.Type, c.Payload); err != nil {
		return false, err
	}
	return true, nil
}

// Send encodes one frame and hands it to the transport in a single write,
// so its header and body are never separated by another frame.
func (s *Session) Send(t protocol.Type, payload []byte) error {
	if s.closed {
		return ErrSessionClosed
	}

	frame, err := protocol.Encode(t, payload)
	if err != nil {
		return fmt.Errorf("session %s: encode %s: %w", s.id, t, err)
	}
	if _, err := s.tr.Write(frame); err != nil {
		return fmt.Errorf("session %s: write %s frame: %w", s.id, t, err)
	}

	s.stats.AddSent(len(frame))
	util.LogDebug("[%s] sent %s (%d bytes)", s.id, t, len(payload))
	return nil
}

// ---------------------------------------------------------------------------
// Lifecycle
// ---------------------------------------------------------------------------

// Close discards any partially received frame and releases the transport.
// Only the first call has an effect.
func (s *Session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.closed = true
		s.partial = nil
		s.remaining = 0
		err = s.tr.Close()
	})
	return err
}
