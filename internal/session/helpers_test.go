package session

import (
	"bytes"
	"errors"
	"image"
	"image/color"
	"image/png"
	"testing"
	"time"

	"github.com/1ureka/clipsync/internal/protocol"
)

var errBoom = errors.New("boom")

// recordTransport keeps every frame written to it.
type recordTransport struct {
	frames [][]byte
	err    error
	closed int
}

func (r *recordTransport) Write(p []byte) (int, error) {
	if r.err != nil {
		return 0, r.err
	}
	r.frames = append(r.frames, append([]byte(nil), p...))
	return len(p), nil
}

func (r *recordTransport) Close() error {
	r.closed++
	return nil
}

// recordSink keeps every piece of content applied to it.
type recordSink struct {
	texts  []string
	images []image.Image
}

func (r *recordSink) SetText(text string) error {
	r.texts = append(r.texts, text)
	return nil
}

func (r *recordSink) SetImage(img image.Image) error {
	r.images = append(r.images, img)
	return nil
}

// fakeClock is a manually advanced time source.
type fakeClock struct {
	t time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Unix(1700000000, 0)}
}

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func mustEncode(t *testing.T, typ protocol.Type, payload []byte) []byte {
	t.Helper()
	b, err := protocol.Encode(typ, payload)
	if err != nil {
		t.Fatalf("Encode(%s) failed: %v", typ, err)
	}
	return b
}

func testPNG(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 3, 2))
	img.Set(0, 0, color.RGBA{R: 255, A: 255})
	img.Set(2, 1, color.RGBA{B: 255, A: 255})

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("png encode failed: %v", err)
	}
	return buf.Bytes()
}
