package clipboard

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/png"
	"time"

	xclip "golang.design/x/clipboard"
)

// SystemPollInterval is how often golang.design/x/clipboard checks the OS
// clipboard for changes. A write is reported up to one interval later.
const SystemPollInterval = time.Second

// System is the OS clipboard. Image content travels as PNG, which is the
// only image format golang.design/x/clipboard exposes.
type System struct{}

// NewSystem initializes the OS clipboard. It fails on headless hosts and in
// binaries built without cgo.
func NewSystem() (*System, error) {
	if err := xclip.Init(); err != nil {
		return nil, fmt.Errorf("init system clipboard: %w", err)
	}
	return &System{}, nil
}

func (s *System) Text() string {
	return string(xclip.Read(xclip.FmtText))
}

func (s *System) Image() image.Image {
	data := xclip.Read(xclip.FmtImage)
	if len(data) == 0 {
		return nil
	}
	img, err := png.Decode(bytes.NewReader(data))
	if err != nil {
		return nil
	}
	return img
}

func (s *System) SetText(text string) error {
	xclip.Write(xclip.FmtText, []byte(text))
	return nil
}

func (s *System) SetImage(img image.Image) error {
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return fmt.Errorf("encode clipboard image: %w", err)
	}
	xclip.Write(xclip.FmtImage, buf.Bytes())
	return nil
}

// Watch merges the text and image change streams of the OS clipboard.
// Changes are detected by polling, so the notification for this process's
// own SetText or SetImage arrives up to SystemPollInterval later.
func (s *System) Watch(ctx context.Context) <-chan struct{} {
	out := make(chan struct{}, 1)
	text := xclip.Watch(ctx, xclip.FmtText)
	img := xclip.Watch(ctx, xclip.FmtImage)

	go func() {
		defer close(out)
		for text != nil || img != nil {
			select {
			case _, ok := <-text:
				if !ok {
					text = nil
					continue
				}
			case _, ok := <-img:
				if !ok {
					img = nil
					continue
				}
			case <-ctx.Done():
				return
			}
			select {
			case out <- struct{}{}:
			case <-ctx.Done():
				return
			}
		}
	}()

	return out
}
