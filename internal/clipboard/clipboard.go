// Package clipboard is the boundary between clipsync and the clipboard it
// mirrors. Two backends are provided:
//
//	System — the OS clipboard via golang.design/x/clipboard
//	Memory — an in-process clipboard for tests and headless runs
//
// Both report their own writes through Watch, exactly as they report writes
// made by other programs. Callers must not assume a change came from the user.
package clipboard

import (
	"context"
	"fmt"
	"image"
)

// Clipboard reads, writes and watches text and image content.
type Clipboard interface {
	// Text returns the current text content, or "" when there is none.
	Text() string

	// Image returns the current image content, or nil when there is none.
	Image() image.Image

	SetText(text string) error
	SetImage(img image.Image) error

	// Watch returns a channel that receives a signal after every observable
	// change. The channel is closed when ctx is done.
	Watch(ctx context.Context) <-chan struct{}
}

// Backend names accepted by Open.
const (
	BackendSystem = "system"
	BackendMemory = "memory"
)

// Open returns the clipboard backend with the given name.
func Open(name string) (Clipboard, error) {
	switch name {
	case "", BackendSystem:
		return NewSystem()
	case BackendMemory:
		return NewMemory(), nil
	default:
		return nil, fmt.Errorf("unknown clipboard backend %q", name)
	}
}
