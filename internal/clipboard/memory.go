package clipboard

import (
	"context"
	"image"
	"sync"
)

const memoryWatchBuffer = 64

// Memory is an in-process clipboard. Every SetText/SetImage notifies all
// watchers, mirroring the self-triggering behavior of OS clipboards.
type Memory struct {
	mu       sync.Mutex
	text     string
	img      image.Image
	watchers []chan struct{}
}

// NewMemory returns an empty in-process clipboard.
func NewMemory() *Memory {
	return &Memory{}
}

func (m *Memory) Text() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.text
}

func (m *Memory) Image() image.Image {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.img
}

// SetText replaces the content with text, clearing any image.
func (m *Memory) SetText(text string) error {
	m.mu.Lock()
	m.text = text
	m.img = nil
	m.mu.Unlock()
	m.notify()
	return nil
}

// SetImage replaces the content with img, clearing any text.
func (m *Memory) SetImage(img image.Image) error {
	m.mu.Lock()
	m.img = img
	m.text = ""
	m.mu.Unlock()
	m.notify()
	return nil
}

func (m *Memory) Watch(ctx context.Context) <-chan struct{} {
	ch := make(chan struct{}, memoryWatchBuffer)

	m.mu.Lock()
	m.watchers = append(m.watchers, ch)
	m.mu.Unlock()

	go func() {
		<-ctx.Done()
		m.mu.Lock()
		defer m.mu.Unlock()
		for i, w := range m.watchers {
			if w == ch {
				m.watchers = append(m.watchers[:i], m.watchers[i+1:]...)
				break
			}
		}
		close(ch)
	}()

	return ch
}

// notify signals every watcher. A watcher whose buffer is full already has a
// pending signal and is skipped.
func (m *Memory) notify() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, w := range m.watchers {
		select {
		case w <- struct{}{}:
		default:
		}
	}
}
