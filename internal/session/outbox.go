package session

import (
	"errors"
	"io"
	"sync"
)

// DefaultOutboxSize is the number of frames a session may have queued
// before further sends are rejected.
const DefaultOutboxSize = 64

var (
	ErrOutboxFull   = errors.New("session: outbox full")
	ErrOutboxClosed = errors.New("session: outbox closed")
)

// Outbox is a Transport that queues frames and writes them to the
// connection from a single goroutine. Write never blocks the caller, and
// each queued frame reaches the connection with one Write call, in order.
type Outbox struct {
	conn    io.WriteCloser
	frames  chan []byte
	onError func(error)

	done      chan struct{} // closed by Close
	exited    chan struct{} // closed when the writer goroutine returns
	closeOnce sync.Once
}

// NewOutbox starts the writer goroutine for conn. onError, if non-nil, is
// called once from the writer goroutine when a write fails; the outbox
// stops writing after that. It is not called for failures caused by Close.
func NewOutbox(conn io.WriteCloser, size int, onError func(error)) *Outbox {
	if size <= 0 {
		size = DefaultOutboxSize
	}
	o := &Outbox{
		conn:    conn,
		frames:  make(chan []byte, size),
		onError: onError,
		done:    make(chan struct{}),
		exited:  make(chan struct{}),
	}
	go o.loop()
	return o
}

// loop is the single-writer goroutine.
func (o *Outbox) loop() {
	defer close(o.exited)

	for {
		select {
		case frame := <-o.frames:
			if _, err := o.conn.Write(frame); err != nil {
				select {
				case <-o.done:
					// Closing; the error is expected.
				default:
					if o.onError != nil {
						o.onError(err)
					}
				}
				return
			}
		case <-o.done:
			return
		}
	}
}

// Write queues one frame. The slice must not be modified afterwards.
func (o *Outbox) Write(frame []byte) (int, error) {
	select {
	case <-o.done:
		return 0, ErrOutboxClosed
	case <-o.exited:
		return 0, ErrOutboxClosed
	default:
	}

	select {
	case o.frames <- frame:
		return len(frame), nil
	default:
		return 0, ErrOutboxFull
	}
}

// Close stops the writer and closes the connection. Frames still queued
// are discarded. Only the first call has an effect.
func (o *Outbox) Close() error {
	var err error
	o.closeOnce.Do(func() {
		close(o.done)
		err = o.conn.Close()
	})
	return err
}
