package transport

import (
	"context"
	"sync"
)

// Inbox hands messages from an adapter's read goroutine to Receive.
//
// Push blocks while the buffer is full, which applies backpressure to the
// socket instead of growing memory. Messages pushed before CloseWithError
// are still delivered; after that Receive returns the close error.
type Inbox struct {
	ch   chan []byte
	done chan struct{}
	once sync.Once
	err  error
}

func NewInbox(size int) *Inbox {
	if size < 0 {
		size = 0
	}
	return &Inbox{
		ch:   make(chan []byte, size),
		done: make(chan struct{}),
	}
}

// Push delivers msg, returning false if the inbox was closed first.
func (in *Inbox) Push(msg []byte) bool {
	select {
	case <-in.done:
		return false
	default:
	}

	select {
	case in.ch <- msg:
		return true
	case <-in.done:
		return false
	}
}

// CloseWithError ends the inbox. Only the first call has an effect.
func (in *Inbox) CloseWithError(err error) {
	in.once.Do(func() {
		if err == nil {
			err = ErrConnectionClosed
		}
		in.err = err
		close(in.done)
	})
}

func (in *Inbox) Receive(ctx context.Context) ([]byte, error) {
	select {
	case msg := <-in.ch:
		return msg, nil
	default:
	}

	select {
	case msg := <-in.ch:
		return msg, nil
	case <-in.done:
		select {
		case msg := <-in.ch:
			return msg, nil
		default:
			return nil, in.err
		}
	case <-ctx.Done():
		return nil, ContextError(ctx)
	}
}

// Done is closed once CloseWithError has been called.
func (in *Inbox) Done() <-chan struct{} {
	return in.done
}

// Err returns the close error, or nil while the inbox is open.
func (in *Inbox) Err() error {
	select {
	case <-in.done:
		return in.err
	default:
		return nil
	}
}
