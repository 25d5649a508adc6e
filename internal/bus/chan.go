package bus

import "sync"

// ChanHandle is one end of an in-memory connection. Messages are passed by
// value; payloads must not be mutated after sending.
type ChanHandle struct {
	id   string
	peer *ChanHandle

	inbox chan Message
	out   chan Message
	done  chan struct{}
	once  *sync.Once // shared with peer
}

// NewChanPair returns two connected handles. Closing either end disconnects both.
func NewChanPair(localID, remoteID string) (*ChanHandle, *ChanHandle) {
	once := &sync.Once{}
	done := make(chan struct{})
	a := &ChanHandle{id: localID, inbox: make(chan Message, inboxSize), out: make(chan Message), done: done, once: once}
	b := &ChanHandle{id: remoteID, inbox: make(chan Message, inboxSize), out: make(chan Message), done: done, once: once}
	a.peer, b.peer = b, a
	go a.forward()
	go b.forward()
	return a, b
}

func (h *ChanHandle) ID() string              { return h.id }
func (h *ChanHandle) Receive() <-chan Message { return h.out }
func (h *ChanHandle) Done() <-chan struct{}   { return h.done }

// Send queues msg for the peer.
func (h *ChanHandle) Send(msg Message) error {
	select {
	case <-h.done:
		return ErrHandleClosed
	default:
	}
	select {
	case h.peer.inbox <- msg:
		return nil
	case <-h.done:
		return ErrHandleClosed
	}
}

// Close disconnects both ends.
func (h *ChanHandle) Close() error {
	h.once.Do(func() { close(h.done) })
	return nil
}

// forward moves queued messages to out, then drains what was queued before
// the disconnect and closes out.
func (h *ChanHandle) forward() {
	defer close(h.out)
	for {
		select {
		case msg := <-h.inbox:
			h.out <- msg
		case <-h.done:
			for {
				select {
				case msg := <-h.inbox:
					h.out <- msg
				default:
					return
				}
			}
		}
	}
}
