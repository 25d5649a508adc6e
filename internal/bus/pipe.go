package bus

import (
	"errors"
	"io"
	"log/slog"
	"os"
	"sync"
)

const inboxSize = 64

// PipeHandle speaks the wire protocol over a reader/writer pair.
type PipeHandle struct {
	id  string
	enc *Encoder
	dec *Decoder
	r   io.Reader
	w   io.WriteCloser
	log *slog.Logger

	in   chan Message
	done chan struct{}
	once sync.Once

	mu     sync.Mutex
	closed bool
}

// NewPipeHandle starts reading r and returns the handle. Closing the handle
// closes w, and r when it implements io.Closer.
func NewPipeHandle(id string, r io.Reader, w io.WriteCloser, log *slog.Logger) *PipeHandle {
	if log == nil {
		log = slog.Default()
	}
	h := &PipeHandle{
		id:   id,
		enc:  NewEncoder(w),
		dec:  NewDecoder(r),
		r:    r,
		w:    w,
		log:  log,
		in:   make(chan Message, inboxSize),
		done: make(chan struct{}),
	}
	go h.readLoop()
	return h
}

func (h *PipeHandle) ID() string              { return h.id }
func (h *PipeHandle) Receive() <-chan Message { return h.in }
func (h *PipeHandle) Done() <-chan struct{}   { return h.done }

// Send encodes msg onto the pipe.
func (h *PipeHandle) Send(msg Message) error {
	h.mu.Lock()
	closed := h.closed
	h.mu.Unlock()
	if closed {
		return ErrHandleClosed
	}
	if err := h.enc.Encode(msg); err != nil {
		if errors.Is(err, os.ErrClosed) || errors.Is(err, io.ErrClosedPipe) {
			return ErrHandleClosed
		}
		return err
	}
	return nil
}

// Close disconnects both directions. It is safe to call more than once.
func (h *PipeHandle) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	h.mu.Unlock()

	err := h.w.Close()
	if c, ok := h.r.(io.Closer); ok {
		c.Close()
	}
	return err
}

func (h *PipeHandle) readLoop() {
	defer func() {
		h.mu.Lock()
		h.closed = true
		h.mu.Unlock()
		close(h.in)
		h.once.Do(func() { close(h.done) })
	}()

	for {
		msg, err := h.dec.Decode()
		if errors.Is(err, ErrMalformed) {
			h.log.Warn("dropping malformed message", "handle", h.id, "error", err)
			continue
		}
		if err != nil {
			if !isDisconnect(err) {
				h.log.Warn("pipe read failed", "handle", h.id, "error", err)
			}
			return
		}
		h.in <- msg
	}
}

func isDisconnect(err error) bool {
	return errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, io.ErrClosedPipe) ||
		errors.Is(err, os.ErrClosed)
}
