package backend

import "sync"

// Stream is an unbounded ChangeStream. Push never blocks the producer; a single
// goroutine forwards queued changes to the consumer in order.
type Stream struct {
	mu      sync.Mutex
	queue   []RowChange
	err     error
	closed  bool
	wake    chan struct{}
	out     chan RowChange
	done    chan struct{}
	onClose func()
	once    sync.Once
}

// NewStream starts a stream. onClose runs once when the stream is closed by the
// consumer and may be nil.
func NewStream(onClose func()) *Stream {
	s := &Stream{
		wake:    make(chan struct{}, 1),
		out:     make(chan RowChange),
		done:    make(chan struct{}),
		onClose: onClose,
	}
	go s.forward()
	return s
}

// Push queues a change. It reports false once the stream is closed.
func (s *Stream) Push(change RowChange) bool {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}
	s.queue = append(s.queue, change)
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
	return true
}

// Fail ends the stream with err without running onClose.
func (s *Stream) Fail(err error) {
	s.shutdown(err, false)
}

func (s *Stream) Changes() <-chan RowChange {
	return s.out
}

func (s *Stream) Close() error {
	s.shutdown(nil, true)
	return nil
}

func (s *Stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Done is closed when the stream ends.
func (s *Stream) Done() <-chan struct{} {
	return s.done
}

func (s *Stream) shutdown(err error, notify bool) {
	s.once.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.err = err
		s.queue = nil
		s.mu.Unlock()
		if notify && s.onClose != nil {
			s.onClose()
		}
		close(s.done)
	})
}

func (s *Stream) forward() {
	defer close(s.out)
	for {
		s.mu.Lock()
		if len(s.queue) == 0 {
			s.mu.Unlock()
			select {
			case <-s.wake:
				continue
			case <-s.done:
				return
			}
		}
		next := s.queue[0]
		s.queue = s.queue[1:]
		s.mu.Unlock()

		select {
		case s.out <- next:
		case <-s.done:
			return
		}
	}
}
