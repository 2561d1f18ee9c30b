package device

import (
	"errors"
	"fmt"
	"sync"
)

// ErrStreamBroken is returned once a launched command has failed. The stream
// does not recover; the owning execution context must be torn down.
var ErrStreamBroken = errors.New("device: stream broken")

type command struct {
	name string
	fn   func() error
	done chan struct{} // non-nil for fences
}

// Stream is an ordered asynchronous command queue. Commands run on a single
// worker in launch order, which is the ordering guarantee the decode loop
// relies on between consecutive steps. Sync is the only blocking call.
type Stream struct {
	mu     sync.Mutex
	queue  chan command
	err    error
	closed bool
	wg     sync.WaitGroup
}

// NewStream starts the stream worker.
func NewStream() *Stream {
	s := &Stream{queue: make(chan command, 256)}
	s.wg.Add(1)
	go s.run()
	return s
}

func (s *Stream) run() {
	defer s.wg.Done()
	for cmd := range s.queue {
		if cmd.done != nil {
			close(cmd.done)
			continue
		}
		if s.Err() != nil {
			continue // broken stream drains without executing
		}
		if err := s.execute(cmd); err != nil {
			s.setErr(err)
		}
	}
}

func (s *Stream) execute(cmd command) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("device: launch %q panicked: %v", cmd.name, r)
		}
	}()
	if err := cmd.fn(); err != nil {
		return fmt.Errorf("device: launch %q: %w", cmd.name, err)
	}
	return nil
}

func (s *Stream) setErr(err error) {
	s.mu.Lock()
	if s.err == nil {
		s.err = err
	}
	s.mu.Unlock()
}

// Err returns the first command failure, if any.
func (s *Stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Launch enqueues a named command. It does not wait for execution. Launching
// onto a broken or closed stream fails immediately.
func (s *Stream) Launch(name string, fn func() error) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if s.err != nil {
		err := s.err
		s.mu.Unlock()
		return fmt.Errorf("%w: %w", ErrStreamBroken, err)
	}
	s.mu.Unlock()
	s.queue <- command{name: name, fn: fn}
	return nil
}

// Sync blocks until every previously launched command has completed, then
// reports the stream's error state.
func (s *Stream) Sync() error {
	s.mu.Lock()
	if s.closed {
		err := s.err
		s.mu.Unlock()
		return err
	}
	s.mu.Unlock()

	fence := make(chan struct{})
	s.queue <- command{name: "fence", done: fence}
	<-fence

	if err := s.Err(); err != nil {
		return fmt.Errorf("%w: %w", ErrStreamBroken, err)
	}
	return nil
}

// Close drains the stream and stops the worker. The stream cannot be reused.
func (s *Stream) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return s.err
	}
	s.closed = true
	s.mu.Unlock()
	close(s.queue)
	s.wg.Wait()
	return s.Err()
}
