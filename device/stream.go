package device

import "sync"

// Stream is an ordered queue of device work. Work on different streams may
// overlap.
type Stream struct {
	id      int
	tasks   chan func() error
	pending sync.WaitGroup
	done    chan struct{}

	mu  sync.Mutex
	err error
}

func newStream(id int) *Stream {
	s := &Stream{
		id:    id,
		tasks: make(chan func() error, 64),
		done:  make(chan struct{}),
	}
	go s.run()
	return s
}

// ID returns the stream number; 0 is the null stream.
func (s *Stream) ID() int {
	return s.id
}

func (s *Stream) run() {
	defer close(s.done)
	for task := range s.tasks {
		if err := task(); err != nil {
			s.mu.Lock()
			if s.err == nil {
				s.err = err
			}
			s.mu.Unlock()
		}
		s.pending.Done()
	}
}

func (s *Stream) submit(task func() error) {
	s.pending.Add(1)
	s.tasks <- task
}

// Synchronize blocks until all queued work has finished and returns, then
// clears, the first error it raised.
func (s *Stream) Synchronize() error {
	s.pending.Wait()

	s.mu.Lock()
	defer s.mu.Unlock()
	err := s.err
	s.err = nil
	return err
}

func (s *Stream) stop() {
	close(s.tasks)
	<-s.done
}
