package peerconn

import "sync"

// Serial runs posted callbacks one at a time, in post order, on a goroutine
// that exists only while work is queued.
type Serial struct {
	mu      sync.Mutex
	queue   []func()
	running bool
}

func (s *Serial) Post(fn func()) {
	s.mu.Lock()
	s.queue = append(s.queue, fn)
	if !s.running {
		s.running = true
		go s.drain()
	}
	s.mu.Unlock()
}

func (s *Serial) drain() {
	for {
		s.mu.Lock()
		if len(s.queue) == 0 {
			s.running = false
			s.mu.Unlock()
			return
		}
		fn := s.queue[0]
		s.queue[0] = nil
		s.queue = s.queue[1:]
		s.mu.Unlock()
		fn()
	}
}
