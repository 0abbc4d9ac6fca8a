package process

import "sync"

// Stream fans the lines of one child output pipe out to any number of
// subscribers. There is no replay: a subscriber only sees lines published
// after it subscribed. A subscriber that falls behind loses lines instead
// of stalling the reader.
type Stream struct {
	mu     sync.Mutex
	subs   map[int]chan string
	next   int
	closed bool
	drops  uint64
}

func newStream() *Stream {
	return &Stream{subs: map[int]chan string{}}
}

// Subscribe returns a channel receiving each later line and a cancel func.
// The channel is closed when the stream ends or cancel is called. buf below
// one is raised to one.
func (s *Stream) Subscribe(buf int) (<-chan string, func()) {
	if buf < 1 {
		buf = 1
	}
	ch := make(chan string, buf)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		close(ch)
		return ch, func() {}
	}
	id := s.next
	s.next++
	s.subs[id] = ch
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			if c, ok := s.subs[id]; ok {
				delete(s.subs, id)
				close(c)
			}
		})
	}
}

// Dropped reports how many line deliveries were skipped for slow readers.
func (s *Stream) Dropped() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.drops
}

func (s *Stream) publish(line string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ch := range s.subs {
		select {
		case ch <- line:
		default:
			s.drops++
		}
	}
}

func (s *Stream) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	for id, ch := range s.subs {
		delete(s.subs, id)
		close(ch)
	}
}
