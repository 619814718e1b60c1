package audit

import (
	"fmt"
	"io"
	"log"
	"sync"
)

const (
	// DefaultMaxObservers is the cap when NewStreamer is given zero.
	DefaultMaxObservers = 10

	// observerChanSize is the per-observer channel buffer. Frames are dropped
	// when the channel is full — a monitoring command is never slowed down.
	observerChanSize = 64

	// replayBufSize is the ring buffer replayed to observers joining while a
	// monitoring command is already producing output.
	replayBufSize = 4 * 1024
)

// Streamer broadcasts monitoring-command output to zero or more observers in
// real time.
//
// The gate tees each stdout frame of a monitoring command into the Streamer
// while also capturing it for the final result. Each observer gets its own
// goroutine and buffered channel so a slow observer never stalls the remote
// command; frames are dropped rather than queued indefinitely.
//
// Observers joining mid-command receive the last 4 KB of output as replay
// before the live stream begins.
//
// Safe for concurrent use.
type Streamer struct {
	mu           sync.RWMutex
	observers    map[uint64]*observer
	nextID       uint64
	maxObservers int

	replayBuf []byte
	replayPos int // write position in ring
	replayLen int // bytes written, capped at replayBufSize
}

type observer struct {
	id   uint64
	ch   chan []byte
	done chan struct{}
	once sync.Once
}

// NewStreamer creates a Streamer allowing up to maxObservers concurrent
// observers. Zero or negative means DefaultMaxObservers.
func NewStreamer(maxObservers int) *Streamer {
	if maxObservers <= 0 {
		maxObservers = DefaultMaxObservers
	}
	return &Streamer{
		observers:    make(map[uint64]*observer),
		maxObservers: maxObservers,
		replayBuf:    make([]byte, replayBufSize),
	}
}

// Write implements io.Writer. Called with each output frame of the running
// monitoring command. Never blocks — slow observers drop frames.
func (s *Streamer) Write(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}

	frame := make([]byte, len(p))
	copy(frame, p)

	s.mu.Lock()
	s.appendReplay(frame)
	for _, obs := range s.observers {
		select {
		case obs.ch <- frame:
		default:
			log.Printf("[STREAMER] observer %d too slow, frame dropped", obs.id)
		}
	}
	s.mu.Unlock()

	return len(p), nil
}

// Subscribe registers w as a new observer. The observer immediately receives
// a replay of the last 4 KB of output, then live frames.
//
// Returns an unsubscribe function the caller must invoke when the observer
// goes away. Returns an error when the observer limit has been reached.
func (s *Streamer) Subscribe(w io.Writer) (unsubscribe func(), err error) {
	s.mu.Lock()

	if len(s.observers) >= s.maxObservers {
		s.mu.Unlock()
		return nil, fmt.Errorf("audit: observer limit reached (%d)", s.maxObservers)
	}

	id := s.nextID
	s.nextID++

	obs := &observer{
		id:   id,
		ch:   make(chan []byte, observerChanSize),
		done: make(chan struct{}),
	}

	replay := s.replaySnapshot()

	s.observers[id] = obs
	s.mu.Unlock()

	go func() {
		if len(replay) > 0 {
			if _, err := w.Write(replay); err != nil {
				log.Printf("[STREAMER] observer %d replay write error: %v", id, err)
				obs.close()
				return
			}
		}

		for {
			select {
			case frame := <-obs.ch:
				if _, err := w.Write(frame); err != nil {
					log.Printf("[STREAMER] observer %d write error: %v", id, err)
					return
				}
			case <-obs.done:
				return
			}
		}
	}()

	unsubscribe = func() {
		obs.close()
		s.mu.Lock()
		delete(s.observers, id)
		s.mu.Unlock()
	}

	return unsubscribe, nil
}

// ObserverCount returns the number of currently active observers.
func (s *Streamer) ObserverCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.observers)
}

// Close unsubscribes all observers and releases resources.
func (s *Streamer) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, obs := range s.observers {
		obs.close()
		delete(s.observers, id)
	}
	return nil
}

// appendReplay writes p into the ring buffer. Caller holds s.mu.
func (s *Streamer) appendReplay(p []byte) {
	for _, b := range p {
		s.replayBuf[s.replayPos] = b
		s.replayPos = (s.replayPos + 1) % replayBufSize
		if s.replayLen < replayBufSize {
			s.replayLen++
		}
	}
}

// replaySnapshot returns the ring buffer contents in chronological order.
// Caller holds s.mu.
func (s *Streamer) replaySnapshot() []byte {
	if s.replayLen == 0 {
		return nil
	}
	out := make([]byte, s.replayLen)
	if s.replayLen < replayBufSize {
		copy(out, s.replayBuf[:s.replayLen])
	} else {
		n := copy(out, s.replayBuf[s.replayPos:])
		copy(out[n:], s.replayBuf[:s.replayPos])
	}
	return out
}

// close signals the observer goroutine to stop. Idempotent.
func (o *observer) close() {
	o.once.Do(func() { close(o.done) })
}
