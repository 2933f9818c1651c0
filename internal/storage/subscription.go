package storage

import (
	"sync"

	"chatgogo/rendezvous/internal/models"
)

// subscription delivers room snapshots to one callback, in order, from a
// dedicated goroutine. push never blocks so it is safe under store locks.
type subscription struct {
	fn func(*models.Room)

	mu    sync.Mutex
	queue []*models.Room
	wake  chan struct{}
	done  chan struct{}
	once  sync.Once
}

func newSubscription(fn func(*models.Room)) *subscription {
	s := &subscription{
		fn:   fn,
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	go s.run()
	return s
}

func (s *subscription) push(room *models.Room) {
	s.mu.Lock()
	s.queue = append(s.queue, room.Clone())
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *subscription) stop() {
	s.once.Do(func() { close(s.done) })
}

func (s *subscription) run() {
	for {
		select {
		case <-s.done:
			return
		case <-s.wake:
		}

		for {
			s.mu.Lock()
			if len(s.queue) == 0 {
				s.mu.Unlock()
				break
			}
			room := s.queue[0]
			s.queue[0] = nil
			s.queue = s.queue[1:]
			s.mu.Unlock()

			select {
			case <-s.done:
				return
			default:
			}
			s.fn(room)
		}
	}
}
