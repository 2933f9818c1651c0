package chathub

import (
	"sync"
	"time"

	"chatgogo/rendezvous/internal/models"
)

// Observer receives session events. Calls are made one at a time, in the
// order the events happened, from a goroutine owned by the session.
type Observer interface {
	OnMessage(msg *models.ChatMessage)
	// OnStatusChange carries the cause when status is error or expired.
	OnStatusChange(status models.Status, err error)
	OnPeerConnected()
	OnPeerDisconnected()
	OnRoomCreated(roomID string)
	OnTimeUpdate(remaining time.Duration)
}

// ObserverFuncs adapts plain functions to Observer. Nil fields are skipped.
type ObserverFuncs struct {
	Message          func(msg *models.ChatMessage)
	StatusChange     func(status models.Status, err error)
	PeerConnected    func()
	PeerDisconnected func()
	RoomCreated      func(roomID string)
	TimeUpdate       func(remaining time.Duration)
}

func (f ObserverFuncs) OnMessage(msg *models.ChatMessage) {
	if f.Message != nil {
		f.Message(msg)
	}
}

func (f ObserverFuncs) OnStatusChange(status models.Status, err error) {
	if f.StatusChange != nil {
		f.StatusChange(status, err)
	}
}

func (f ObserverFuncs) OnPeerConnected() {
	if f.PeerConnected != nil {
		f.PeerConnected()
	}
}

func (f ObserverFuncs) OnPeerDisconnected() {
	if f.PeerDisconnected != nil {
		f.PeerDisconnected()
	}
}

func (f ObserverFuncs) OnRoomCreated(roomID string) {
	if f.RoomCreated != nil {
		f.RoomCreated(roomID)
	}
}

func (f ObserverFuncs) OnTimeUpdate(remaining time.Duration) {
	if f.TimeUpdate != nil {
		f.TimeUpdate(remaining)
	}
}

// emitter queues observer calls and runs them outside session locks.
// After close it accepts nothing new but still drains what was queued.
type emitter struct {
	obs Observer

	mu     sync.Mutex
	queue  []func(Observer)
	closed bool
	wake   chan struct{}
	done   chan struct{}
}

func newEmitter(obs Observer) *emitter {
	if obs == nil {
		obs = ObserverFuncs{}
	}
	e := &emitter{
		obs:  obs,
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	go e.run()
	return e
}

func (e *emitter) emit(call func(Observer)) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.queue = append(e.queue, call)
	e.mu.Unlock()
	e.signal()
}

func (e *emitter) signal() {
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

func (e *emitter) close() {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()
	e.signal()
}

// drained is closed once the emitter has delivered everything and stopped.
func (e *emitter) drained() <-chan struct{} { return e.done }

func (e *emitter) run() {
	defer close(e.done)

	for range e.wake {
		for {
			e.mu.Lock()
			if len(e.queue) == 0 {
				closed := e.closed
				e.mu.Unlock()
				if closed {
					return
				}
				break
			}
			call := e.queue[0]
			e.queue[0] = nil
			e.queue = e.queue[1:]
			e.mu.Unlock()

			call(e.obs)
		}
	}
}
