package core

import (
	"sync"
	"time"

	"github.com/drand/sealed/ledger"
)

// EventKind names a lifecycle transition observed by the engine.
type EventKind string

const (
	EventSubmitted      EventKind = "submitted"
	EventRequestIssued  EventKind = "request_issued"
	EventRevealed       EventKind = "revealed"
	EventProofInvalid   EventKind = "proof_invalid"
	EventUnknownRequest EventKind = "unknown_request"
	EventAbandoned      EventKind = "abandoned"
	EventExpired        EventKind = "expired"
)

// Event is delivered asynchronously to the registered callbacks. Record is
// zero for unknown_request events.
type Event struct {
	Kind    EventKind
	Record  ledger.RecordID
	Request ledger.RequestID
	Time    time.Time
}

type callbackManager struct {
	sync.Mutex
	callbacks map[string]func(Event)
	stop      chan bool
	stopOnce  sync.Once
	newCb     chan callback
}

const streamRoutines int = 5
const callbackChanBufferSize = 100

func newCallbackManager() *callbackManager {
	s := &callbackManager{
		callbacks: make(map[string]func(Event)),
		newCb:     make(chan callback, callbackChanBufferSize),
		stop:      make(chan bool),
	}
	for i := 0; i < streamRoutines; i++ {
		go s.runWorker()
	}
	return s
}

// AddCallback stores the given callback. It will be called for each engine
// event. If a callback with that id already exists, it is overwritten.
func (s *callbackManager) AddCallback(id string, fn func(Event)) {
	s.Lock()
	defer s.Unlock()
	s.callbacks[id] = fn
}

func (s *callbackManager) DelCallback(id string) {
	s.Lock()
	defer s.Unlock()
	delete(s.callbacks, id)
}

// Emit queues e for every registered callback. It blocks when the workers
// fall behind by more than the buffer, and drops events once stopped.
func (s *callbackManager) Emit(e Event) {
	s.Lock()
	cbs := make([]func(Event), 0, len(s.callbacks))
	for _, cb := range s.callbacks {
		cbs = append(cbs, cb)
	}
	s.Unlock()

	for _, cb := range cbs {
		select {
		case s.newCb <- callback{cb: cb, event: e}:
		case <-s.stop:
			return
		}
	}
}

func (s *callbackManager) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
}

type callback struct {
	cb    func(Event)
	event Event
}

func (s *callbackManager) runWorker() {
	for {
		select {
		case cbd := <-s.newCb:
			cbd.cb(cbd.event)
		case <-s.stop:
			return
		}
	}
}
