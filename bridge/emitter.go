package bridge

import (
	"log"
	"os"
	"sort"
	"sync"
)

var logger = log.New(os.Stderr, "[bridge] ", log.LstdFlags)

// Emitter is the event-emission half of a native module. The runtime
// announces interest with AddListener/RemoveListeners; events sent while
// nobody listens are dropped.
type Emitter struct {
	mu        sync.RWMutex
	supported map[string]bool
	listeners int
	subs      map[int]func(Event)
	nextSub   int
}

// NewEmitter creates an emitter for the given event names.
func NewEmitter(supported ...string) *Emitter {
	e := &Emitter{
		supported: make(map[string]bool, len(supported)),
		subs:      make(map[int]func(Event)),
	}
	for _, name := range supported {
		e.supported[name] = true
	}
	return e
}

// SupportedEvents returns the event names in sorted order.
func (e *Emitter) SupportedEvents() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.sortedLocked()
}

func (e *Emitter) Supports(name string) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.supported[name]
}

// AddListener registers interest in an event.
func (e *Emitter) AddListener(name string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.supported[name] {
		return Reject(CodeUnknownEvent, "%q is not a supported event (supported: %v)", name, e.sortedLocked())
	}
	e.listeners++
	metricListeners.Set(float64(e.listeners))
	return nil
}

// RemoveListeners drops count listeners. The count never goes below zero.
func (e *Emitter) RemoveListeners(count int) {
	if count <= 0 {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.listeners -= count
	if e.listeners < 0 {
		logger.Printf("removeListeners(%d) removed more listeners than were added", count)
		e.listeners = 0
	}
	metricListeners.Set(float64(e.listeners))
}

func (e *Emitter) ListenerCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.listeners
}

// Subscribe registers a delivery function. Delivery is synchronous, so fn
// must not block. The returned func unsubscribes.
func (e *Emitter) Subscribe(fn func(Event)) func() {
	e.mu.Lock()
	id := e.nextSub
	e.nextSub++
	e.subs[id] = fn
	e.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			e.mu.Lock()
			delete(e.subs, id)
			e.mu.Unlock()
		})
	}
}

// Emit delivers an event to every subscriber. It reports whether the event
// was delivered; an unsupported name is an error.
func (e *Emitter) Emit(name string, body map[string]any) (bool, error) {
	e.mu.RLock()
	if !e.supported[name] {
		e.mu.RUnlock()
		return false, Reject(CodeUnknownEvent, "%q is not a supported event", name)
	}
	if e.listeners == 0 {
		e.mu.RUnlock()
		logger.Printf("sending %s with no listeners registered", name)
		metricEvents.WithLabelValues(name, "dropped").Inc()
		return false, nil
	}
	subs := make([]func(Event), 0, len(e.subs))
	for _, fn := range e.subs {
		subs = append(subs, fn)
	}
	e.mu.RUnlock()

	ev := Event{Name: name, Body: body}
	for _, fn := range subs {
		fn(ev)
	}
	metricEvents.WithLabelValues(name, "delivered").Inc()
	return true, nil
}

func (e *Emitter) sortedLocked() []string {
	names := make([]string, 0, len(e.supported))
	for name := range e.supported {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
