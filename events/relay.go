package events

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/dubu/turbo-nfc/bridge"
)

const (
	defaultQueueSize      = 64
	defaultPublishTimeout = 2 * time.Second
)

var metricRelayed = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "turbonfc",
	Name:      "events_relayed_total",
	Help:      "Events handed to broker sinks, by sink and outcome.",
}, []string{"sink", "outcome"})

// ErrRelayStarted is returned by Start on a running relay.
var ErrRelayStarted = errors.New("relay already started")

// Relay forwards emitter events to sinks. Each sink is fed from its own
// queue; a full queue drops the event rather than stalling emission.
type Relay struct {
	emitter        *bridge.Emitter
	sinks          []Sink
	queueSize      int
	publishTimeout time.Duration

	mu        sync.Mutex
	queues    []chan bridge.Event
	listeners int
	unsub     func()
	wg        sync.WaitGroup
}

func NewRelay(emitter *bridge.Emitter, sinks ...Sink) *Relay {
	return &Relay{
		emitter:        emitter,
		sinks:          sinks,
		queueSize:      defaultQueueSize,
		publishTimeout: defaultPublishTimeout,
	}
}

// Sinks returns the configured sinks.
func (r *Relay) Sinks() []Sink {
	return r.sinks
}

// Start registers one listener per supported event, so events are emitted
// even when no runtime is connected, and starts the sink workers.
func (r *Relay) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.unsub != nil {
		return ErrRelayStarted
	}
	if len(r.sinks) == 0 {
		return nil
	}

	for _, name := range r.emitter.SupportedEvents() {
		if err := r.emitter.AddListener(name); err != nil {
			return err
		}
		r.listeners++
	}

	r.queues = make([]chan bridge.Event, len(r.sinks))
	for i, sink := range r.sinks {
		q := make(chan bridge.Event, r.queueSize)
		r.queues[i] = q
		r.wg.Add(1)
		go r.drain(sink, q)
	}

	r.unsub = r.emitter.Subscribe(r.enqueue)
	logger.Printf("relaying events to %d sink(s)", len(r.sinks))
	return nil
}

// enqueue runs on the emitting goroutine. Stop closes the queues under
// the same lock.
func (r *Relay) enqueue(ev bridge.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, q := range r.queues {
		select {
		case q <- ev:
		default:
			metricRelayed.WithLabelValues(r.sinks[i].Name(), "dropped").Inc()
			logger.Printf("%s queue full, dropping %s", r.sinks[i].Name(), ev.Name)
		}
	}
}

func (r *Relay) drain(sink Sink, q <-chan bridge.Event) {
	defer r.wg.Done()
	for ev := range q {
		ctx, cancel := context.WithTimeout(context.Background(), r.publishTimeout)
		err := sink.Publish(ctx, ev)
		cancel()
		if err != nil {
			metricRelayed.WithLabelValues(sink.Name(), "failed").Inc()
			logger.Printf("%s: publish %s: %v", sink.Name(), ev.Name, err)
			continue
		}
		metricRelayed.WithLabelValues(sink.Name(), "published").Inc()
	}
}

// Stop unsubscribes, releases the listeners taken by Start, flushes the
// queues and closes every sink.
func (r *Relay) Stop() error {
	r.mu.Lock()
	if r.unsub != nil {
		r.unsub()
		r.unsub = nil
		r.emitter.RemoveListeners(r.listeners)
		r.listeners = 0
		for _, q := range r.queues {
			close(q)
		}
		r.queues = nil
	}
	r.mu.Unlock()

	r.wg.Wait()

	var errs []error
	for _, sink := range r.sinks {
		if err := sink.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
