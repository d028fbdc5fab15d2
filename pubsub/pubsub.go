package pubsub

import (
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Every payload needs a type to distinguish what kind of update it is.
type Payload interface {
	Type() string
}

// Listener represents the common functions required by all subscription listeners
type Listener interface {
	// Begin listening on this channel with this callback. Blocks until Close() is called.
	Listen(chanName string, fn func(p Payload)) error
	// Close the listener. No more callbacks should fire.
	Close() error
}

// Notifier represents the common functions required by all notifiers
type Notifier interface {
	// Notify chanName that there is a new payload p. Return an error if we failed to send the notification.
	Notify(chanName string, p Payload) error
	// Close is called when we should stop listening.
	Close() error
}

// PubSub is an in-process bus which implements both Notifier and Listener.
// Payloads are delivered to listeners in the order they were published on
// each channel; different channels carry no ordering guarantee relative to
// each other.
type PubSub struct {
	chans      map[string]chan Payload
	mu         *sync.Mutex
	closed     bool
	done       chan struct{}
	bufferSize int
}

func NewPubSub(bufferSize int) *PubSub {
	return &PubSub{
		chans:      make(map[string]chan Payload),
		mu:         &sync.Mutex{},
		done:       make(chan struct{}),
		bufferSize: bufferSize,
	}
}

func (ps *PubSub) getChan(chanName string) (chan Payload, bool) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	if ps.closed {
		return nil, false
	}
	ch := ps.chans[chanName]
	if ch == nil {
		ch = make(chan Payload, ps.bufferSize)
		ps.chans[chanName] = ch
	}
	return ch, true
}

func (ps *PubSub) Notify(chanName string, p Payload) error {
	ch, ok := ps.getChan(chanName)
	if !ok {
		return fmt.Errorf("notify with payload %v on closed pubsub", p.Type())
	}
	select {
	case ch <- p:
		break
	case <-ps.done:
		return fmt.Errorf("notify with payload %v on closed pubsub", p.Type())
	case <-time.After(5 * time.Second):
		return fmt.Errorf("notify with payload %v timed out", p.Type())
	}
	return nil
}

// Close unblocks every Listen and Notify. The payload channels are never
// closed, so a racing Notify can at worst return an error, not panic.
func (ps *PubSub) Close() error {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	if ps.closed {
		return nil
	}
	ps.closed = true
	close(ps.done)
	return nil
}

func (ps *PubSub) Listen(chanName string, fn func(p Payload)) error {
	ch, ok := ps.getChan(chanName)
	if !ok {
		return nil
	}
	for {
		select {
		case payload := <-ch:
			fn(payload)
		case <-ps.done:
			return nil
		}
	}
}

// Wrapper around a Notifier which adds Prometheus metrics
type PromNotifier struct {
	Notifier
	msgCounter *prometheus.CounterVec
}

func (p *PromNotifier) Notify(chanName string, payload Payload) error {
	p.msgCounter.WithLabelValues(payload.Type()).Inc()
	return p.Notifier.Notify(chanName, payload)
}

func (p *PromNotifier) Close() error {
	prometheus.Unregister(p.msgCounter)
	return p.Notifier.Close()
}

// Wrap a notifier for prometheus metrics
func NewPromNotifier(n Notifier, subsystem string) Notifier {
	p := &PromNotifier{
		Notifier: n,
		msgCounter: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "roomlist",
			Subsystem: subsystem,
			Name:      "num_payloads",
			Help:      "Number of payloads published",
		}, []string{"payload_type"}),
	}
	prometheus.MustRegister(p.msgCounter)
	return p
}
