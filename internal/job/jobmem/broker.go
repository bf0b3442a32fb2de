package jobmem

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/k11v/pages/internal/job"
)

var _ job.Broker = (*Broker)(nil)

// Broker is a work queue held in memory.
// Received messages stay invisible until they are settled.
type Broker struct {
	mu       sync.Mutex
	ready    []*message
	inflight map[int]*message
	nextTag  int
	notify   chan struct{}

	acked       []string
	deadLetters []string

	// SendHook, if set, runs before sending and aborts it with its error.
	SendHook func(id string) error
}

type message struct {
	tag     int
	body    []byte
	attempt int
}

func NewBroker() *Broker {
	return &Broker{
		inflight: make(map[int]*message),
		notify:   make(chan struct{}, 1),
	}
}

func (b *Broker) SendBuildTask(_ context.Context, id string) error {
	if b.SendHook != nil {
		if err := b.SendHook(id); err != nil {
			return err
		}
	}
	body, err := job.EncodeBuildTaskMessage(id)
	if err != nil {
		return fmt.Errorf("jobmem.Broker: %w", err)
	}
	b.Publish(body)
	return nil
}

// Publish enqueues a raw message body.
func (b *Broker) Publish(body []byte) {
	b.mu.Lock()
	b.nextTag++
	b.ready = append(b.ready, &message{tag: b.nextTag, body: body, attempt: 1})
	b.mu.Unlock()
	b.wake()
}

func (b *Broker) wake() {
	select {
	case b.notify <- struct{}{}:
	default:
	}
}

func (b *Broker) ReceiveBuildTasks(ctx context.Context, params *job.ReceiveParams) ([]*job.Delivery, error) {
	timer := time.NewTimer(params.Wait)
	defer timer.Stop()

	for {
		if deliveries := b.take(params.Max); len(deliveries) > 0 {
			return deliveries, nil
		}
		select {
		case <-b.notify:
		case <-timer.C:
			return nil, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (b *Broker) take(max int) []*job.Delivery {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := min(max, len(b.ready))
	deliveries := make([]*job.Delivery, 0, n)
	for _, m := range b.ready[:n] {
		b.inflight[m.tag] = m
		deliveries = append(deliveries, &job.Delivery{
			Body:         m.body,
			Attempt:      m.attempt,
			Acknowledger: &acknowledger{broker: b, tag: m.tag},
		})
	}
	b.ready = b.ready[n:]
	return deliveries
}

// Acked returns the bodies of acknowledged messages, in order.
func (b *Broker) Acked() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.acked...)
}

// DeadLetters returns the bodies of dead-lettered messages, in order.
func (b *Broker) DeadLetters() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.deadLetters...)
}

// Len returns the number of ready and in-flight messages.
func (b *Broker) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.ready) + len(b.inflight)
}

type acknowledger struct {
	broker *Broker
	tag    int
}

func (a *acknowledger) settle() (*message, error) {
	m, found := a.broker.inflight[a.tag]
	if !found {
		return nil, fmt.Errorf("jobmem.Broker: delivery %d already settled", a.tag)
	}
	delete(a.broker.inflight, a.tag)
	return m, nil
}

func (a *acknowledger) Ack(context.Context) error {
	a.broker.mu.Lock()
	defer a.broker.mu.Unlock()
	m, err := a.settle()
	if err != nil {
		return err
	}
	a.broker.acked = append(a.broker.acked, string(m.body))
	return nil
}

func (a *acknowledger) Retry(context.Context) error {
	a.broker.mu.Lock()
	m, err := a.settle()
	if err != nil {
		a.broker.mu.Unlock()
		return err
	}
	m.attempt++
	a.broker.ready = append(a.broker.ready, m)
	a.broker.mu.Unlock()
	a.broker.wake()
	return nil
}

func (a *acknowledger) DeadLetter(context.Context, string) error {
	a.broker.mu.Lock()
	defer a.broker.mu.Unlock()
	m, err := a.settle()
	if err != nil {
		return err
	}
	a.broker.deadLetters = append(a.broker.deadLetters, string(m.body))
	return nil
}
