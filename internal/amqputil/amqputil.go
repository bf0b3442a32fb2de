package amqputil

import (
	"fmt"
	"time"

	"github.com/rabbitmq/amqp091-go"
)

type QueueDeclareParams struct {
	Name       string
	Durable    bool
	AutoDelete bool
	Exclusive  bool
	NoWait     bool
	Args       amqp091.Table
}

// Topology names the queues of a work queue with delayed retries.
//
// Rejected messages of Queue are dead-lettered into RetryQueue, held there
// for RetryDelay and dead-lettered back into Queue.
// FailedQueue collects messages that won't be retried.
type Topology struct {
	Queue       string
	RetryQueue  string
	FailedQueue string
	RetryDelay  time.Duration
}

// NewTopology derives the retry and failed queue names from queue.
func NewTopology(queue string, retryDelay time.Duration) Topology {
	return Topology{
		Queue:       queue,
		RetryQueue:  queue + ".retry",
		FailedQueue: queue + ".failed",
		RetryDelay:  retryDelay,
	}
}

func (t Topology) queueDeclareParams() []*QueueDeclareParams {
	return []*QueueDeclareParams{
		{
			Name:    t.Queue,
			Durable: true,
			Args: amqp091.Table{
				"x-dead-letter-exchange":    "",
				"x-dead-letter-routing-key": t.RetryQueue,
			},
		},
		{
			Name:    t.RetryQueue,
			Durable: true,
			Args: amqp091.Table{
				"x-message-ttl":             t.RetryDelay.Milliseconds(),
				"x-dead-letter-exchange":    "",
				"x-dead-letter-routing-key": t.Queue,
			},
		},
		{
			Name:    t.FailedQueue,
			Durable: true,
		},
	}
}

// Declare declares every queue of t on ch.
// It is idempotent as long as the queue arguments don't change.
func (t Topology) Declare(ch *amqp091.Channel) error {
	for _, p := range t.queueDeclareParams() {
		_, err := ch.QueueDeclare(p.Name, p.Durable, p.AutoDelete, p.Exclusive, p.NoWait, p.Args)
		if err != nil {
			return fmt.Errorf("amqputil: declare %s: %w", p.Name, err)
		}
	}
	return nil
}

// Dial opens a connection that shows up as name in the broker's management tools.
func Dial(url, name string) (*amqp091.Connection, error) {
	props := amqp091.NewConnectionProperties()
	props.SetClientConnectionName(name)

	conn, err := amqp091.DialConfig(url, amqp091.Config{
		Heartbeat:  10 * time.Second,
		Properties: props,
	})
	if err != nil {
		return nil, fmt.Errorf("amqputil: dial: %w", err)
	}
	return conn, nil
}

// DeathCount returns how many times a message was dead-lettered from queue
// for reason, according to its x-death header.
func DeathCount(headers amqp091.Table, queue, reason string) int {
	deaths, ok := headers["x-death"].([]interface{})
	if !ok {
		return 0
	}
	for _, d := range deaths {
		death, ok := d.(amqp091.Table)
		if !ok {
			continue
		}
		if death["queue"] != queue || death["reason"] != reason {
			continue
		}
		switch count := death["count"].(type) {
		case int64:
			return int(count)
		case int32:
			return int(count)
		case int:
			return count
		}
	}
	return 0
}
