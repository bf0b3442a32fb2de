package jobamqp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rabbitmq/amqp091-go"

	"github.com/k11v/pages/internal/amqputil"
	"github.com/k11v/pages/internal/job"
)

// Config holds the work queue configuration.
type Config struct {
	URL        string        `env:"URL,notEmpty"`
	Queue      string        `env:"QUEUE" envDefault:"build.tasks"`
	RetryDelay time.Duration `env:"RETRY_DELAY" envDefault:"30s"`
}

const (
	headerGroupID       = "group_id"
	headerFailureReason = "x-failure-reason"
	contentTypeJSON     = "application/json"
	deathReasonRejected = "rejected"
	defaultName         = "pages"
)

var _ job.Broker = (*Broker)(nil)

// Broker is a RabbitMQ work queue.
// Publishing and consuming use separate connections that are redialed on failure.
type Broker struct {
	url      string            // required
	topology amqputil.Topology // required
	name     string
	log      *slog.Logger

	pubMu   sync.Mutex
	pubConn *amqp091.Connection

	consMu     sync.Mutex
	consConn   *amqp091.Connection
	consCh     *amqp091.Channel
	deliveries <-chan amqp091.Delivery
	prefetch   int
}

func NewBroker(cfg *Config, name string, log *slog.Logger) *Broker {
	if name == "" {
		name = defaultName
	}
	return &Broker{
		url:      cfg.URL,
		topology: amqputil.NewTopology(cfg.Queue, cfg.RetryDelay),
		name:     name,
		log:      log.With("component", "broker"),
	}
}

// Setup declares the queue topology.
func (b *Broker) Setup() error {
	conn, err := b.publisherConn()
	if err != nil {
		return fmt.Errorf("jobamqp.Broker: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("jobamqp.Broker: %w", err)
	}
	defer ch.Close()

	if err = b.topology.Declare(ch); err != nil {
		return fmt.Errorf("jobamqp.Broker: %w", err)
	}
	return nil
}

// SendBuildTask implements job.Broker.
func (b *Broker) SendBuildTask(ctx context.Context, id string) error {
	body, err := job.EncodeBuildTaskMessage(id)
	if err != nil {
		return fmt.Errorf("jobamqp.Broker: %w", err)
	}

	msg := amqp091.Publishing{
		ContentType:   contentTypeJSON,
		DeliveryMode:  amqp091.Persistent,
		MessageId:     id,
		CorrelationId: uuid.NewString(),
		Timestamp:     time.Now().UTC(),
		// RabbitMQ doesn't deduplicate. The worker collapses duplicate ids within a batch
		// and skips jobs that are already built.
		Headers: amqp091.Table{
			headerGroupID: id,
		},
		Body: body,
	}
	if err = b.publish(ctx, b.topology.Queue, msg); err != nil {
		return fmt.Errorf("jobamqp.Broker: send %s: %w", id, err)
	}
	return nil
}

// publish sends msg to queue through the default exchange and waits for the broker's confirmation.
func (b *Broker) publish(ctx context.Context, queue string, msg amqp091.Publishing) error {
	conn, err := b.publisherConn()
	if err != nil {
		return err
	}

	ch, err := conn.Channel()
	if err != nil {
		b.resetPublisher()
		return err
	}
	defer ch.Close()

	if err = ch.Confirm(false); err != nil {
		return err
	}

	confirmation, err := ch.PublishWithDeferredConfirmWithContext(ctx,
		"",    // exchange
		queue, // routing key
		false, // mandatory
		false, // immediate
		msg,
	)
	if err != nil {
		return err
	}

	acked, err := confirmation.WaitContext(ctx)
	if err != nil {
		return err
	}
	if !acked {
		return errors.New("publish not confirmed")
	}
	return nil
}

func (b *Broker) publisherConn() (*amqp091.Connection, error) {
	b.pubMu.Lock()
	defer b.pubMu.Unlock()

	if b.pubConn != nil && !b.pubConn.IsClosed() {
		return b.pubConn, nil
	}
	conn, err := amqputil.Dial(b.url, b.name+"-publisher")
	if err != nil {
		return nil, err
	}
	b.pubConn = conn
	return conn, nil
}

func (b *Broker) resetPublisher() {
	b.pubMu.Lock()
	defer b.pubMu.Unlock()
	if b.pubConn != nil {
		_ = b.pubConn.Close()
		b.pubConn = nil
	}
}

// ReceiveBuildTasks implements job.Broker.
// It waits up to params.Wait for the first delivery, then takes the deliveries
// that are already available, up to params.Max.
func (b *Broker) ReceiveBuildTasks(ctx context.Context, params *job.ReceiveParams) ([]*job.Delivery, error) {
	deliveries, err := b.consume(params.Max)
	if err != nil {
		return nil, fmt.Errorf("jobamqp.Broker: receive: %w", err)
	}

	timer := time.NewTimer(params.Wait)
	defer timer.Stop()

	var first amqp091.Delivery
	select {
	case d, ok := <-deliveries:
		if !ok {
			b.resetConsumer()
			return nil, errors.New("jobamqp.Broker: receive: delivery channel is closed")
		}
		first = d
	case <-timer.C:
		return nil, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	batch := []*job.Delivery{b.newDelivery(first)}
	for len(batch) < params.Max {
		select {
		case d, ok := <-deliveries:
			if !ok {
				b.resetConsumer()
				return batch, nil
			}
			batch = append(batch, b.newDelivery(d))
		default:
			return batch, nil
		}
	}
	return batch, nil
}

func (b *Broker) consume(prefetch int) (<-chan amqp091.Delivery, error) {
	b.consMu.Lock()
	defer b.consMu.Unlock()

	if b.consCh != nil && !b.consCh.IsClosed() && b.prefetch == prefetch {
		return b.deliveries, nil
	}
	b.closeConsumerLocked()

	conn, err := amqputil.Dial(b.url, b.name+"-consumer")
	if err != nil {
		return nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	if err = b.topology.Declare(ch); err != nil {
		_ = conn.Close()
		return nil, err
	}
	if err = ch.Qos(prefetch, 0, false); err != nil {
		_ = conn.Close()
		return nil, err
	}
	deliveries, err := ch.Consume(
		b.topology.Queue,            // queue
		b.name+"-"+uuid.NewString(), // consumer
		false,                       // auto-ack
		false,                       // exclusive
		false,                       // no-local
		false,                       // no-wait
		nil,                         // args
	)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}

	b.log.Info("started consuming", "queue", b.topology.Queue, "prefetch", prefetch)
	b.consConn, b.consCh, b.deliveries, b.prefetch = conn, ch, deliveries, prefetch
	return deliveries, nil
}

func (b *Broker) resetConsumer() {
	b.consMu.Lock()
	defer b.consMu.Unlock()
	b.closeConsumerLocked()
}

func (b *Broker) closeConsumerLocked() {
	if b.consConn != nil {
		_ = b.consConn.Close()
	}
	b.consConn, b.consCh, b.deliveries = nil, nil, nil
}

// Close closes both connections. Unsettled deliveries return to the queue.
func (b *Broker) Close() error {
	b.resetConsumer()
	b.resetPublisher()
	return nil
}

func (b *Broker) newDelivery(d amqp091.Delivery) *job.Delivery {
	return &job.Delivery{
		Body:         d.Body,
		Attempt:      1 + amqputil.DeathCount(d.Headers, b.topology.Queue, deathReasonRejected),
		Acknowledger: &acknowledger{broker: b, delivery: d},
	}
}

type acknowledger struct {
	broker   *Broker          // required
	delivery amqp091.Delivery // required
}

func (a *acknowledger) Ack(context.Context) error {
	if err := a.delivery.Ack(false); err != nil {
		return fmt.Errorf("jobamqp.Broker: ack: %w", err)
	}
	return nil
}

// Retry rejects the delivery so that the queue dead-letters it into the retry queue.
func (a *acknowledger) Retry(context.Context) error {
	if err := a.delivery.Nack(false, false); err != nil {
		return fmt.Errorf("jobamqp.Broker: retry: %w", err)
	}
	return nil
}

// DeadLetter copies the delivery into the failed queue before acknowledging it.
// If the copy fails, the delivery is left unsettled and comes back after a reconnect.
func (a *acknowledger) DeadLetter(ctx context.Context, reason string) error {
	headers := amqp091.Table{}
	for k, v := range a.delivery.Headers {
		headers[k] = v
	}
	headers[headerFailureReason] = reason

	msg := amqp091.Publishing{
		ContentType:   a.delivery.ContentType,
		DeliveryMode:  amqp091.Persistent,
		MessageId:     a.delivery.MessageId,
		CorrelationId: a.delivery.CorrelationId,
		Timestamp:     time.Now().UTC(),
		Headers:       headers,
		Body:          a.delivery.Body,
	}
	if err := a.broker.publish(ctx, a.broker.topology.FailedQueue, msg); err != nil {
		return fmt.Errorf("jobamqp.Broker: dead letter: %w", err)
	}
	if err := a.delivery.Ack(false); err != nil {
		return fmt.Errorf("jobamqp.Broker: dead letter: %w", err)
	}
	return nil
}
