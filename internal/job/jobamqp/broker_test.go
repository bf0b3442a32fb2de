package jobamqp

import (
	"context"
	"fmt"
	"log/slog"
	"testing"
	"time"

	"github.com/docker/go-connections/nat"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/k11v/pages/internal/job"
)

func TestBroker(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping test that needs a container in short mode")
	}

	ctx := context.Background()
	url := NewTestBrokerURL(t, ctx)

	t.Run("sends and receives build tasks", func(t *testing.T) {
		broker := newTestBroker(t, url, "sends.and.receives")

		for _, id := range []string{"aaaaa", "bbbbb"} {
			if err := broker.SendBuildTask(ctx, id); err != nil {
				t.Fatalf("didn't want %q", err)
			}
		}

		deliveries := receiveAtLeast(t, ctx, broker, 2)
		for i, want := range []string{"aaaaa", "bbbbb"} {
			got, err := job.ParseBuildTaskMessage(deliveries[i].Body)
			if err != nil {
				t.Fatalf("didn't want %q", err)
			}
			if got != want {
				t.Fatalf("got %q, want %q", got, want)
			}
			if deliveries[i].Attempt != 1 {
				t.Fatalf("got attempt %d, want 1", deliveries[i].Attempt)
			}
			if err = deliveries[i].Acknowledger.Ack(ctx); err != nil {
				t.Fatalf("didn't want %q", err)
			}
		}

		deliveries, err := broker.ReceiveBuildTasks(ctx, &job.ReceiveParams{Max: 10, Wait: 200 * time.Millisecond})
		if err != nil {
			t.Fatalf("didn't want %q", err)
		}
		if len(deliveries) != 0 {
			t.Fatalf("got %d deliveries after ack, want 0", len(deliveries))
		}
	})

	t.Run("redelivers retried build tasks after the retry delay", func(t *testing.T) {
		broker := newTestBroker(t, url, "redelivers")

		if err := broker.SendBuildTask(ctx, "ccccc"); err != nil {
			t.Fatalf("didn't want %q", err)
		}

		deliveries := receiveAtLeast(t, ctx, broker, 1)
		if err := deliveries[0].Acknowledger.Retry(ctx); err != nil {
			t.Fatalf("didn't want %q", err)
		}

		deliveries = receiveAtLeast(t, ctx, broker, 1)
		if got, want := deliveries[0].Attempt, 2; got != want {
			t.Fatalf("got attempt %d, want %d", got, want)
		}
		if err := deliveries[0].Acknowledger.Ack(ctx); err != nil {
			t.Fatalf("didn't want %q", err)
		}
	})

	t.Run("moves dead-lettered build tasks to the failed queue", func(t *testing.T) {
		broker := newTestBroker(t, url, "dead.letters")

		if err := broker.SendBuildTask(ctx, "ddddd"); err != nil {
			t.Fatalf("didn't want %q", err)
		}

		deliveries := receiveAtLeast(t, ctx, broker, 1)
		if err := deliveries[0].Acknowledger.DeadLetter(ctx, "build failed"); err != nil {
			t.Fatalf("didn't want %q", err)
		}

		conn, err := broker.publisherConn()
		if err != nil {
			t.Fatalf("didn't want %q", err)
		}
		ch, err := conn.Channel()
		if err != nil {
			t.Fatalf("didn't want %q", err)
		}
		defer ch.Close()

		var failed []byte
		deadline := time.Now().Add(10 * time.Second)
		for failed == nil && time.Now().Before(deadline) {
			m, ok, err := ch.Get(broker.topology.FailedQueue, true)
			if err != nil {
				t.Fatalf("didn't want %q", err)
			}
			if ok {
				failed = m.Body
				if got, want := m.Headers[headerFailureReason], "build failed"; got != want {
					t.Fatalf("got %v, want %v", got, want)
				}
				if got, want := m.MessageId, "ddddd"; got != want {
					t.Fatalf("got %q, want %q", got, want)
				}
				if got, want := m.Headers[headerGroupID], "ddddd"; got != want {
					t.Fatalf("got %v, want %v", got, want)
				}
				if _, found := m.Headers["x-deduplication-header"]; found {
					t.Fatalf("got x-deduplication-header, want none")
				}
				break
			}
			time.Sleep(50 * time.Millisecond)
		}
		id, err := job.ParseBuildTaskMessage(failed)
		if err != nil {
			t.Fatalf("didn't want %q", err)
		}
		if got, want := id, "ddddd"; got != want {
			t.Fatalf("got %q, want %q", got, want)
		}
	})
}

func newTestBroker(tb testing.TB, url, queue string) *Broker {
	tb.Helper()

	broker := NewBroker(&Config{URL: url, Queue: queue, RetryDelay: 100 * time.Millisecond}, "test", slog.Default())
	tb.Cleanup(func() {
		_ = broker.Close()
	})
	if err := broker.Setup(); err != nil {
		tb.Fatalf("didn't want %q", err)
	}
	return broker
}

func receiveAtLeast(tb testing.TB, ctx context.Context, broker *Broker, n int) []*job.Delivery {
	tb.Helper()

	var all []*job.Delivery
	deadline := time.Now().Add(30 * time.Second)
	for len(all) < n && time.Now().Before(deadline) {
		deliveries, err := broker.ReceiveBuildTasks(ctx, &job.ReceiveParams{Max: 10, Wait: time.Second})
		if err != nil {
			tb.Fatalf("didn't want %q", err)
		}
		all = append(all, deliveries...)
	}
	if len(all) < n {
		tb.Fatalf("got %d deliveries, want at least %d", len(all), n)
	}
	return all
}

func NewTestBrokerURL(tb testing.TB, ctx context.Context) string {
	tb.Helper()

	username := "guest"
	password := "guest"

	req := testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image: "rabbitmq:4.0-alpine",
			Env: map[string]string{
				"RABBITMQ_DEFAULT_USER": username,
				"RABBITMQ_DEFAULT_PASS": password,
			},
			ExposedPorts: []string{"5672/tcp"},
			WaitingFor:   wait.ForLog(".*Server startup complete.*").AsRegexp().WithStartupTimeout(60 * time.Second),
		},
		Started: true,
	}

	c, err := testcontainers.GenericContainer(ctx, req)
	testcontainers.CleanupContainer(tb, c)
	if err != nil {
		tb.Fatalf("didn't want %q", err)
	}

	endpoint, err := c.PortEndpoint(ctx, nat.Port("5672/tcp"), "")
	if err != nil {
		tb.Fatalf("didn't want %q", err)
	}

	return fmt.Sprintf("amqp://%s:%s@%s", username, password, endpoint)
}
