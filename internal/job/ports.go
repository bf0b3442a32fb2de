package job

import (
	"context"
	"io"
	"time"
)

// StatusStore keeps job statuses.
// Implementations must be safe for concurrent use.
type StatusStore interface {
	// Create stores a new job in StatusPending.
	// It returns ErrIDTaken if the id is already in use.
	Create(ctx context.Context, params *CreateParams) (*Job, error)

	// Get returns ErrNotFound for ids that were never created.
	Get(ctx context.Context, id string) (*Job, error)

	// Transition moves the job to status to.
	// It returns ErrNotFound or an error wrapping ErrInvalidTransition.
	Transition(ctx context.Context, id string, to Status) (*Job, error)
}

type CreateParams struct {
	ID        string
	SourceURL string
}

// Object is an object store entry opened for reading.
type Object struct {
	Body          io.ReadCloser
	ContentLength int64 // -1 if unknown
}

// Storage is the shared object store.
// Writes to a single key are last writer wins. Nothing else is assumed.
type Storage interface {
	PutObject(ctx context.Context, key string, body io.Reader) error

	// GetObject returns ErrNotFound if the key doesn't exist.
	// The caller closes Object.Body.
	GetObject(ctx context.Context, key string) (*Object, error)

	// ListObjects returns every key under prefix.
	ListObjects(ctx context.Context, prefix string) ([]string, error)

	DeleteObjects(ctx context.Context, keys []string) error
}

// Broker is the shared work queue.
type Broker interface {
	// SendBuildTask enqueues exactly one build task for job id.
	// The id is also the deduplication and group key.
	SendBuildTask(ctx context.Context, id string) error

	// ReceiveBuildTasks blocks for up to params.Wait and returns 0..params.Max deliveries.
	ReceiveBuildTasks(ctx context.Context, params *ReceiveParams) ([]*Delivery, error)
}

type ReceiveParams struct {
	Max  int
	Wait time.Duration
}

// BuildTaskMessage is the queue message body.
type BuildTaskMessage struct {
	ID string `json:"id"`
}

// Delivery is a received build task that must be settled exactly once
// with Ack, Retry or DeadLetter.
type Delivery struct {
	Body    []byte
	Attempt int // 1 on first delivery

	Acknowledger Acknowledger // required
}

type Acknowledger interface {
	// Ack removes the message from the queue.
	Ack(ctx context.Context) error

	// Retry returns the message to the queue for redelivery after the queue's retry delay.
	Retry(ctx context.Context) error

	// DeadLetter moves the message to the failure path and removes it from the queue.
	DeadLetter(ctx context.Context, reason string) error
}
