// Package taskqueue schedules the deferred ticks that drive jobs. A
// tick is a named task: the name deduplicates redeliveries, and the
// countdown spaces ticks out so polling does not hammer the backends.
package taskqueue

import (
	"context"
	"fmt"
	"sync"
	"time"

	cloudtasks "cloud.google.com/go/cloudtasks/apiv2"
	taskspb "cloud.google.com/go/cloudtasks/apiv2/cloudtaskspb"
	"github.com/pkg/errors"
	"google.golang.org/protobuf/types/known/timestamppb"
)

// Queue enqueues named deferred tasks.
type Queue interface {
	// Enqueue schedules a POST to relativePath after the countdown
	// elapses. The name must be unique; the queue rejects duplicates.
	Enqueue(ctx context.Context, name, relativePath string, countdown time.Duration) error
}

// CloudTasksQueue implements Queue on Cloud Tasks.
type CloudTasksQueue struct {
	client    *cloudtasks.Client
	queuePath string
	targetURL string
}

// NewCloudTasksQueue returns a Queue delivering to targetURL, e.g.
// the service's own /api/run handler prefix.
func NewCloudTasksQueue(client *cloudtasks.Client, project, location, queue, targetURL string) *CloudTasksQueue {
	return &CloudTasksQueue{
		client:    client,
		queuePath: fmt.Sprintf("projects/%s/locations/%s/queues/%s", project, location, queue),
		targetURL: targetURL,
	}
}

// Enqueue implements Queue.
func (q *CloudTasksQueue) Enqueue(ctx context.Context, name, relativePath string, countdown time.Duration) error {
	req := &taskspb.CreateTaskRequest{
		Parent: q.queuePath,
		Task: &taskspb.Task{
			Name:         fmt.Sprintf("%s/tasks/%s", q.queuePath, name),
			ScheduleTime: timestamppb.New(time.Now().Add(countdown)),
			MessageType: &taskspb.Task_HttpRequest{
				HttpRequest: &taskspb.HttpRequest{
					HttpMethod: taskspb.HttpMethod_POST,
					Url:        q.targetURL + relativePath,
				},
			},
		},
	}
	if _, err := q.client.CreateTask(ctx, req); err != nil {
		return errors.Wrapf(err, "enqueuing task %s", name)
	}
	return nil
}

var _ Queue = (*CloudTasksQueue)(nil)

// Task is one enqueued task recorded by the memory queue.
type Task struct {
	Name      string
	Path      string
	Countdown time.Duration
}

// MemoryQueue is an in-process Queue for tests and local runs.
type MemoryQueue struct {
	mtx   sync.Mutex
	tasks []Task
	names map[string]bool
}

// NewMemoryQueue returns an empty MemoryQueue.
func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{names: map[string]bool{}}
}

// Enqueue implements Queue.
func (q *MemoryQueue) Enqueue(ctx context.Context, name, relativePath string, countdown time.Duration) error {
	q.mtx.Lock()
	defer q.mtx.Unlock()
	if q.names[name] {
		return errors.Errorf("a task named %s is already enqueued", name)
	}
	q.names[name] = true
	q.tasks = append(q.tasks, Task{Name: name, Path: relativePath, Countdown: countdown})
	return nil
}

// Tasks returns every task enqueued so far, oldest first.
func (q *MemoryQueue) Tasks() []Task {
	q.mtx.Lock()
	defer q.mtx.Unlock()
	return append([]Task{}, q.tasks...)
}

var _ Queue = (*MemoryQueue)(nil)
