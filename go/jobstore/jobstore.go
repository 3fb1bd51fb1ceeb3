// Package jobstore persists jobs. Each job is one entity keyed by its
// integer id; the job state travels as an opaque versioned blob, so
// nothing inside it needs to be queryable.
package jobstore

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"cloud.google.com/go/datastore"
	"github.com/pkg/errors"

	"go.chromeperf.org/pinpoint/go/job"
	"go.chromeperf.org/pinpoint/go/quest"
)

const jobKind = "Job"

// ErrNotFound is returned when no job exists under the requested id.
var ErrNotFound = errors.New("no such job")

type jobEntity struct {
	Created        time.Time `datastore:"created"`
	Updated        time.Time `datastore:"updated"`
	TaskName       string    `datastore:"task,noindex"`
	Exception      string    `datastore:"exception,noindex"`
	Arguments      []byte    `datastore:"arguments,noindex"`
	RepeatCount    int       `datastore:"repeat_count,noindex"`
	AutoExplore    bool      `datastore:"auto_explore,noindex"`
	BugID          int64     `datastore:"bug_id"`
	ComparisonMode string    `datastore:"comparison_mode,noindex"`
	Tags           []byte    `datastore:"tags,noindex"`
	User           string    `datastore:"user"`
	State          []byte    `datastore:"state,noindex"`
}

func entityFromJob(j *job.Job) (*jobEntity, error) {
	state, err := j.State.Encode()
	if err != nil {
		return nil, err
	}
	arguments, err := json.Marshal(j.Arguments)
	if err != nil {
		return nil, errors.Wrap(err, "encoding job arguments")
	}
	tags, err := json.Marshal(j.Tags)
	if err != nil {
		return nil, errors.Wrap(err, "encoding job tags")
	}
	return &jobEntity{
		Created:        j.Created,
		Updated:        j.Updated,
		TaskName:       j.TaskName,
		Exception:      j.Exception,
		Arguments:      arguments,
		RepeatCount:    j.RepeatCount,
		AutoExplore:    j.AutoExplore,
		BugID:          j.BugID,
		ComparisonMode: string(j.ComparisonMode),
		Tags:           tags,
		User:           j.User,
		State:          state,
	}, nil
}

func jobFromEntity(id int64, e *jobEntity, deps *quest.Deps) (*job.Job, error) {
	state, err := job.DecodeState(e.State, deps)
	if err != nil {
		return nil, err
	}
	j := &job.Job{
		ID:             id,
		Created:        e.Created,
		Updated:        e.Updated,
		TaskName:       e.TaskName,
		Exception:      e.Exception,
		RepeatCount:    e.RepeatCount,
		AutoExplore:    e.AutoExplore,
		BugID:          e.BugID,
		ComparisonMode: job.ComparisonMode(e.ComparisonMode),
		User:           e.User,
		State:          state,
	}
	if len(e.Arguments) > 0 {
		if err := json.Unmarshal(e.Arguments, &j.Arguments); err != nil {
			return nil, errors.Wrap(err, "decoding job arguments")
		}
	}
	if len(e.Tags) > 0 {
		if err := json.Unmarshal(e.Tags, &j.Tags); err != nil {
			return nil, errors.Wrap(err, "decoding job tags")
		}
	}
	return j, nil
}

// DatastoreStore implements job.Store on Cloud Datastore.
type DatastoreStore struct {
	client *datastore.Client
	deps   *quest.Deps
}

// NewDatastoreStore returns a store backed by the given client. deps
// is re-bound into every decoded job's quests and executions.
func NewDatastoreStore(client *datastore.Client, deps *quest.Deps) *DatastoreStore {
	return &DatastoreStore{client: client, deps: deps}
}

// AllocateID implements job.Store.
func (d *DatastoreStore) AllocateID(ctx context.Context) (int64, error) {
	keys, err := d.client.AllocateIDs(ctx, []*datastore.Key{datastore.IncompleteKey(jobKind, nil)})
	if err != nil {
		return 0, errors.Wrap(err, "allocating a job id")
	}
	return keys[0].ID, nil
}

// Get implements job.Store.
func (d *DatastoreStore) Get(ctx context.Context, id int64) (*job.Job, error) {
	var e jobEntity
	if err := d.client.Get(ctx, datastore.IDKey(jobKind, id, nil), &e); err != nil {
		if err == datastore.ErrNoSuchEntity {
			return nil, ErrNotFound
		}
		return nil, errors.Wrapf(err, "loading job %x", id)
	}
	return jobFromEntity(id, &e, d.deps)
}

// Put implements job.Store.
func (d *DatastoreStore) Put(ctx context.Context, j *job.Job) error {
	e, err := entityFromJob(j)
	if err != nil {
		return err
	}
	if _, err := d.client.Put(ctx, datastore.IDKey(jobKind, j.ID, nil), e); err != nil {
		return errors.Wrapf(err, "saving job %s", j.JobID())
	}
	return nil
}

var _ job.Store = (*DatastoreStore)(nil)

// MemoryStore implements job.Store in process, for tests and local
// runs. Jobs round-trip through the same serialised form the datastore
// store uses, so decoding bugs surface in tests too.
type MemoryStore struct {
	mtx    sync.Mutex
	nextID int64
	jobs   map[int64]*jobEntity
	deps   *quest.Deps
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore(deps *quest.Deps) *MemoryStore {
	return &MemoryStore{jobs: map[int64]*jobEntity{}, deps: deps}
}

// AllocateID implements job.Store.
func (m *MemoryStore) AllocateID(ctx context.Context) (int64, error) {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	m.nextID++
	return m.nextID, nil
}

// Get implements job.Store.
func (m *MemoryStore) Get(ctx context.Context, id int64) (*job.Job, error) {
	m.mtx.Lock()
	e, ok := m.jobs[id]
	m.mtx.Unlock()
	if !ok {
		return nil, ErrNotFound
	}
	return jobFromEntity(id, e, m.deps)
}

// Put implements job.Store.
func (m *MemoryStore) Put(ctx context.Context, j *job.Job) error {
	e, err := entityFromJob(j)
	if err != nil {
		return err
	}
	m.mtx.Lock()
	defer m.mtx.Unlock()
	m.jobs[j.ID] = e
	return nil
}

var _ job.Store = (*MemoryStore)(nil)
