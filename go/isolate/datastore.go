package isolate

import (
	"context"
	"time"

	"cloud.google.com/go/datastore"
	"github.com/pkg/errors"
)

const (
	isolateKind      = "Isolate"
	pendingBuildKind = "PendingBuild"
)

type isolateEntity struct {
	IsolateServer string    `datastore:"isolate_server,noindex"`
	IsolateHash   string    `datastore:"isolate_hash,noindex"`
	Created       time.Time `datastore:"created"`
}

// DatastoreCache implements Cache on Cloud Datastore.
type DatastoreCache struct {
	client *datastore.Client
}

// NewDatastoreCache returns a Cache backed by the given datastore
// client.
func NewDatastoreCache(c *datastore.Client) *DatastoreCache {
	return &DatastoreCache{client: c}
}

// Get implements Cache.
func (d *DatastoreCache) Get(ctx context.Context, builder, changeID, target string) (string, string, error) {
	key := datastore.NameKey(isolateKind, cacheKey(builder, changeID, target), nil)
	var e isolateEntity
	if err := d.client.Get(ctx, key, &e); err != nil {
		if err == datastore.ErrNoSuchEntity {
			return "", "", ErrNotFound
		}
		return "", "", errors.Wrap(err, "looking up isolate")
	}
	return e.IsolateServer, e.IsolateHash, nil
}

// Put implements Cache. Each entry is written in its own transaction so
// that an already-present key is left alone.
func (d *DatastoreCache) Put(ctx context.Context, entries []Entry) error {
	for _, entry := range entries {
		key := datastore.NameKey(isolateKind, cacheKey(entry.Builder, entry.ChangeID, entry.Target), nil)
		e := isolateEntity{
			IsolateServer: entry.IsolateServer,
			IsolateHash:   entry.IsolateHash,
			Created:       time.Now().UTC(),
		}
		_, err := d.client.RunInTransaction(ctx, func(tx *datastore.Transaction) error {
			var existing isolateEntity
			err := tx.Get(key, &existing)
			if err == nil {
				return nil
			}
			if err != datastore.ErrNoSuchEntity {
				return err
			}
			_, err = tx.Put(key, &e)
			return err
		})
		if err != nil {
			return errors.Wrap(err, "storing isolate")
		}
	}
	return nil
}

var _ Cache = (*DatastoreCache)(nil)

type pendingBuildEntity struct {
	BuildID int64     `datastore:"build_id,noindex"`
	Created time.Time `datastore:"created"`
}

// DatastoreBuildIndex implements BuildIndex on Cloud Datastore.
type DatastoreBuildIndex struct {
	client *datastore.Client
}

// NewDatastoreBuildIndex returns a BuildIndex backed by the given
// datastore client.
func NewDatastoreBuildIndex(c *datastore.Client) *DatastoreBuildIndex {
	return &DatastoreBuildIndex{client: c}
}

// PutIfAbsent implements BuildIndex.
func (d *DatastoreBuildIndex) PutIfAbsent(ctx context.Context, builder, changeID, target string, buildID int64) (int64, error) {
	key := datastore.NameKey(pendingBuildKind, cacheKey(builder, changeID, target), nil)
	winner := buildID
	_, err := d.client.RunInTransaction(ctx, func(tx *datastore.Transaction) error {
		var existing pendingBuildEntity
		err := tx.Get(key, &existing)
		if err == nil {
			winner = existing.BuildID
			return nil
		}
		if err != datastore.ErrNoSuchEntity {
			return err
		}
		_, err = tx.Put(key, &pendingBuildEntity{
			BuildID: buildID,
			Created: time.Now().UTC(),
		})
		return err
	})
	if err != nil {
		return 0, errors.Wrap(err, "recording pending build")
	}
	return winner, nil
}

// Get implements BuildIndex.
func (d *DatastoreBuildIndex) Get(ctx context.Context, builder, changeID, target string) (int64, error) {
	key := datastore.NameKey(pendingBuildKind, cacheKey(builder, changeID, target), nil)
	var e pendingBuildEntity
	if err := d.client.Get(ctx, key, &e); err != nil {
		if err == datastore.ErrNoSuchEntity {
			return 0, ErrNoPendingBuild
		}
		return 0, errors.Wrap(err, "looking up pending build")
	}
	return e.BuildID, nil
}

// Delete implements BuildIndex.
func (d *DatastoreBuildIndex) Delete(ctx context.Context, builder, changeID, target string) error {
	key := datastore.NameKey(pendingBuildKind, cacheKey(builder, changeID, target), nil)
	if err := d.client.Delete(ctx, key); err != nil && err != datastore.ErrNoSuchEntity {
		return errors.Wrap(err, "deleting pending build")
	}
	return nil
}

var _ BuildIndex = (*DatastoreBuildIndex)(nil)
