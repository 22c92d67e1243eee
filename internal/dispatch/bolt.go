package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	bucketJobs     = []byte("jobs")
	bucketReady    = []byte("ready")
	bucketDeferred = []byte("deferred")
)

// BoltQueue implements Queue on an embedded BoltDB file. Jobs live in
// the jobs bucket keyed by ID; ready and deferred hold time-sorted
// index keys pointing back at job IDs.
type BoltQueue struct {
	db *bolt.DB
}

// NewBoltQueue opens (or creates) the queue database at path.
func NewBoltQueue(path string) (*BoltQueue, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create queue directory: %w", err)
	}

	db, err := bolt.Open(path, 0600, &bolt.Options{
		Timeout: 5 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open queue database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketJobs, bucketReady, bucketDeferred} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltQueue{db: db}, nil
}

// Enqueue stores a job and indexes it as ready or deferred depending
// on its RunAt.
func (q *BoltQueue) Enqueue(ctx context.Context, job *Job) error {
	return q.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(job)
		if err != nil {
			return fmt.Errorf("failed to marshal job: %w", err)
		}
		if err := tx.Bucket(bucketJobs).Put([]byte(job.ID), data); err != nil {
			return fmt.Errorf("failed to store job: %w", err)
		}

		if job.RunAt.After(time.Now()) {
			indexKey := makeIndexKey(job.RunAt, job.ID)
			if err := tx.Bucket(bucketDeferred).Put(indexKey, []byte(job.ID)); err != nil {
				return fmt.Errorf("failed to add to deferred index: %w", err)
			}
			return nil
		}

		indexKey := makeIndexKey(job.CreatedAt, job.ID)
		if err := tx.Bucket(bucketReady).Put(indexKey, []byte(job.ID)); err != nil {
			return fmt.Errorf("failed to add to ready index: %w", err)
		}
		return nil
	})
}

// Dequeue claims the next due job. Deferred jobs whose time has come
// take priority over the ready backlog.
func (q *BoltQueue) Dequeue(ctx context.Context) (*Job, error) {
	var job *Job

	err := q.db.Update(func(tx *bolt.Tx) error {
		jobBucket := tx.Bucket(bucketJobs)
		now := time.Now()

		c := tx.Bucket(bucketDeferred).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			if parseTimestampFromKey(k).After(now) {
				break // remaining keys are in the future
			}
			j, err := claimJob(jobBucket, c, v, now)
			if err != nil {
				return err
			}
			if j != nil {
				job = j
				return nil
			}
		}

		c = tx.Bucket(bucketReady).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			j, err := claimJob(jobBucket, c, v, now)
			if err != nil {
				return err
			}
			if j != nil {
				job = j
				return nil
			}
		}

		return nil
	})

	return job, err
}

// claimJob marks the indexed job as running and removes its index
// entry. A nil job with nil error means the index entry was stale.
func claimJob(jobBucket *bolt.Bucket, c *bolt.Cursor, id []byte, now time.Time) (*Job, error) {
	data := jobBucket.Get(id)
	if data == nil {
		c.Delete()
		return nil, nil
	}

	var j Job
	if err := json.Unmarshal(data, &j); err != nil {
		c.Delete()
		return nil, nil
	}

	j.Status = StatusRunning
	j.UpdatedAt = now

	updated, err := json.Marshal(&j)
	if err != nil {
		return nil, err
	}
	if err := jobBucket.Put(id, updated); err != nil {
		return nil, err
	}
	if err := c.Delete(); err != nil {
		return nil, err
	}

	return &j, nil
}

// Update persists the job's new state; deferred jobs are re-indexed
// for their next attempt.
func (q *BoltQueue) Update(ctx context.Context, job *Job) error {
	return q.db.Update(func(tx *bolt.Tx) error {
		job.UpdatedAt = time.Now()

		data, err := json.Marshal(job)
		if err != nil {
			return fmt.Errorf("failed to marshal job: %w", err)
		}
		if err := tx.Bucket(bucketJobs).Put([]byte(job.ID), data); err != nil {
			return fmt.Errorf("failed to update job: %w", err)
		}

		if job.Status == StatusDeferred {
			indexKey := makeIndexKey(job.RunAt, job.ID)
			if err := tx.Bucket(bucketDeferred).Put(indexKey, []byte(job.ID)); err != nil {
				return fmt.Errorf("failed to add to deferred index: %w", err)
			}
		}

		return nil
	})
}

// Stats returns counts of jobs by status.
func (q *BoltQueue) Stats(ctx context.Context) (*Stats, error) {
	stats := &Stats{}

	err := q.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketJobs).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var j Job
			if err := json.Unmarshal(v, &j); err != nil {
				continue
			}

			stats.Total++
			switch j.Status {
			case StatusPending:
				stats.Pending++
			case StatusRunning:
				stats.Running++
			case StatusDeferred:
				stats.Deferred++
			case StatusCompleted:
				stats.Completed++
			case StatusFailed:
				stats.Failed++
			}
		}
		return nil
	})

	return stats, err
}

// Cleanup removes completed jobs older than maxAge. Failed jobs are
// kept for inspection.
func (q *BoltQueue) Cleanup(ctx context.Context, maxAge time.Duration) (int, error) {
	if maxAge <= 0 {
		return 0, nil
	}

	cutoff := time.Now().Add(-maxAge)
	deleted := 0

	err := q.db.Update(func(tx *bolt.Tx) error {
		jobBucket := tx.Bucket(bucketJobs)
		c := jobBucket.Cursor()

		var toDelete [][]byte
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var j Job
			if err := json.Unmarshal(v, &j); err != nil {
				continue
			}
			if j.Status == StatusCompleted && j.UpdatedAt.Before(cutoff) {
				toDelete = append(toDelete, append([]byte{}, k...))
			}
		}

		for _, k := range toDelete {
			if err := jobBucket.Delete(k); err != nil {
				return err
			}
			deleted++
		}
		return nil
	})

	return deleted, err
}

// Close closes the database.
func (q *BoltQueue) Close() error {
	return q.db.Close()
}

// makeIndexKey creates a sortable key from timestamp and ID
func makeIndexKey(t time.Time, id string) []byte {
	return []byte(t.UTC().Format(time.RFC3339Nano) + ":" + id)
}

// parseTimestampFromKey extracts timestamp from index key
func parseTimestampFromKey(key []byte) time.Time {
	s := string(key)
	for i := len(s) - 1; i >= 0; i-- {
		if s[i] == ':' {
			ts, _ := time.Parse(time.RFC3339Nano, s[:i])
			return ts
		}
	}
	return time.Time{}
}
