package jobs

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	badger "github.com/dgraph-io/badger/v4"

	"healthlink-api/ledger"
)

const (
	jobKeyPrefix     = "job:"
	requestKeyPrefix = "req:"
)

func jobKey(id string) []byte {
	return []byte(jobKeyPrefix + id)
}

func requestKey(id string) []byte {
	return []byte(requestKeyPrefix + id)
}

// storedJob is the on-disk envelope. Polled tracks whether a terminal result
// has been seen by a client, which starts the short post-poll retention.
type storedJob struct {
	Job    Job  `json:"job"`
	Polled bool `json:"polled,omitempty"`
}

// Store persists jobs in badger. Queued and active jobs never expire;
// terminal jobs carry the retention TTL, shortened to pollGrace once a
// client has seen the result.
type Store struct {
	db        *badger.DB
	retention time.Duration
	pollGrace time.Duration
}

// NewStore opens (or creates) the job database at path.
func NewStore(path string, retention, pollGrace time.Duration) (*Store, error) {
	options := badger.DefaultOptions(path)
	options.Logger = nil
	options.SyncWrites = true

	db, err := badger.Open(options)
	if err != nil {
		return nil, fmt.Errorf("failed to open job store at %s: %w", path, err)
	}
	return &Store{db: db, retention: retention, pollGrace: pollGrace}, nil
}

// Create persists a new queued job and, when a request id is present, binds
// it in the dedup index. A live job under the same request id yields a
// DuplicateRequestError; an index entry whose job already expired is
// overwritten.
func (s *Store) Create(job *Job) error {
	data, err := json.Marshal(storedJob{Job: *job})
	if err != nil {
		return fmt.Errorf("failed to encode job %s: %w", job.ID, err)
	}

	return s.db.Update(func(txn *badger.Txn) error {
		if job.RequestID != "" {
			item, err := txn.Get(requestKey(job.RequestID))
			switch {
			case err == nil:
				var existingID string
				if err := item.Value(func(val []byte) error {
					existingID = string(val)
					return nil
				}); err != nil {
					return err
				}
				if _, err := txn.Get(jobKey(existingID)); err == nil {
					return &DuplicateRequestError{RequestID: job.RequestID, JobID: existingID}
				} else if !errors.Is(err, badger.ErrKeyNotFound) {
					return err
				}
				// The job the index pointed at has expired; rebind.
			case !errors.Is(err, badger.ErrKeyNotFound):
				return err
			}

			entry := badger.NewEntry(requestKey(job.RequestID), []byte(job.ID)).WithTTL(s.retention)
			if err := txn.SetEntry(entry); err != nil {
				return err
			}
		}
		return txn.Set(jobKey(job.ID), data)
	})
}

// Delete removes a job record and its request index entry. Used to roll back
// an accepted job that could not be queued.
func (s *Store) Delete(id, requestID string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		if requestID != "" {
			if err := txn.Delete(requestKey(requestID)); err != nil {
				return err
			}
		}
		return txn.Delete(jobKey(id))
	})
}

// Get returns a job by id.
func (s *Store) Get(id string) (*Job, error) {
	var stored storedJob
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(jobKey(id))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &stored)
		})
	})
	if err != nil {
		return nil, err
	}
	return &stored.Job, nil
}

// Poll is Get for clients: the first poll of a terminal job starts the
// post-poll retention clock, after which the record expires.
func (s *Store) Poll(id string) (*Job, error) {
	var polled *Job
	err := s.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(jobKey(id))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		var stored storedJob
		if err := item.Value(func(val []byte) error {
			return json.Unmarshal(val, &stored)
		}); err != nil {
			return err
		}

		if stored.Job.Status.Terminal() && !stored.Polled && s.pollGrace > 0 {
			stored.Polled = true
			data, err := json.Marshal(stored)
			if err != nil {
				return err
			}
			if err := txn.SetEntry(badger.NewEntry(jobKey(id), data).WithTTL(s.pollGrace)); err != nil {
				return err
			}
		}

		polled = &stored.Job
		return nil
	})
	if err != nil {
		return nil, err
	}
	return polled, nil
}

// MarkActive transitions a queued job to active.
func (s *Store) MarkActive(id string) (*Job, error) {
	return s.update(id, 0, func(stored *storedJob) error {
		if stored.Job.Status != StatusQueued {
			return fmt.Errorf("job %s is %s, not queued", id, stored.Job.Status)
		}
		now := time.Now().UTC()
		stored.Job.Status = StatusActive
		stored.Job.StartedAt = &now
		return nil
	})
}

// Complete records a successful result. The terminal record expires after
// the retention period.
func (s *Store) Complete(id string, result *ledger.Result) (*Job, error) {
	return s.update(id, s.retention, func(stored *storedJob) error {
		if stored.Job.Status.Terminal() {
			return fmt.Errorf("job %s is already %s", id, stored.Job.Status)
		}
		now := time.Now().UTC()
		stored.Job.Status = StatusCompleted
		stored.Job.Result = result
		stored.Job.FinishedAt = &now
		return nil
	})
}

// Fail records a terminal failure.
func (s *Store) Fail(id string, failure Failure) (*Job, error) {
	return s.update(id, s.retention, func(stored *storedJob) error {
		if stored.Job.Status.Terminal() {
			return fmt.Errorf("job %s is already %s", id, stored.Job.Status)
		}
		now := time.Now().UTC()
		stored.Job.Status = StatusFailed
		stored.Job.Error = &failure
		stored.Job.FinishedAt = &now
		return nil
	})
}

func (s *Store) update(id string, ttl time.Duration, mutate func(*storedJob) error) (*Job, error) {
	var updated *Job
	err := s.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(jobKey(id))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}

		var stored storedJob
		if err := item.Value(func(val []byte) error {
			return json.Unmarshal(val, &stored)
		}); err != nil {
			return err
		}

		if err := mutate(&stored); err != nil {
			return err
		}

		data, err := json.Marshal(stored)
		if err != nil {
			return err
		}
		updated = &stored.Job
		if ttl > 0 {
			return txn.SetEntry(badger.NewEntry(jobKey(id), data).WithTTL(ttl))
		}
		return txn.Set(jobKey(id), data)
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// List returns every stored job. Used by the startup recovery scan.
func (s *Store) List() ([]*Job, error) {
	var out []*Job
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		prefix := []byte(jobKeyPrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var stored storedJob
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &stored)
			}); err != nil {
				return err
			}
			out = append(out, &stored.Job)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}
