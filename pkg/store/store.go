// Package store archives finished analysis runs in a local badger
// database so past results can be listed and served without re-reading
// the logs they came from.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/warpdrive/warptrace/pkg/metrics"
	"github.com/warpdrive/warptrace/pkg/report"
)

// ErrNotFound is returned when a run or table is not in the archive.
var ErrNotFound = errors.New("store: not found")

// Store is a run archive backed by badger. Runs are stored as one
// metadata record plus one record per report table.
type Store struct {
	db   *badger.DB
	keep int
}

// Open opens or creates the archive at path. keep bounds how many runs
// are retained after a save; zero keeps everything.
func Open(path string, keep int) (*Store, error) {
	opts := badger.DefaultOptions(path)
	opts.Logger = nil // badger's own logger bypasses slog
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("store.Open: %w", err)
	}
	return &Store{db: db, keep: keep}, nil
}

// Save archives a report and returns the metadata of the stored run.
// Older runs beyond the retention limit are pruned afterwards.
func (s *Store) Save(r *report.Report) (RunMeta, error) {
	created := r.GeneratedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}

	meta := RunMeta{
		ID:            newRunID(created),
		CreatedAt:     created,
		Events:        r.Summary.Events,
		CallsMade:     r.Summary.CallsMade,
		CallsReturned: r.Summary.CallsReturned,
		Errors:        r.Summary.Errors,
		Objects:       r.Summary.Objects,
		Handles:       r.Summary.Handles,
		Faults:        r.Summary.Faults,
	}
	for _, t := range r.Tables {
		meta.Tables = append(meta.Tables, t.Title)
	}

	metaVal, err := json.Marshal(meta)
	if err != nil {
		return RunMeta{}, fmt.Errorf("store.Save: marshaling run meta: %w", err)
	}

	err = s.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set([]byte(runKey(meta.ID)), metaVal); err != nil {
			return err
		}
		for _, t := range r.Tables {
			val, err := json.Marshal(t)
			if err != nil {
				return err
			}
			if err := txn.Set([]byte(tableKey(meta.ID, t.Title)), val); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return RunMeta{}, fmt.Errorf("store.Save: %w", err)
	}

	metrics.RunsArchived.Inc()
	slog.Info("Run archived", "component", "store", "id", meta.ID, "tables", len(meta.Tables))

	if s.keep > 0 {
		s.prune()
	}
	return meta, nil
}

// List returns metadata for every archived run, newest first.
func (s *Store) List() ([]RunMeta, error) {
	var runs []RunMeta

	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte("run:")
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			err := it.Item().Value(func(val []byte) error {
				var m RunMeta
				if err := json.Unmarshal(val, &m); err != nil {
					return nil // skip corrupt entries
				}
				runs = append(runs, m)
				return nil
			})
			if err != nil {
				continue
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("store.List: %w", err)
	}

	sort.Slice(runs, func(i, j int) bool {
		return runs[i].CreatedAt.After(runs[j].CreatedAt)
	})
	return runs, nil
}

// Get returns the metadata of one archived run.
func (s *Store) Get(id string) (RunMeta, error) {
	var m RunMeta
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(runKey(id)))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &m)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return RunMeta{}, ErrNotFound
	}
	if err != nil {
		return RunMeta{}, fmt.Errorf("store.Get: %w", err)
	}
	return m, nil
}

// GetTable returns one archived table of a run.
func (s *Store) GetTable(id, title string) (report.Table, error) {
	var t report.Table
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(tableKey(id, title)))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &t)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return report.Table{}, ErrNotFound
	}
	if err != nil {
		return report.Table{}, fmt.Errorf("store.GetTable: %w", err)
	}
	return t, nil
}

// Delete removes a run and all of its tables from the archive.
func (s *Store) Delete(id string) error {
	m, err := s.Get(id)
	if err != nil {
		return err
	}
	err = s.db.Update(func(txn *badger.Txn) error {
		if err := txn.Delete([]byte(runKey(m.ID))); err != nil {
			return err
		}
		for _, title := range m.Tables {
			if err := txn.Delete([]byte(tableKey(m.ID, title))); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("store.Delete: %w", err)
	}
	return nil
}

// prune deletes the oldest runs beyond the retention limit.
func (s *Store) prune() {
	runs, err := s.List()
	if err != nil {
		slog.Error("archive prune scan failed", "error", err)
		return
	}
	if len(runs) <= s.keep {
		return
	}

	pruned := 0
	for _, m := range runs[s.keep:] {
		if err := s.Delete(m.ID); err != nil {
			slog.Error("archive prune failed", "id", m.ID, "error", err)
			continue
		}
		pruned++
	}
	if pruned > 0 {
		slog.Info("Archive pruned", "component", "store", "pruned", pruned, "kept", s.keep)
	}
}

// Close flushes and closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}
