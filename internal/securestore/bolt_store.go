package securestore

import (
	"fmt"
	"path/filepath"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/nodeforge/fabric/internal/log"
)

// BoltStore implements Store on top of bbolt, one bucket per namespace.
//
// bbolt's single-writer transaction serializes writes at the DB level;
// explicit Flush calls are additionally coalesced so concurrent callers
// don't thrash the fsync path. Persistence happens immediately per Write
// (each Update transaction commits), and Flush exists for callers that
// want to force a checkpoint boundary, e.g. before shutdown.
type BoltStore struct {
	db *bolt.DB

	mu         sync.Mutex
	lastFlush  time.Time
	flushEvery time.Duration
}

// Open opens (creating if absent) a bbolt database at dataDir/fabric.db
// with a bucket per known namespace pre-created.
func Open(dataDir string) (*BoltStore, error) {
	path := filepath.Join(dataDir, "fabric.db")
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("securestore: open %s: %w", path, err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, ns := range []string{NamespaceCert, NamespaceConfig, NamespaceState} {
			if _, err := tx.CreateBucketIfNotExists([]byte(ns)); err != nil {
				return fmt.Errorf("create bucket %s: %w", ns, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db, flushEvery: 60 * time.Second}, nil
}

func (s *BoltStore) Read(namespace, name string) ([]byte, error) {
	var out []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(namespace))
		if b == nil {
			return fmt.Errorf("securestore: unknown namespace %q", namespace)
		}
		v := b.Get([]byte(name))
		if v == nil {
			return ErrNotFound
		}
		out = append([]byte(nil), v...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *BoltStore) Write(namespace, name string, value []byte) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists([]byte(namespace))
		if err != nil {
			return err
		}
		return b.Put([]byte(name), value)
	})
	if err != nil {
		return fmt.Errorf("securestore: write %s/%s: %w", namespace, name, err)
	}
	return nil
}

func (s *BoltStore) Delete(namespace, name string) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(namespace))
		if b == nil {
			return nil
		}
		return b.Delete([]byte(name))
	})
	if err != nil {
		return fmt.Errorf("securestore: delete %s/%s: %w", namespace, name, err)
	}
	return nil
}

// Flush coalesces repeated calls within flushEvery into a single bbolt
// Sync; bbolt already fsyncs on every committed Update, so this mainly
// exists to give the lifecycle orchestrator a single, cheap call to make
// at shutdown.
func (s *BoltStore) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if time.Since(s.lastFlush) < s.flushEvery {
		return nil
	}
	s.lastFlush = time.Now()
	if err := s.db.Sync(); err != nil {
		log.WithComponent("securestore").Error().Err(err).Msg("flush failed")
		return fmt.Errorf("securestore: flush: %w", err)
	}
	return nil
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}
