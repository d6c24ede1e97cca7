package offset

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/SteelMorgan/remote-log-ingest/internal/domain"
	"github.com/rs/zerolog/log"
	"go.etcd.io/bbolt"
)

const (
	bucketName = "read_pointers"
)

// BoltDBStore implements PointerStore using BoltDB. Pointers live in one
// nested bucket per server, keyed by category.
type BoltDBStore struct {
	db *bbolt.DB
}

// NewBoltDBStore creates a new BoltDB pointer store
func NewBoltDBStore(dbPath string) (*BoltDBStore, error) {
	db, err := bbolt.Open(dbPath, 0600, &bbolt.Options{
		Timeout: 1 * time.Second,
	})
	if err != nil {
		// A held lock means another ingest process is running on this file
		return nil, fmt.Errorf("failed to open boltdb (file may be locked by another process): %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(bucketName))
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create bucket: %w", err)
	}

	log.Info().
		Str("db_path", dbPath).
		Msg("BoltDB pointer store initialized")

	return &BoltDBStore{db: db}, nil
}

// Load retrieves the pointer for (serverID, category)
func (s *BoltDBStore) Load(ctx context.Context, serverID string, category domain.Category) (*domain.ReadPointer, error) {
	var p *domain.ReadPointer

	err := s.db.View(func(tx *bbolt.Tx) error {
		root := tx.Bucket([]byte(bucketName))
		if root == nil {
			return fmt.Errorf("bucket not found")
		}
		server := root.Bucket([]byte(serverID))
		if server == nil {
			return nil
		}
		val := server.Get([]byte(category))
		if val == nil {
			return nil
		}

		var stored domain.ReadPointer
		if err := json.Unmarshal(val, &stored); err != nil {
			return fmt.Errorf("invalid pointer value: %w", err)
		}
		p = &stored
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load pointer %s: %w", domain.PointerKey(serverID, category), err)
	}

	return p, nil
}

// Save stores the pointer in a single transaction
func (s *BoltDBStore) Save(ctx context.Context, p *domain.ReadPointer) error {
	if err := validate(p); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("failed to save pointer %s: %w", p.Key(), err)
	}

	val, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("failed to encode pointer: %w", err)
	}

	err = s.db.Update(func(tx *bbolt.Tx) error {
		root := tx.Bucket([]byte(bucketName))
		if root == nil {
			return fmt.Errorf("bucket not found")
		}
		server, err := root.CreateBucketIfNotExists([]byte(p.ServerID))
		if err != nil {
			return err
		}
		return server.Put([]byte(p.Category), val)
	})
	if err != nil {
		return fmt.Errorf("failed to save pointer %s: %w", p.Key(), err)
	}

	log.Debug().
		Str("server_id", p.ServerID).
		Str("category", string(p.Category)).
		Str("file", p.FileName).
		Int64("position", p.Position).
		Int64("size", p.ObservedFileSize).
		Msg("Pointer updated")

	return nil
}

// Delete removes one pointer
func (s *BoltDBStore) Delete(ctx context.Context, serverID string, category domain.Category) error {
	err := s.db.Update(func(tx *bbolt.Tx) error {
		root := tx.Bucket([]byte(bucketName))
		if root == nil {
			return fmt.Errorf("bucket not found")
		}
		server := root.Bucket([]byte(serverID))
		if server == nil {
			return nil
		}
		return server.Delete([]byte(category))
	})
	if err != nil {
		return fmt.Errorf("failed to delete pointer: %w", err)
	}
	return nil
}

// DeleteServer removes the server's nested bucket
func (s *BoltDBStore) DeleteServer(ctx context.Context, serverID string) (int, error) {
	removed := 0
	err := s.db.Update(func(tx *bbolt.Tx) error {
		root := tx.Bucket([]byte(bucketName))
		if root == nil {
			return fmt.Errorf("bucket not found")
		}
		server := root.Bucket([]byte(serverID))
		if server == nil {
			return nil
		}
		removed = server.Stats().KeyN
		return root.DeleteBucket([]byte(serverID))
	})
	if err != nil {
		return 0, fmt.Errorf("failed to delete pointers of server %s: %w", serverID, err)
	}
	return removed, nil
}

// List returns all stored pointers. Bolt iterates keys in byte order, so the
// result is ordered by server then category.
func (s *BoltDBStore) List(ctx context.Context) ([]domain.ReadPointer, error) {
	var result []domain.ReadPointer

	err := s.db.View(func(tx *bbolt.Tx) error {
		root := tx.Bucket([]byte(bucketName))
		if root == nil {
			return fmt.Errorf("bucket not found")
		}
		return root.ForEach(func(serverID, v []byte) error {
			server := root.Bucket(serverID)
			if server == nil {
				return nil
			}
			return server.ForEach(func(category, val []byte) error {
				var p domain.ReadPointer
				if err := json.Unmarshal(val, &p); err != nil {
					log.Warn().
						Err(err).
						Str("server_id", string(serverID)).
						Str("category", string(category)).
						Msg("Skipping undecodable pointer")
					return nil
				}
				result = append(result, p)
				return nil
			})
		})
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list pointers: %w", err)
	}

	return result, nil
}

// Close closes the BoltDB database
func (s *BoltDBStore) Close() error {
	log.Info().Msg("Closing BoltDB pointer store")
	return s.db.Close()
}
