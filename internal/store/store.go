// Package store wraps a single bbolt database holding the local blob
// store (file records and their inline payloads), the folder list, the
// persisted local-id to remote-id sync map, and the session token.
package store

import (
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	dserrors "github.com/alexjbarnes/dropsync/internal/errors"
	"github.com/alexjbarnes/dropsync/internal/models"
	bolt "go.etcd.io/bbolt"
)

const (
	// storeDirPerm is the permission mode for the data directory.
	storeDirPerm = fs.FileMode(0o700)

	// storeFilePerm is the permission mode for the database file.
	storeFilePerm = fs.FileMode(0o600)

	// storeOpenTimeout is the maximum time to wait for the bolt database lock.
	storeOpenTimeout = 5 * time.Second
)

var (
	filesBucket    = []byte("files")
	payloadsBucket = []byte("payloads")
	metaBucket     = []byte("meta")
	syncBucket     = []byte("sync")
	appBucket      = []byte("app")

	foldersKey = []byte("folders")
	tokenKey   = []byte("token")
)

// Store wraps the bbolt database. A quota of zero means the local medium
// capacity is unknown and writes are never rejected for size.
type Store struct {
	db    *bolt.DB
	quota int64
}

// Open opens (creating if needed) the database at path. quotaBytes caps
// the summed size of stored payloads and metadata; PutFile fails with
// ErrCapacityExceeded rather than exceeding it.
func Open(path string, quotaBytes int64) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), storeDirPerm); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}

	db, err := bolt.Open(path, storeFilePerm, &bolt.Options{Timeout: storeOpenTimeout})
	if err != nil {
		return nil, fmt.Errorf("opening store db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{filesBucket, payloadsBucket, metaBucket, syncBucket, appBucket} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}

		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing store db: %w", err)
	}

	return &Store{db: db, quota: quotaBytes}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Quota returns the configured local quota in bytes, zero when unknown.
func (s *Store) Quota() int64 {
	return s.quota
}

// usedBytesTx sums local bytes within a transaction: record and payload
// bucket values, the folder list, and for device-located records the
// payload bytes held as files outside the database.
func usedBytesTx(tx *bolt.Tx) int64 {
	var used int64

	_ = tx.Bucket(filesBucket).ForEach(func(_, v []byte) error {
		used += int64(len(v)) + devicePayloadBytes(v)
		return nil
	})

	_ = tx.Bucket(payloadsBucket).ForEach(func(_, v []byte) error {
		used += int64(len(v))
		return nil
	})

	if v := tx.Bucket(metaBucket).Get(foldersKey); v != nil {
		used += int64(len(v))
	}

	return used
}

// devicePayloadBytes returns the payload size a stored record keeps in
// the device-storage tier, zero for other locations.
func devicePayloadBytes(meta []byte) int64 {
	if len(meta) == 0 {
		return 0
	}

	var rec models.FileRecord
	if err := json.Unmarshal(meta, &rec); err != nil {
		return 0
	}

	if rec.BlobLocation == models.LocationDevice {
		return rec.SizeBytes
	}

	return 0
}

// PutFile inserts or overwrites a file record, idempotent by id. The
// payload is stored only for inline-local records; for other locations
// any stale payload entry is removed so bytes are never duplicated across
// tiers. The write is committed before PutFile returns.
func (s *Store) PutFile(rec models.FileRecord) error {
	payload := rec.Payload
	rec.Payload = nil

	meta, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshalling file record: %w", err)
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		files := tx.Bucket(filesBucket)
		payloads := tx.Bucket(payloadsBucket)
		key := []byte(rec.ID)

		if s.quota > 0 {
			old := files.Get(key)

			delta := int64(len(meta)) - int64(len(old)) - devicePayloadBytes(old)
			delta -= int64(len(payloads.Get(key)))

			switch rec.BlobLocation {
			case models.LocationInline:
				delta += int64(len(payload))
			case models.LocationDevice:
				delta += rec.SizeBytes
			}

			if usedBytesTx(tx)+delta > s.quota {
				return fmt.Errorf("storing %s: %w", rec.Name, dserrors.ErrCapacityExceeded)
			}
		}

		if err := files.Put(key, meta); err != nil {
			return err
		}

		if rec.BlobLocation == models.LocationInline {
			return payloads.Put(key, payload)
		}

		return payloads.Delete(key)
	})
}

// AllFiles returns a snapshot of every stored file record with inline
// payloads attached. Used once at startup to reconstruct in-memory state.
func (s *Store) AllFiles() ([]models.FileRecord, error) {
	var records []models.FileRecord

	err := s.db.View(func(tx *bolt.Tx) error {
		payloads := tx.Bucket(payloadsBucket)

		return tx.Bucket(filesBucket).ForEach(func(k, v []byte) error {
			var rec models.FileRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("decoding file record %s: %w", k, err)
			}

			if p := payloads.Get(k); p != nil {
				rec.Payload = append([]byte(nil), p...)
			}

			records = append(records, rec)

			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	return records, nil
}

// File returns a single record by id with its inline payload attached.
// The second return is false when no record exists.
func (s *Store) File(id string) (models.FileRecord, bool, error) {
	var (
		rec   models.FileRecord
		found bool
	)

	err := s.db.View(func(tx *bolt.Tx) error {
		key := []byte(id)

		v := tx.Bucket(filesBucket).Get(key)
		if v == nil {
			return nil
		}

		if err := json.Unmarshal(v, &rec); err != nil {
			return fmt.Errorf("decoding file record %s: %w", id, err)
		}

		if p := tx.Bucket(payloadsBucket).Get(key); p != nil {
			rec.Payload = append([]byte(nil), p...)
		}

		found = true

		return nil
	})
	if err != nil {
		return models.FileRecord{}, false, err
	}

	return rec, found, nil
}

// RemoveFile deletes a record and its payload. No-op if absent.
func (s *Store) RemoveFile(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		key := []byte(id)
		if err := tx.Bucket(filesBucket).Delete(key); err != nil {
			return err
		}

		return tx.Bucket(payloadsBucket).Delete(key)
	})
}

// ClearFiles deletes all file records and payloads.
func (s *Store) ClearFiles() error {
	return s.db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{filesBucket, payloadsBucket} {
			if err := tx.DeleteBucket(name); err != nil {
				return err
			}

			if _, err := tx.CreateBucket(name); err != nil {
				return err
			}
		}

		return nil
	})
}

// SaveFolders overwrites the full folder list.
func (s *Store) SaveFolders(folders []models.FolderRecord) error {
	data, err := json.Marshal(folders)
	if err != nil {
		return fmt.Errorf("marshalling folder list: %w", err)
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(metaBucket).Put(foldersKey, data)
	})
}

// LoadFolders returns the folder list, or an empty list when absent or
// corrupt. Corruption is swallowed: folder metadata is not critical
// enough to block startup.
func (s *Store) LoadFolders() []models.FolderRecord {
	var folders []models.FolderRecord

	_ = s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(metaBucket).Get(foldersKey)
		if v == nil {
			return nil
		}

		if err := json.Unmarshal(v, &folders); err != nil {
			folders = nil
		}

		return nil
	})

	if folders == nil {
		return []models.FolderRecord{}
	}

	return folders
}

// ClearFolders deletes the folder list.
func (s *Store) ClearFolders() error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(metaBucket).Delete(foldersKey)
	})
}

// SetRemoteID records the remote counterpart for a local id.
func (s *Store) SetRemoteID(localID, remoteID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(syncBucket).Put([]byte(localID), []byte(remoteID))
	})
}

// RemoteID returns the remote counterpart for a local id, or empty string.
func (s *Store) RemoteID(localID string) string {
	var remoteID string

	_ = s.db.View(func(tx *bolt.Tx) error {
		if v := tx.Bucket(syncBucket).Get([]byte(localID)); v != nil {
			remoteID = string(v)
		}

		return nil
	})

	return remoteID
}

// DeleteRemoteID removes the mapping for a local id. No-op if absent.
func (s *Store) DeleteRemoteID(localID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(syncBucket).Delete([]byte(localID))
	})
}

// AllRemoteIDs returns the full local-id to remote-id map.
func (s *Store) AllRemoteIDs() (map[string]string, error) {
	result := make(map[string]string)

	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(syncBucket).ForEach(func(k, v []byte) error {
			result[string(k)] = string(v)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	return result, nil
}

// ClearRemoteIDs drops the whole sync map. Called on sign-out so a new
// session starts reconciliation from a clean slate.
func (s *Store) ClearRemoteIDs() error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.DeleteBucket(syncBucket); err != nil {
			return err
		}

		_, err := tx.CreateBucket(syncBucket)

		return err
	})
}

// Token returns the cached session token, or empty string.
func (s *Store) Token() string {
	var token string

	_ = s.db.View(func(tx *bolt.Tx) error {
		if v := tx.Bucket(appBucket).Get(tokenKey); v != nil {
			token = string(v)
		}

		return nil
	})

	return token
}

// SetToken persists the session token.
func (s *Store) SetToken(token string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(appBucket).Put(tokenKey, []byte(token))
	})
}

// Usage returns the summed size of stored payloads and metadata,
// including payload bytes that device-located records keep as files
// outside the database.
func (s *Store) Usage() (int64, error) {
	var used int64

	err := s.db.View(func(tx *bolt.Tx) error {
		used = usedBytesTx(tx)
		return nil
	})
	if err != nil {
		return 0, err
	}

	return used, nil
}
