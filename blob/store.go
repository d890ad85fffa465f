package blob

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/zeebo/blake3"
	bolt "go.etcd.io/bbolt"
)

// RefScheme prefixes every reference handed out by the store.
const RefScheme = "blob:"

var (
	// ErrNotFound is returned when no object exists for a reference.
	ErrNotFound = errors.New("blob: not found")
	// ErrInvalidRef is returned for references the store did not produce.
	ErrInvalidRef = errors.New("blob: invalid reference")
	// ErrEmpty is returned when Put is called without data.
	ErrEmpty = errors.New("blob: empty object")
)

// Object describes a stored artifact. Objects are immutable once written.
type Object struct {
	Ref         string    `json:"ref"`
	Digest      string    `json:"digest"`
	Name        string    `json:"name"`
	ContentType string    `json:"content_type"`
	Size        int64     `json:"size"`
	CreatedAt   time.Time `json:"created_at"`
}

// Digest returns the hex BLAKE3 digest of data.
func Digest(data []byte) string {
	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Ref builds the stable reference for a digest.
func Ref(digest string) string {
	return RefScheme + digest
}

// ParseRef extracts the digest from a reference. A bare digest is accepted.
func ParseRef(ref string) (string, error) {
	digest := strings.TrimPrefix(ref, RefScheme)
	if len(digest) != 64 {
		return "", ErrInvalidRef
	}
	if _, err := hex.DecodeString(digest); err != nil {
		return "", ErrInvalidRef
	}
	return digest, nil
}

// BoltStore keeps uploaded documents and rendered signatures in a bbolt file,
// keyed by content digest. Writing the same bytes twice returns the first object.
type BoltStore struct {
	db      *bolt.DB
	data    []byte
	meta    []byte
	nowFunc func() time.Time
}

// Open initializes the bbolt file at path and ensures its buckets exist.
func Open(path, bucket string) (*BoltStore, error) {
	if bucket == "" {
		bucket = "blobs"
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("blob: create dir: %w", err)
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("blob: open: %w", err)
	}

	s := &BoltStore{
		db:      db,
		data:    []byte(bucket + ".data"),
		meta:    []byte(bucket + ".meta"),
		nowFunc: time.Now,
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(s.data); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(s.meta)
		return err
	}); err != nil {
		db.Close()
		return nil, fmt.Errorf("blob: init buckets: %w", err)
	}
	return s, nil
}

// Close releases the underlying file.
func (s *BoltStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Put stores data and returns its object description.
func (s *BoltStore) Put(ctx context.Context, name, contentType string, data []byte) (Object, error) {
	if s == nil || s.db == nil {
		return Object{}, bolt.ErrDatabaseNotOpen
	}
	if err := ctx.Err(); err != nil {
		return Object{}, err
	}
	if len(data) == 0 {
		return Object{}, ErrEmpty
	}

	digest := Digest(data)
	obj := Object{
		Ref:         Ref(digest),
		Digest:      digest,
		Name:        name,
		ContentType: contentType,
		Size:        int64(len(data)),
		CreatedAt:   s.nowFunc().UTC(),
	}

	err := s.db.Update(func(tx *bolt.Tx) error {
		metaBucket := tx.Bucket(s.meta)
		key := []byte(digest)
		if existing := metaBucket.Get(key); existing != nil {
			return json.Unmarshal(existing, &obj)
		}
		payload, err := json.Marshal(obj)
		if err != nil {
			return err
		}
		if err := tx.Bucket(s.data).Put(key, data); err != nil {
			return err
		}
		return metaBucket.Put(key, payload)
	})
	if err != nil {
		return Object{}, fmt.Errorf("blob: put %s: %w", name, err)
	}
	return obj, nil
}

// Get loads the bytes and description for ref.
func (s *BoltStore) Get(ctx context.Context, ref string) ([]byte, Object, error) {
	if s == nil || s.db == nil {
		return nil, Object{}, bolt.ErrDatabaseNotOpen
	}
	if err := ctx.Err(); err != nil {
		return nil, Object{}, err
	}
	digest, err := ParseRef(ref)
	if err != nil {
		return nil, Object{}, err
	}

	var (
		data []byte
		obj  Object
	)
	err = s.db.View(func(tx *bolt.Tx) error {
		key := []byte(digest)
		raw := tx.Bucket(s.meta).Get(key)
		if raw == nil {
			return ErrNotFound
		}
		if err := json.Unmarshal(raw, &obj); err != nil {
			return err
		}
		data = append([]byte(nil), tx.Bucket(s.data).Get(key)...)
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, Object{}, ErrNotFound
		}
		return nil, Object{}, fmt.Errorf("blob: get %s: %w", digest, err)
	}
	return data, obj, nil
}
