package archive

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log"
	"strings"
	"sync"

	"updatehub/services/signing"
	"updatehub/services/update"
)

// ObjectStore is the slice of object storage the exporter needs.
type ObjectStore interface {
	PutObject(ctx context.Context, bucket, key string, r io.Reader, size int64, sha256 string) error
}

// Exporter ships bundles of distributed updates to object storage. Export is
// best-effort: archival never blocks or fails the pipeline.
type Exporter struct {
	store  ObjectStore
	signer signing.Signer
	bucket string
	logger *log.Logger
}

// NewExporter creates an exporter writing to the given bucket.
func NewExporter(store ObjectStore, signer signing.Signer, bucket string, logger *log.Logger) (*Exporter, error) {
	if store == nil {
		return nil, errors.New("object store is required")
	}
	if signer == nil {
		return nil, errors.New("signer is required")
	}
	if strings.TrimSpace(bucket) == "" {
		return nil, errors.New("bucket is required")
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Exporter{store: store, signer: signer, bucket: bucket, logger: logger}, nil
}

// Key returns the object key a record's bundle is stored under.
func Key(rec *update.Record) string {
	return fmt.Sprintf("updates/%s/%s.tar.zst", strings.ToLower(string(rec.Descriptor.Kind)), rec.ID)
}

// Export builds and uploads the record's bundle.
func (e *Exporter) Export(ctx context.Context, rec *update.Record) error {
	if e == nil {
		return errors.New("nil exporter")
	}

	bundle, _, err := Build(rec, e.signer)
	if err != nil {
		return fmt.Errorf("build bundle for %s: %w", rec.ID, err)
	}

	sum := sha256.Sum256(bundle)
	key := Key(rec)
	if err := e.store.PutObject(ctx, e.bucket, key, bytes.NewReader(bundle), int64(len(bundle)), hex.EncodeToString(sum[:])); err != nil {
		return fmt.Errorf("upload %s: %w", key, err)
	}

	e.logger.Printf("INFO archived update %s to %s/%s (%d bytes)", rec.ID, e.bucket, key, len(bundle))
	return nil
}

// ExportAsync uploads in the background, logging failures.
func (e *Exporter) ExportAsync(ctx context.Context, rec *update.Record) {
	go func() {
		if err := e.Export(ctx, rec); err != nil {
			e.logger.Printf("WARN archive export: %v", err)
		}
	}()
}

// MemoryStore keeps uploaded objects in memory for tests.
type MemoryStore struct {
	mu      sync.Mutex
	objects map[string][]byte
}

// NewMemoryStore creates an empty in-memory object store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{objects: make(map[string][]byte)}
}

// PutObject stores the object under bucket/key.
func (m *MemoryStore) PutObject(_ context.Context, bucket, key string, r io.Reader, size int64, digest string) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	if int64(len(data)) != size {
		return fmt.Errorf("size mismatch for %s/%s", bucket, key)
	}
	sum := sha256.Sum256(data)
	if hex.EncodeToString(sum[:]) != digest {
		return fmt.Errorf("digest mismatch for %s/%s", bucket, key)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[bucket+"/"+key] = data
	return nil
}

// Object returns a stored object's bytes.
func (m *MemoryStore) Object(bucket, key string) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.objects[bucket+"/"+key]
	return data, ok
}
