// Package gcs provides a StateStore backed by Google Cloud Storage, one JSON
// object per region.
package gcs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"time"

	"cloud.google.com/go/storage"

	"github.com/JakeFAU/stockwatch/internal/restock"
	"github.com/JakeFAU/stockwatch/internal/storage/statefile"
)

// Config captures the parameters required to connect to GCS.
type Config struct {
	Bucket string
	Prefix string
}

var errObjectNotExist = errors.New("object does not exist")

type objects interface {
	read(ctx context.Context, name string) ([]byte, error)
	write(ctx context.Context, name string, data []byte) error
	remove(ctx context.Context, name string) error
}

// StateStore keeps region state in a bucket.
type StateStore struct {
	objects objects
	prefix  string
	clock   restock.Clock
}

// New creates a GCS-backed state store.
func New(client *storage.Client, cfg Config, clock restock.Clock) (*StateStore, error) {
	if client == nil {
		return nil, fmt.Errorf("storage client is required")
	}
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("bucket name is required")
	}
	return &StateStore{
		objects: &bucketObjects{bucket: client.Bucket(cfg.Bucket)},
		prefix:  cfg.Prefix,
		clock:   clock,
	}, nil
}

func (s *StateStore) objectName(region string) (string, error) {
	name, err := statefile.Name(region)
	if err != nil {
		return "", err
	}
	return path.Join(s.prefix, name), nil
}

func (s *StateStore) now() time.Time {
	if s.clock == nil {
		return time.Now().UTC()
	}
	return s.clock.Now()
}

// Get downloads the region object; a missing object yields an empty state.
func (s *StateStore) Get(ctx context.Context, region string) (restock.StockState, error) {
	name, err := s.objectName(region)
	if err != nil {
		return nil, err
	}
	data, err := s.objects.read(ctx, name)
	if errors.Is(err, errObjectNotExist) {
		return restock.StockState{}, nil
	}
	if err != nil {
		return nil, err
	}
	return statefile.Decode(data)
}

// PutAll uploads the region object, replacing any previous version.
func (s *StateStore) PutAll(ctx context.Context, region string, state restock.StockState) error {
	name, err := s.objectName(region)
	if err != nil {
		return err
	}
	data, err := statefile.Encode(region, state, s.now())
	if err != nil {
		return err
	}
	return s.objects.write(ctx, name, data)
}

// DeleteRegion removes the region object if it exists.
func (s *StateStore) DeleteRegion(ctx context.Context, region string) error {
	name, err := s.objectName(region)
	if err != nil {
		return err
	}
	if err := s.objects.remove(ctx, name); err != nil && !errors.Is(err, errObjectNotExist) {
		return err
	}
	return nil
}

type bucketObjects struct {
	bucket *storage.BucketHandle
}

func (b *bucketObjects) read(ctx context.Context, name string) ([]byte, error) {
	r, err := b.bucket.Object(name).NewReader(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return nil, errObjectNotExist
	}
	if err != nil {
		return nil, fmt.Errorf("open object: %w", err)
	}
	defer func() { _ = r.Close() }()
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read object: %w", err)
	}
	return data, nil
}

func (b *bucketObjects) write(ctx context.Context, name string, data []byte) error {
	writer := b.bucket.Object(name).NewWriter(ctx)
	writer.ContentType = "application/json"
	if _, err := writer.Write(data); err != nil {
		closeErr := writer.Close()
		if closeErr != nil {
			return fmt.Errorf("write object: %w (close writer: %v)", err, closeErr)
		}
		return fmt.Errorf("write object: %w", err)
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("close writer: %w", err)
	}
	return nil
}

func (b *bucketObjects) remove(ctx context.Context, name string) error {
	err := b.bucket.Object(name).Delete(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return errObjectNotExist
	}
	if err != nil {
		return fmt.Errorf("delete object: %w", err)
	}
	return nil
}
