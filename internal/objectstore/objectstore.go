// Package objectstore abstracts the snapshot object bucket.
package objectstore

import (
	"context"
	"fmt"
	"log"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// ObjectStore removes stored objects by key. The deletion executor is
// the only consumer; snapshot uploads happen on the node agents.
type ObjectStore interface {
	Remove(ctx context.Context, key string) error
}

// S3Store deletes objects from one S3 bucket.
type S3Store struct {
	client *s3.Client
	bucket string
	logger *log.Logger
}

// NewS3Store builds a store over the ambient AWS credential chain.
func NewS3Store(ctx context.Context, bucket string) (*S3Store, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("aws config: %w", err)
	}
	return &S3Store{
		client: s3.NewFromConfig(cfg),
		bucket: bucket,
		logger: log.New(log.Writer(), "[S3] ", log.LstdFlags),
	}, nil
}

func (s *S3Store) Remove(ctx context.Context, key string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("delete s3://%s/%s: %w", s.bucket, key, err)
	}
	return nil
}

// MemoryStore is an in-process fake for tests and dev runs.
type MemoryStore struct {
	mu      sync.Mutex
	objects map[string]bool
	failOn  map[string]error
	Removed []string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		objects: make(map[string]bool),
		failOn:  make(map[string]error),
	}
}

// Put registers an object key. Test helper.
func (m *MemoryStore) Put(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[key] = true
}

// FailOn makes Remove of the given key return err. Test helper.
func (m *MemoryStore) FailOn(key string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failOn[key] = err
}

func (m *MemoryStore) Remove(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.failOn[key]; err != nil {
		return err
	}
	delete(m.objects, key)
	m.Removed = append(m.Removed, key)
	return nil
}

// Has reports whether a key still exists. Test helper.
func (m *MemoryStore) Has(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.objects[key]
}
