// Package media stores message attachments. Peer chats may carry a
// media URL pointing at a stored blob; ephemeral sessions never touch
// this package.
package media

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	apperr "github.com/opd-ai/peerchat/errors"
)

// BlobStore stores and retrieves attachment blobs by key.
type BlobStore interface {
	Save(ctx context.Context, key string, content []byte, contentType string) (string, error)
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
}

// S3ClientAPI is the slice of the S3 client the store uses.
type S3ClientAPI interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
}

// S3BlobStore implements BlobStore on AWS S3.
type S3BlobStore struct {
	Client  S3ClientAPI
	Bucket  string
	BaseURL string
}

// NewS3BlobStore builds a store from the ambient AWS configuration.
// baseURL is the public prefix returned URLs are built from.
func NewS3BlobStore(ctx context.Context, bucket, baseURL string) (*S3BlobStore, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeInternal, "aws configuration", err)
	}
	return &S3BlobStore{
		Client:  s3.NewFromConfig(cfg),
		Bucket:  bucket,
		BaseURL: baseURL,
	}, nil
}

var _ BlobStore = (*S3BlobStore)(nil)

func (s *S3BlobStore) Save(ctx context.Context, key string, content []byte, contentType string) (string, error) {
	input := &s3.PutObjectInput{
		Bucket: aws.String(s.Bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(content),
	}
	if contentType != "" {
		input.ContentType = aws.String(contentType)
	}
	if _, err := s.Client.PutObject(ctx, input); err != nil {
		return "", apperr.Wrap(apperr.CodeInternal, "media upload", err)
	}
	return fmt.Sprintf("%s/%s", s.BaseURL, key), nil
}

func (s *S3BlobStore) Get(ctx context.Context, key string) ([]byte, error) {
	resp, err := s.Client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.Bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeNotFound, "media blob", err)
	}
	defer resp.Body.Close()
	return io.ReadAll(resp.Body)
}

func (s *S3BlobStore) Delete(ctx context.Context, key string) error {
	if _, err := s.Client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.Bucket),
		Key:    aws.String(key),
	}); err != nil {
		return apperr.Wrap(apperr.CodeInternal, "media delete", err)
	}
	return nil
}

// MemoryBlobStore is the in-process BlobStore used when no bucket is
// configured.
type MemoryBlobStore struct {
	mu      sync.RWMutex
	blobs   map[string][]byte
	BaseURL string
}

// NewMemoryBlobStore creates an empty store.
func NewMemoryBlobStore(baseURL string) *MemoryBlobStore {
	return &MemoryBlobStore{blobs: make(map[string][]byte), BaseURL: baseURL}
}

var _ BlobStore = (*MemoryBlobStore)(nil)

func (m *MemoryBlobStore) Save(_ context.Context, key string, content []byte, _ string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	buf := make([]byte, len(content))
	copy(buf, content)
	m.blobs[key] = buf
	return fmt.Sprintf("%s/%s", m.BaseURL, key), nil
}

func (m *MemoryBlobStore) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	blob, ok := m.blobs[key]
	if !ok {
		return nil, apperr.NotFound("media blob not found")
	}
	out := make([]byte, len(blob))
	copy(out, blob)
	return out, nil
}

func (m *MemoryBlobStore) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.blobs, key)
	return nil
}
