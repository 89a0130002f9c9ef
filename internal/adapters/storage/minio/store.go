package minio

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"breedscope.app/internal/core/domain"
	"breedscope.app/internal/core/ports"
)

var ErrArtifactNotFound = domain.ErrArtifactNotFound

// Store keeps artifacts as objects under a prefix in one bucket.
type Store struct {
	client *minio.Client
	bucket string
	prefix string
}

var _ ports.ArtifactStore = (*Store)(nil)

func NewStore(ctx context.Context, endpoint, accessKey, secretKey, bucket string, secure bool) (*Store, error) {
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: secure,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create S3 client: %w", err)
	}

	exists, err := client.BucketExists(ctx, bucket)
	if err != nil {
		return nil, fmt.Errorf("check bucket %s: %w", bucket, err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("make bucket %s: %w", bucket, err)
		}
	}

	return &Store{client: client, bucket: bucket, prefix: "uploads/"}, nil
}

func (s *Store) Put(ctx context.Context, filename string, data []byte) error {
	_, err := s.client.PutObject(ctx, s.bucket, s.prefix+filename, bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{ContentType: http.DetectContentType(data)},
	)
	if err != nil {
		return fmt.Errorf("s3 put object: %w", err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, filename string) ([]byte, error) {
	obj, err := s.client.GetObject(ctx, s.bucket, s.prefix+filename, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("s3 get object: %w", err)
	}
	defer obj.Close()

	data, err := io.ReadAll(obj)
	if err != nil {
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return nil, ErrArtifactNotFound
		}
		return nil, fmt.Errorf("s3 read object: %w", err)
	}
	return data, nil
}

func (s *Store) Delete(ctx context.Context, filename string) error {
	return s.client.RemoveObject(ctx, s.bucket, s.prefix+filename, minio.RemoveObjectOptions{})
}
