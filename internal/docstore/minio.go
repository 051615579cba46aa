// Package docstore stores source and edited documents in S3-compatible
// object storage and hands out the URLs the rest of the system works with.
package docstore

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"evalsync/api/internal/util"
)

// Upload is the result of storing a document: the object id used for later
// deletion and the URL handed to the editor.
type Upload struct {
	ID  string `json:"id"`
	URL string `json:"url"`
}

// Store wraps a minio client for one bucket.
type Store struct {
	client    *minio.Client
	bucket    string
	publicURL string
}

// New connects to object storage and makes sure the bucket exists.
func New(ctx context.Context, endpoint, accessKey, secretKey, bucket, publicURL string, useSSL bool) (*Store, error) {
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: useSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("connect object storage: %w", err)
	}

	exists, err := client.BucketExists(ctx, bucket)
	if err != nil {
		return nil, fmt.Errorf("check bucket: %w", err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("create bucket: %w", err)
		}
	}

	return &Store{client: client, bucket: bucket, publicURL: strings.TrimRight(publicURL, "/")}, nil
}

// UploadDocument stores a document read from r and returns its id and URL.
func (s *Store) UploadDocument(ctx context.Context, r io.Reader, size int64, filename, contentType string) (Upload, error) {
	objectID := util.NewID("doc") + path.Ext(filename)
	_, err := s.client.PutObject(ctx, s.bucket, objectID, r, size, minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return Upload{}, fmt.Errorf("upload document: %w", err)
	}
	return Upload{ID: objectID, URL: s.objectURL(objectID)}, nil
}

// UploadFromURL fetches a document from a remote URL (typically the editor's
// export URL) and stores a copy, returning the durable URL.
func (s *Store) UploadFromURL(ctx context.Context, sourceURL, filename string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, sourceURL, nil)
	if err != nil {
		return "", fmt.Errorf("build fetch request: %w", err)
	}
	client := &http.Client{Timeout: 30 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetch document: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("fetch document: status %d", resp.StatusCode)
	}

	upload, err := s.UploadDocument(ctx, resp.Body, resp.ContentLength, filename, resp.Header.Get("Content-Type"))
	if err != nil {
		return "", err
	}
	return upload.URL, nil
}

// DeleteObject removes a stored document. S3 deletes are silently successful
// for unknown keys, so the object is stat'ed first to report whether anything
// was actually removed.
func (s *Store) DeleteObject(ctx context.Context, objectID string) (bool, error) {
	if _, err := s.client.StatObject(ctx, s.bucket, objectID, minio.StatObjectOptions{}); err != nil {
		resp := minio.ToErrorResponse(err)
		if resp.Code == "NoSuchKey" {
			return false, nil
		}
		return false, fmt.Errorf("stat object: %w", err)
	}
	if err := s.client.RemoveObject(ctx, s.bucket, objectID, minio.RemoveObjectOptions{}); err != nil {
		return false, fmt.Errorf("delete object: %w", err)
	}
	return true, nil
}

// PresignedGetURL returns a short-lived direct download URL for an object.
func (s *Store) PresignedGetURL(ctx context.Context, objectID string, expiry time.Duration) (string, error) {
	u, err := s.client.PresignedGetObject(ctx, s.bucket, objectID, expiry, nil)
	if err != nil {
		return "", fmt.Errorf("presign object url: %w", err)
	}
	return u.String(), nil
}

func (s *Store) objectURL(objectID string) string {
	if s.publicURL != "" {
		return s.publicURL + "/" + s.bucket + "/" + objectID
	}
	return fmt.Sprintf("https://%s/%s/%s", s.client.EndpointURL().Host, s.bucket, objectID)
}
