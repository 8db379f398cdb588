// internal/messaging/storage.go

package messaging

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"
	"github.com/google/uuid"
	"github.com/sony/gobreaker"
)

// BlobStore persists media blobs and hands back a retrievable URL
type BlobStore interface {
	Upload(ctx context.Context, key string, body io.ReadSeeker, size int64, contentType string) (string, error)
	Delete(ctx context.Context, url string) error
}

// ErrBlobNotFound is returned by Delete when the URL does not belong to the store
var ErrBlobNotFound = errors.New("blob not found")

var allowedMediaTypes = map[string]MessageType{
	"image/jpeg":         MessageImage,
	"image/png":          MessageImage,
	"image/gif":          MessageImage,
	"image/webp":         MessageImage,
	"video/mp4":          MessageVideo,
	"video/quicktime":    MessageVideo,
	"video/webm":         MessageVideo,
	"audio/mpeg":         MessageAudio,
	"audio/wav":          MessageAudio,
	"audio/ogg":          MessageAudio,
	"audio/webm":         MessageVoice,
	"audio/aac":          MessageVoice,
	"application/pdf":    MessageFile,
	"application/zip":    MessageFile,
	"application/msword": MessageFile,
	"text/plain":         MessageFile,
}

// mediaTypeFor maps a content type to the message type it produces
func mediaTypeFor(contentType string) (MessageType, bool) {
	ct := strings.ToLower(strings.TrimSpace(strings.Split(contentType, ";")[0]))
	t, ok := allowedMediaTypes[ct]
	return t, ok
}

// mediaKey builds a unique object key under messages/YYYY/MM/DD/
func mediaKey(fileName string, now time.Time) string {
	return fmt.Sprintf("messages/%s/%s%s",
		now.Format("2006/01/02"),
		uuid.New().String(),
		strings.ToLower(filepath.Ext(fileName)),
	)
}

// S3 storage

type S3BlobStore struct {
	client     s3iface.S3API
	bucketName string
	cdnURL     string
}

// NewS3BlobStore creates a blob store backed by an S3 bucket, serving through cdnURL when set
func NewS3BlobStore(awsSession *session.Session, bucketName, cdnURL string) *S3BlobStore {
	return newS3BlobStore(s3.New(awsSession), bucketName, cdnURL)
}

func newS3BlobStore(client s3iface.S3API, bucketName, cdnURL string) *S3BlobStore {
	if cdnURL == "" {
		cdnURL = fmt.Sprintf("https://%s.s3.amazonaws.com", bucketName)
	}
	return &S3BlobStore{
		client:     client,
		bucketName: bucketName,
		cdnURL:     strings.TrimSuffix(cdnURL, "/"),
	}
}

func (s *S3BlobStore) Upload(ctx context.Context, key string, body io.ReadSeeker, size int64, contentType string) (string, error) {
	_, err := s.client.PutObjectWithContext(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucketName),
		Key:           aws.String(key),
		Body:          body,
		ContentType:   aws.String(contentType),
		ContentLength: aws.Int64(size),
		ACL:           aws.String("public-read"),
		Metadata: map[string]*string{
			"uploaded-at": aws.String(time.Now().UTC().Format(time.RFC3339)),
		},
	})
	if err != nil {
		return "", fmt.Errorf("failed to upload to S3: %w", err)
	}

	return fmt.Sprintf("%s/%s", s.cdnURL, key), nil
}

func (s *S3BlobStore) Delete(ctx context.Context, mediaURL string) error {
	if !strings.HasPrefix(mediaURL, s.cdnURL+"/") {
		return ErrBlobNotFound
	}
	key := strings.TrimPrefix(mediaURL, s.cdnURL+"/")

	_, err := s.client.DeleteObjectWithContext(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucketName),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("failed to delete from S3: %w", err)
	}
	return nil
}

// Local storage, used in development when USE_S3 is off

type LocalBlobStore struct {
	dir     string
	baseURL string
}

// NewLocalBlobStore stores blobs under dir and serves them from baseURL
func NewLocalBlobStore(dir, baseURL string) (*LocalBlobStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create upload dir: %w", err)
	}
	return &LocalBlobStore{dir: dir, baseURL: strings.TrimSuffix(baseURL, "/")}, nil
}

func (s *LocalBlobStore) Upload(ctx context.Context, key string, body io.ReadSeeker, size int64, contentType string) (string, error) {
	target := filepath.Join(s.dir, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return "", err
	}

	f, err := os.Create(target)
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(f, body); err != nil {
		f.Close()
		os.Remove(target)
		return "", err
	}
	if err := f.Close(); err != nil {
		return "", err
	}

	return s.baseURL + "/" + key, nil
}

func (s *LocalBlobStore) Delete(ctx context.Context, mediaURL string) error {
	if !strings.HasPrefix(mediaURL, s.baseURL+"/") {
		return ErrBlobNotFound
	}
	key, err := url.PathUnescape(strings.TrimPrefix(mediaURL, s.baseURL+"/"))
	if err != nil {
		return err
	}
	clean := path.Clean("/" + key)
	err = os.Remove(filepath.Join(s.dir, filepath.FromSlash(clean)))
	if errors.Is(err, os.ErrNotExist) {
		return ErrBlobNotFound
	}
	return err
}

// Circuit breaker

// BreakerBlobStore trips after consecutive upstream failures and fails fast while open
type BreakerBlobStore struct {
	next BlobStore
	cb   *gobreaker.CircuitBreaker
}

func NewBreakerBlobStore(next BlobStore, maxFailures uint32, openTimeout time.Duration) *BreakerBlobStore {
	settings := gobreaker.Settings{
		Name:        "blob-store",
		MaxRequests: 1,
		Timeout:     openTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, ErrBlobNotFound) || errors.Is(err, context.Canceled)
		},
	}
	return &BreakerBlobStore{next: next, cb: gobreaker.NewCircuitBreaker(settings)}
}

func (b *BreakerBlobStore) Upload(ctx context.Context, key string, body io.ReadSeeker, size int64, contentType string) (string, error) {
	res, err := b.cb.Execute(func() (interface{}, error) {
		return b.next.Upload(ctx, key, body, size, contentType)
	})
	if err != nil {
		return "", err
	}
	return res.(string), nil
}

func (b *BreakerBlobStore) Delete(ctx context.Context, mediaURL string) error {
	_, err := b.cb.Execute(func() (interface{}, error) {
		return nil, b.next.Delete(ctx, mediaURL)
	})
	return err
}

// State exposes the breaker state for health reporting
func (b *BreakerBlobStore) State() string {
	return b.cb.State().String()
}
