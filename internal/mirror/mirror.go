// Package mirror copies published page images to an S3-compatible bucket so
// other viewers can follow the preview.
package mirror

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/kfaryarok/abuela/internal/config"
	"github.com/kfaryarok/abuela/pkg/previewapi"
)

const defaultBucket = "abuela-previews"

// objectStore is the part of *minio.Client the mirror uses.
type objectStore interface {
	BucketExists(ctx context.Context, bucket string) (bool, error)
	MakeBucket(ctx context.Context, bucket string, opts minio.MakeBucketOptions) error
	FPutObject(ctx context.Context, bucket, object, path string, opts minio.PutObjectOptions) (minio.UploadInfo, error)
}

type Mirror struct {
	store     objectStore
	bucket    string
	sessionID string
	timeout   time.Duration

	mu          sync.Mutex
	bucketReady bool
	wg          sync.WaitGroup
}

// New connects to the MinIO endpoint from cfg.
func New(cfg config.Config, sessionID string) (*Mirror, error) {
	endpoint := strings.TrimSpace(cfg.MinIOEndpoint)
	if endpoint == "" {
		return nil, errors.New("minio endpoint is required when ABUELA_ARTIFACT_BACKEND=minio")
	}
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.MinIOAccessKey, cfg.MinIOSecretKey, ""),
		Secure: cfg.MinIOUseSSL,
	})
	if err != nil {
		return nil, err
	}
	return newWithStore(client, cfg.MinIOBucket, sessionID), nil
}

func newWithStore(store objectStore, bucket, sessionID string) *Mirror {
	bucket = strings.TrimSpace(bucket)
	if bucket == "" {
		bucket = defaultBucket
	}
	return &Mirror{store: store, bucket: bucket, sessionID: sessionID, timeout: 30 * time.Second}
}

// ObjectName is the key of page n (1-based) of a generation.
func ObjectName(sessionID string, generation uint64, n int) string {
	return fmt.Sprintf("%s/%d/page-%d.jpg", sessionID, generation, n)
}

// Handle uploads a successful result in the background. It is meant to be
// registered as an orchestrator subscriber; failures are only logged.
func (m *Mirror) Handle(res previewapi.CompileResult) {
	if res.Outcome != previewapi.OutcomeSuccess || len(res.Pages) == 0 {
		return
	}
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
		defer cancel()
		if err := m.Upload(ctx, res); err != nil {
			log.Printf("mirror upload failed gen=%d: %v", res.Generation, err)
		}
	}()
}

// Upload puts every page of res into the bucket, creating it when absent.
func (m *Mirror) Upload(ctx context.Context, res previewapi.CompileResult) error {
	if err := m.ensureBucket(ctx); err != nil {
		return err
	}
	for i, page := range res.Pages {
		object := ObjectName(m.sessionID, res.Generation, i+1)
		if _, err := m.store.FPutObject(ctx, m.bucket, object, page, minio.PutObjectOptions{ContentType: "image/jpeg"}); err != nil {
			return fmt.Errorf("put %s: %w", object, err)
		}
	}
	return nil
}

func (m *Mirror) ensureBucket(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.bucketReady {
		return nil
	}
	exists, err := m.store.BucketExists(ctx, m.bucket)
	if err != nil {
		return err
	}
	if !exists {
		if err := m.store.MakeBucket(ctx, m.bucket, minio.MakeBucketOptions{}); err != nil {
			return err
		}
	}
	m.bucketReady = true
	return nil
}

// Wait blocks until background uploads finish.
func (m *Mirror) Wait() { m.wg.Wait() }
