// Package archive writes immutable thread snapshots to object storage.
// Archiving is best-effort: a failed write is logged and never fails the
// request that produced the snapshot.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"threadpub/internal/thread"
)

// Config holds the object-store connection settings.
type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

// Archiver stores resolved-thread snapshots under
// threads/<postID>/<captured-unix>.json.
type Archiver struct {
	client *minio.Client
	bucket string
}

// New connects to the object store and ensures the bucket exists.
func New(ctx context.Context, cfg Config) (*Archiver, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("archive client: %w", err)
	}

	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("archive bucket check: %w", err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("archive bucket create: %w", err)
		}
	}
	return &Archiver{client: client, bucket: cfg.Bucket}, nil
}

// snapshot is the archived wire shape. Snapshots are never read back by
// the service itself, so the shape only has to be self-describing.
type snapshot struct {
	MainPostID string                 `json:"mainPostId"`
	CapturedAt time.Time              `json:"capturedAt"`
	Thread     *thread.ResolvedThread `json:"thread"`
}

// Put writes one snapshot. Safe to call on a nil Archiver.
func (a *Archiver) Put(ctx context.Context, rt *thread.ResolvedThread) {
	if a == nil || rt == nil {
		return
	}
	body, err := json.Marshal(snapshot{
		MainPostID: rt.MainPostID,
		CapturedAt: rt.CapturedAt,
		Thread:     rt,
	})
	if err != nil {
		log.Printf("archive: marshal %s: %v", rt.MainPostID, err)
		return
	}

	key := fmt.Sprintf("threads/%s/%d.json", rt.MainPostID, rt.CapturedAt.Unix())
	_, err = a.client.PutObject(ctx, a.bucket, key, bytes.NewReader(body), int64(len(body)),
		minio.PutObjectOptions{ContentType: "application/json"})
	if err != nil {
		log.Printf("archive: put %s: %v", key, err)
	}
}
