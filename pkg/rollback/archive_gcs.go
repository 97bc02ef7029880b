//go:build gcp

package rollback

import (
	"context"
	"encoding/json"
	"fmt"

	"cloud.google.com/go/storage"
)

// GCSArchiver writes evicted snapshots to Google Cloud Storage as JSON
// objects keyed by snapshot ID.
type GCSArchiver struct {
	client *storage.Client
	bucket string
	prefix string
}

// GCSArchiverConfig holds configuration for GCSArchiver.
type GCSArchiverConfig struct {
	Bucket string
	Prefix string // Optional key prefix (e.g., "snapshots/")
}

// NewGCSArchiver creates a new GCS-backed snapshot archiver. Uses ADC for
// credentials.
func NewGCSArchiver(ctx context.Context, cfg GCSArchiverConfig) (*GCSArchiver, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCS client: %w", err)
	}

	return &GCSArchiver{
		client: client,
		bucket: cfg.Bucket,
		prefix: cfg.Prefix,
	}, nil
}

// Archive uploads the snapshot, overwriting any existing object for the ID.
func (a *GCSArchiver) Archive(ctx context.Context, snap *Snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}

	obj := a.client.Bucket(a.bucket).Object(a.prefix + snap.SnapshotID + ".json")
	w := obj.NewWriter(ctx)
	w.ContentType = "application/json"

	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return fmt.Errorf("gcs write failed: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("gcs close failed: %w", err)
	}
	return nil
}
