package blobstore

import (
	"context"
	"fmt"

	"spt-go/internal/config"
)

// NewStoreFromConfig creates a Store implementation based on the blob store
// config type.
func NewStoreFromConfig(ctx context.Context, cfg config.BlobStoreConfig) (Store, error) {
	switch cfg.Type {
	case "memory":
		return NewMemoryStore(), nil
	case "s3":
		return NewS3Store(ctx, S3Options{
			Bucket:          cfg.S3Bucket,
			Prefix:          cfg.S3Prefix,
			Region:          cfg.S3Region,
			AccessKeyID:     cfg.S3AccessKeyID,
			SecretAccessKey: cfg.S3SecretAccessKey,
		})
	case "filesystem", "":
		if cfg.Dir == "" {
			return nil, fmt.Errorf("filesystem blob store requires dir to be set")
		}
		return NewFileSystemStore(cfg.Dir)
	default:
		return nil, fmt.Errorf("unknown blob store type: %s", cfg.Type)
	}
}
