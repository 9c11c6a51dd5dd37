package artifacts

import (
	"context"
	"fmt"
	"strings"
)

// StoreType names an archive backend.
type StoreType string

const (
	StoreTypeFS  StoreType = "fs"
	StoreTypeS3  StoreType = "s3"
	StoreTypeGCS StoreType = "gcs"
)

// Config selects and configures the archive backend.
type Config struct {
	Type     string
	Dir      string // fs
	Bucket   string // s3, gcs
	Region   string // s3
	Endpoint string // s3, for MinIO or LocalStack
	Prefix   string // s3, gcs
}

// NewStore opens the backend named by cfg.Type. An empty type is "fs".
func NewStore(ctx context.Context, cfg Config) (Store, error) {
	switch StoreType(strings.ToLower(cfg.Type)) {
	case StoreTypeFS, "":
		dir := cfg.Dir
		if dir == "" {
			dir = "data/archive"
		}
		return NewFileStore(dir)
	case StoreTypeS3:
		return NewS3Store(ctx, cfg)
	case StoreTypeGCS:
		return newGCSStore(ctx, cfg)
	default:
		return nil, fmt.Errorf("unsupported archive storage type %q", cfg.Type)
	}
}
