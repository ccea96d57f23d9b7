package artifacts

import (
	"context"
	"fmt"
	"os"
)

// NewStoreFromEnv selects a Store backend from ARTIFACT_STORAGE_TYPE
// ("fs" or "s3", defaulting to "fs"), reading the backend's remaining
// configuration from its own env vars.
func NewStoreFromEnv(ctx context.Context) (Store, error) {
	switch kind := os.Getenv("ARTIFACT_STORAGE_TYPE"); kind {
	case "", "fs":
		dir := os.Getenv("ARTIFACT_FS_DIR")
		if dir == "" {
			dir = "/var/lib/federation/artifacts"
		}
		return NewFileStore(dir)
	case "s3":
		return NewS3Store(ctx, S3StoreConfig{
			Bucket:   os.Getenv("ARTIFACT_S3_BUCKET"),
			Region:   os.Getenv("ARTIFACT_S3_REGION"),
			Endpoint: os.Getenv("ARTIFACT_S3_ENDPOINT"),
			Prefix:   os.Getenv("ARTIFACT_S3_PREFIX"),
		})
	default:
		return nil, fmt.Errorf("artifacts: unknown ARTIFACT_STORAGE_TYPE %q", kind)
	}
}
