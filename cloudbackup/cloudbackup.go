// Package cloudbackup uploads a settings backup archive to S3 when the user
// has configured a backup bucket, as an optional extra destination
// alongside removable media and the local data partition.
package cloudbackup

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/daemonforge/pkgmand/awsinteg"
	"github.com/daemonforge/pkgmand/lalog"
)

// Uploader uploads settings backup files to a fixed S3 bucket.
type Uploader struct {
	client *awsinteg.S3Client
	bucket string
	logger lalog.Logger
}

// New returns an Uploader backed by a freshly constructed S3 client, or a
// nil Uploader plus an error if bucket is empty or the S3 client cannot be
// created.
func New(bucket string, logger lalog.Logger) (*Uploader, error) {
	if bucket == "" {
		return nil, fmt.Errorf("cloudbackup: no backup bucket configured")
	}
	client, err := awsinteg.NewS3Client()
	if err != nil {
		return nil, fmt.Errorf("cloudbackup: %w", err)
	}
	return &Uploader{client: client, bucket: bucket, logger: logger}, nil
}

// UploadSettingsFile uploads the settings backup file at localPath under an
// object key namespaced by deviceID and the file's base name.
func (u *Uploader) UploadSettingsFile(ctx context.Context, deviceID, localPath string) error {
	f, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("cloudbackup: failed to open %q: %w", localPath, err)
	}
	defer f.Close()

	objectKey := fmt.Sprintf("%s/%s-%s", deviceID, time.Now().UTC().Format("20060102-150405"), filepath.Base(localPath))
	if err := u.client.Upload(ctx, u.bucket, objectKey, f); err != nil {
		u.logger.Warning(deviceID, err, "settings backup upload to S3 failed")
		return err
	}
	return nil
}
