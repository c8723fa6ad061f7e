package snapshot

import (
	"context"
	"os"
	"path/filepath"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/mvm-project/mvm/internal/domain"
)

// S3Backup uploads a pool's base snapshot directory to an S3-compatible
// bucket after CreateBase completes, so a node loss doesn't strand the
// last base for every idle tenant on that node alone. Grounded on the
// teacher's AWS SDK v2 client-construction idiom
// (`s3.NewFromConfig`/`NewFromConfig` option funcs, seen throughout
// cmd/infra/aws in the pack) and the manager package's uploader, used
// here instead of plain PutObject since base snapshots (vmstate+mem)
// can exceed S3's single-PUT size comfortably handled by multipart.
type S3Backup struct {
	client   *s3.Client
	uploader *manager.Uploader
	bucket   string
	prefix   string
}

// NewS3Backup resolves credentials the standard SDK way (env vars,
// shared config, instance role) via config.LoadDefaultConfig; endpoint
// overrides an S3-compatible (e.g. MinIO) target when set.
func NewS3Backup(ctx context.Context, bucket, prefix, region, endpoint string) (*S3Backup, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, domain.WrapError(domain.KindInternal, err, "load aws config")
	}
	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if endpoint != "" {
			o.BaseEndpoint = &endpoint
			o.UsePathStyle = true
		}
	})
	return &S3Backup{
		client:   client,
		uploader: manager.NewUploader(client),
		bucket:   bucket,
		prefix:   prefix,
	}, nil
}

// UploadBase uploads every file under a pool's base snapshot directory
// (vmstate.bin[.gz], mem.bin[.gz], meta.json) keyed by
// <prefix>/<tenantID>/<poolID>/<name>.
func (b *S3Backup) UploadBase(ctx context.Context, tenantID, poolID, dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return domain.WrapError(domain.KindSnapshotIO, err, "read snapshot dir %s", dir)
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		path := filepath.Join(dir, e.Name())
		if err := b.uploadFile(ctx, tenantID, poolID, e.Name(), path); err != nil {
			return err
		}
	}
	return nil
}

func s3Key(prefix, tenantID, poolID, name string) string {
	return filepath.ToSlash(filepath.Join(prefix, tenantID, poolID, name))
}

func (b *S3Backup) uploadFile(ctx context.Context, tenantID, poolID, name, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return domain.WrapError(domain.KindSnapshotIO, err, "open %s", path)
	}
	defer f.Close()

	key := s3Key(b.prefix, tenantID, poolID, name)
	_, err = b.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket: &b.bucket,
		Key:    &key,
		Body:   f,
	})
	if err != nil {
		return domain.WrapError(domain.KindSnapshotIO, err, "upload %s to s3://%s/%s", path, b.bucket, key)
	}
	return nil
}
