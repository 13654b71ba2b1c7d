package destination

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/pixelgardenlabs/pglb/pkg/manifest"
)

// ObjectStoreConfig is the S3 section of the config file, per spec §6.
type ObjectStoreConfig struct {
	Bucket          string
	Prefix          string
	Region          string
	Endpoint        string // non-empty for MinIO and other S3-compatible stores
	AccessKeyID     string
	SecretAccessKey string
}

// ObjectStore treats bucket+prefix as the destination root and mirrors the
// source tree by concatenating the prefix with each relative path, per
// spec §4.F. Client construction is grounded on savedhq-agent's
// pkg/s3/client.go: static credentials, optional custom endpoint, and
// forced path-style addressing for non-AWS S3-compatible backends.
type ObjectStore struct {
	cfg    ObjectStoreConfig
	client *s3.Client
}

// NewObjectStore builds an S3 client for cfg.
func NewObjectStore(ctx context.Context, cfg ObjectStoreConfig) (*ObjectStore, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(
		ctx,
		awsconfig.WithRegion(cfg.Region),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")),
	)
	if err != nil {
		return nil, fmt.Errorf("destination: load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = true
	})

	return &ObjectStore{cfg: cfg, client: client}, nil
}

func (o *ObjectStore) Kind() Kind   { return KindObjectStore }
func (o *ObjectStore) Name() string { return fmt.Sprintf("s3://%s/%s", o.cfg.Bucket, o.cfg.Prefix) }
func (o *ObjectStore) Root() string { return o.cfg.Prefix }
func (o *ObjectStore) Close() error { return nil }

// Mkdirs is a no-op: object stores have no directory concept, keys are
// flat strings that happen to contain slashes.
func (o *ObjectStore) Mkdirs(context.Context, string) error { return nil }

func (o *ObjectStore) key(relPath string) string {
	return path.Join(o.cfg.Prefix, relPath)
}

func (o *ObjectStore) Put(ctx context.Context, relPath string, r io.Reader, size int64) error {
	key := o.key(relPath)
	var body io.Reader = r
	// PutObject needs a ReadSeeker-ish body for retry-safety; buffering
	// here mirrors the SFTP copier's same tradeoff for non-seekable
	// sources such as an encryptor's pipe.
	if size < 0 || size > 0 {
		data, err := io.ReadAll(r)
		if err != nil {
			return fmt.Errorf("destination: buffer %s for upload: %w", relPath, err)
		}
		body = bytes.NewReader(data)
	}

	_, err := o.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(o.cfg.Bucket),
		Key:    aws.String(key),
		Body:   body,
	})
	if err != nil {
		return fmt.Errorf("destination: put %s to s3://%s/%s: %w", relPath, o.cfg.Bucket, key, err)
	}
	return nil
}

func (o *ObjectStore) ListManifests(ctx context.Context) ([]string, error) {
	var names []string
	paginator := s3.NewListObjectsV2Paginator(o.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(o.cfg.Bucket),
		Prefix: aws.String(o.cfg.Prefix),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("destination: list s3://%s/%s: %w", o.cfg.Bucket, o.cfg.Prefix, err)
		}
		for _, obj := range page.Contents {
			base := path.Base(aws.ToString(obj.Key))
			if manifest.RunIDFromFileName(base) != "" {
				names = append(names, base)
			}
		}
	}
	return names, nil
}

func (o *ObjectStore) ReadManifest(ctx context.Context, runID string) (*manifest.Manifest, error) {
	key := o.key(manifest.FileNameFor(runID))
	out, err := o.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(o.cfg.Bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var noSuchKey *s3types.NoSuchKey
		if errors.As(err, &noSuchKey) {
			return nil, nil
		}
		return nil, fmt.Errorf("destination: get s3://%s/%s: %w", o.cfg.Bucket, key, err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("destination: read body s3://%s/%s: %w", o.cfg.Bucket, key, err)
	}
	return manifest.Parse(data)
}

func (o *ObjectStore) WriteManifest(ctx context.Context, m *manifest.Manifest) error {
	data, err := manifest.Marshal(m)
	if err != nil {
		return err
	}
	return o.Put(ctx, m.FileName(), bytes.NewReader(data), int64(len(data)))
}

// FilesystemID is always empty: dedup never attempts to hardlink into an
// object store.
func (o *ObjectStore) FilesystemID() (string, error) { return "", nil }
