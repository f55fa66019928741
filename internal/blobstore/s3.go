package blobstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"spt-go/internal/digest"
)

// S3Store is an S3-backed implementation of Store, used when the patched
// content is mirrored in a bucket rather than a local directory. Keys are
// <prefix>/<digest>.
type S3Store struct {
	client   *s3.Client
	uploader *manager.Uploader
	bucket   string
	prefix   string
}

// S3Options configures an S3Store.
type S3Options struct {
	Bucket string
	Prefix string
	Region string

	// Optional static credentials. When empty, the default AWS credential
	// chain is used (env, shared config, instance role).
	AccessKeyID     string
	SecretAccessKey string
}

// NewS3Store creates an S3 blob store for the given bucket.
func NewS3Store(ctx context.Context, opts S3Options) (*S3Store, error) {
	if opts.Bucket == "" {
		return nil, fmt.Errorf("s3 blob store requires a bucket")
	}

	var loadOpts []func(*awsconfig.LoadOptions) error
	if opts.Region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(opts.Region))
	}
	if opts.AccessKeyID != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(opts.AccessKeyID, opts.SecretAccessKey, "")))
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("loading aws config: %w", err)
	}

	client := s3.NewFromConfig(cfg)
	return &S3Store{
		client:   client,
		uploader: manager.NewUploader(client),
		bucket:   opts.Bucket,
		prefix:   opts.Prefix,
	}, nil
}

func (s *S3Store) key(d string) string {
	if s.prefix == "" {
		return d
	}
	return path.Join(s.prefix, d)
}

// Put uploads content under its digest. S3 puts are idempotent by key.
func (s *S3Store) Put(d digest.Digest, r io.Reader, size int64) error {
	_, err := s.uploader.Upload(context.Background(), &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(string(d))),
		Body:   r,
	})
	if err != nil {
		return fmt.Errorf("uploading blob %s: %w", d, err)
	}
	return nil
}

// Get downloads the blob addressed by d and writes it to w.
func (s *S3Store) Get(d digest.Digest, w io.Writer) error {
	out, err := s.client.GetObject(context.Background(), &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(string(d))),
	})
	if err != nil {
		var noKey *types.NoSuchKey
		if errors.As(err, &noKey) {
			return fmt.Errorf("%w: %s", ErrNotFound, d)
		}
		return fmt.Errorf("downloading blob %s: %w", d, err)
	}
	defer out.Body.Close()

	if _, err := io.Copy(w, out.Body); err != nil {
		return fmt.Errorf("reading blob %s: %w", d, err)
	}
	return nil
}

// Has reports whether a blob exists for d.
func (s *S3Store) Has(d digest.Digest) (bool, error) {
	_, err := s.client.HeadObject(context.Background(), &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(string(d))),
	})
	if err != nil {
		var notFound *types.NotFound
		if errors.As(err, &notFound) {
			return false, nil
		}
		return false, fmt.Errorf("checking blob %s: %w", d, err)
	}
	return true, nil
}

// Compile-time check that S3Store implements Store
var _ Store = (*S3Store)(nil)
