package storage

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/rs/zerolog"
	"github.com/snarg/storage-transcribe/internal/config"
	"github.com/snarg/storage-transcribe/internal/pipeline"
)

// S3Store reads and writes objects in an S3-compatible object store.
type S3Store struct {
	client *s3.Client
	log    zerolog.Logger
}

// NewS3Store creates an S3 object store from config. Static credentials are
// used when an access key is set, otherwise the default AWS chain applies.
func NewS3Store(ctx context.Context, cfg config.S3Config, log zerolog.Logger) (*S3Store, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
	}
	if cfg.AccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("aws config: %w", err)
	}

	var s3Opts []func(*s3.Options)
	if cfg.Endpoint != "" {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		})
	}

	return &S3Store{
		client: s3.NewFromConfig(awsCfg, s3Opts...),
		log:    log.With().Str("component", "s3-store").Logger(),
	}, nil
}

// HeadBucket checks that the bucket exists and credentials are valid.
func (s *S3Store) HeadBucket(ctx context.Context, bucket string) error {
	_, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{
		Bucket: &bucket,
	})
	return err
}

func (s *S3Store) Download(ctx context.Context, bucket, name, dst string) error {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: &bucket,
		Key:    &name,
	})
	if err != nil {
		return fmt.Errorf("get s3://%s/%s: %w", bucket, name, err)
	}
	defer out.Body.Close()
	return writeFile(dst, out.Body)
}

func (s *S3Store) Upload(ctx context.Context, req pipeline.UploadRequest) (*pipeline.FileHandle, error) {
	f, err := os.Open(req.LocalPath)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", req.LocalPath, err)
	}
	defer f.Close()

	input := &s3.PutObjectInput{
		Bucket:   &req.Bucket,
		Key:      &req.Name,
		Body:     f,
		Metadata: req.Metadata,
	}
	if req.ContentType != "" {
		input.ContentType = &req.ContentType
	}
	if _, err := s.client.PutObject(ctx, input); err != nil {
		return nil, fmt.Errorf("put s3://%s/%s: %w", req.Bucket, req.Name, err)
	}
	s.log.Debug().Str("bucket", req.Bucket).Str("key", req.Name).Msg("uploaded")

	return &pipeline.FileHandle{
		Bucket: req.Bucket,
		Name:   req.Name,
		URI:    "s3://" + req.Bucket + "/" + req.Name,
	}, nil
}

func (s *S3Store) Stat(ctx context.Context, bucket, name string) (*pipeline.TriggerObject, error) {
	out, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: &bucket,
		Key:    &name,
	})
	if err != nil {
		var nf *types.NotFound
		if errors.As(err, &nf) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &pipeline.TriggerObject{
		Bucket:      bucket,
		Name:        name,
		ContentType: aws.ToString(out.ContentType),
		Metadata:    normalizeMetadata(out.Metadata),
		Size:        aws.ToInt64(out.ContentLength),
	}, nil
}

func (s *S3Store) Type() string { return "s3" }

func (s *S3Store) Close() error { return nil }
