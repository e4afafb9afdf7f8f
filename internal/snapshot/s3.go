package snapshot

import (
	"bytes"
	"context"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/pkg/errors"

	"github.com/trafflux/petdb/internal/data"
)

const defaultRegion = "us-east-1"

// ObjectAPI is the part of the S3 client the snapshot uses.
type ObjectAPI interface {
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Config locates the snapshot object. Credentials come from the default AWS chain.
type S3Config struct {
	Bucket    string
	Key       string
	Region    string
	Endpoint  string
	PathStyle bool
}

// S3 keeps the snapshot as a single object.
type S3 struct {
	client ObjectAPI
	bucket string
	key    string
}

var _ Cache = (*S3)(nil)

// NewS3 builds an S3 snapshot cache from the default AWS configuration.
func NewS3(ctx context.Context, cfg S3Config) (*S3, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("s3 snapshot bucket required")
	}

	region := cfg.Region
	if region == "" {
		region = defaultRegion
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, errors.Wrap(err, "could not load aws configuration")
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.PathStyle
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})

	return NewS3WithClient(client, cfg.Bucket, cfg.Key), nil
}

func NewS3WithClient(client ObjectAPI, bucket, key string) *S3 {
	if key == "" {
		key = "models.json"
	}
	return &S3{client: client, bucket: bucket, key: key}
}

func (s *S3) Load(ctx context.Context) (map[string]data.Fields, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{Bucket: aws.String(s.bucket), Key: aws.String(s.key)})
	if err != nil {
		var nsk *types.NoSuchKey
		if errors.As(err, &nsk) {
			return nil, errors.Wrapf(ErrNoSnapshot, "s3://%s/%s", s.bucket, s.key)
		}
		return nil, errors.Wrapf(err, "could not get s3://%s/%s", s.bucket, s.key)
	}
	defer out.Body.Close()

	b, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, errors.Wrapf(err, "could not read s3://%s/%s", s.bucket, s.key)
	}

	return Decode(b)
}

func (s *S3) Save(ctx context.Context, models map[string]data.Fields) error {
	b, err := Encode(models)
	if err != nil {
		return err
	}

	if _, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(s.key),
		Body:        bytes.NewReader(b),
		ContentType: aws.String("application/json"),
	}); err != nil {
		return errors.Wrapf(err, "could not put s3://%s/%s", s.bucket, s.key)
	}

	return nil
}
