// Package s3backend implements backend.Backend against an S3-compatible
// object store using aws-sdk-go-v2, the object-store client carried over
// from the retrieval pack's aistore example (whose go.mod requires the
// same SDK for its own backend layer).
package s3backend

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	vbackend "github.com/cuemby/vdisk/pkg/backend"
)

// Backend is an S3-backed object store scoped to one bucket (namespace).
type Backend struct {
	client *s3.Client
	bucket string
}

// Config configures the S3 backend's endpoint and credentials.
type Config struct {
	Endpoint        string // non-empty for S3-compatible stores (MinIO, etc.)
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	PathStyle       bool
}

// New builds an S3 backend scoped to bucket.
func New(ctx context.Context, cfg Config, bucket string) (*Backend, error) {
	loadOpts := []func(*config.LoadOptions) error{}
	if cfg.Region != "" {
		loadOpts = append(loadOpts, config.WithRegion(cfg.Region))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.PathStyle
	})

	return &Backend{client: client, bucket: bucket}, nil
}

// NewFactory returns a backend.Factory over an S3-compatible endpoint,
// treating each namespace as a bucket.
func NewFactory(cfg Config) vbackend.Factory {
	return func(namespace string) (vbackend.Backend, error) {
		return New(context.Background(), cfg, namespace)
	}
}

func (b *Backend) Namespace() string { return b.bucket }

func (b *Backend) Put(ctx context.Context, key string, data io.Reader, ifNotExists bool) error {
	input := &s3.PutObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
		Body:   data,
	}
	if ifNotExists {
		input.IfNoneMatch = aws.String("*")
	}

	_, err := b.client.PutObject(ctx, input)
	if err != nil {
		if ifNotExists && isPreconditionFailed(err) {
			return vbackend.ErrConditionFailed
		}
		return fmt.Errorf("s3 put object: %w", err)
	}
	return nil
}

func (b *Backend) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	out, err := b.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("s3 get object: %w", err)
	}
	return out.Body, nil
}

func (b *Backend) Exists(ctx context.Context, key string) (bool, error) {
	_, err := b.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var notFound *types.NotFound
		if errors.As(err, &notFound) {
			return false, nil
		}
		return false, fmt.Errorf("s3 head object: %w", err)
	}
	return true, nil
}

func (b *Backend) Remove(ctx context.Context, key string) error {
	_, err := b.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("s3 delete object: %w", err)
	}
	return nil
}

func (b *Backend) List(ctx context.Context, prefix string) ([]vbackend.ObjectInfo, error) {
	var out []vbackend.ObjectInfo

	paginator := s3.NewListObjectsV2Paginator(b.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(b.bucket),
		Prefix: aws.String(prefix),
	})

	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("s3 list objects: %w", err)
		}
		for _, obj := range page.Contents {
			out = append(out, vbackend.ObjectInfo{
				Key:  aws.ToString(obj.Key),
				Size: aws.ToInt64(obj.Size),
			})
		}
	}

	return out, nil
}

func isPreconditionFailed(err error) bool {
	var apiErr interface{ ErrorCode() string }
	if errors.As(err, &apiErr) {
		return apiErr.ErrorCode() == "PreconditionFailed"
	}
	return false
}
