package s3util

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	transport "github.com/aws/smithy-go/endpoints"
)

// Config holds the object store configuration.
type Config struct {
	Endpoint        string `env:"ENDPOINT"` // empty means AWS S3
	Region          string `env:"REGION,notEmpty"`
	AccessKeyID     string `env:"ACCESS_KEY_ID,notEmpty"`
	SecretAccessKey string `env:"SECRET_ACCESS_KEY,notEmpty"`
	Bucket          string `env:"BUCKET,notEmpty"`
}

// NewClient creates a new Client from cfg.
// When cfg.Endpoint is set, requests go to that S3-compatible object storage
// (MinIO for example) using path-style addressing.
func NewClient(cfg *Config) (*s3.Client, error) {
	opts := s3.Options{
		Region:      cfg.Region,
		Credentials: credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
	}

	if cfg.Endpoint != "" {
		u, err := url.Parse(cfg.Endpoint)
		if err != nil {
			return nil, fmt.Errorf("s3util: invalid endpoint: %w", err)
		}
		if u.Scheme == "" || u.Host == "" {
			return nil, fmt.Errorf("s3util: invalid endpoint: %q", cfg.Endpoint)
		}
		opts.EndpointResolverV2 = &endpointResolver{BaseURL: u}
		opts.UsePathStyle = true
	}

	return s3.New(opts), nil
}

// endpointResolver implements s3.EndpointResolverV2.
// It resolves endpoints for S3-compatible object storage like MinIO.
type endpointResolver struct {
	BaseURL *url.URL // required
}

func (r *endpointResolver) ResolveEndpoint(_ context.Context, params s3.EndpointParameters) (transport.Endpoint, error) {
	u := *r.BaseURL
	if params.Bucket != nil {
		u.Path += "/" + *params.Bucket
	}
	return transport.Endpoint{URI: u}, nil
}

// Setup creates the bucket if it doesn't exist and waits for it.
func Setup(ctx context.Context, client *s3.Client, cfg *Config) error {
	bucket := cfg.Bucket
	input := &s3.CreateBucketInput{Bucket: &bucket}
	// us-east-1 rejects an explicit location constraint.
	if cfg.Region != "" && cfg.Region != "us-east-1" {
		input.CreateBucketConfiguration = &types.CreateBucketConfiguration{
			LocationConstraint: types.BucketLocationConstraint(cfg.Region),
		}
	}

	_, err := client.CreateBucket(ctx, input)
	if ownedErr := (*types.BucketAlreadyOwnedByYou)(nil); errors.As(err, &ownedErr) {
		// continue
	} else if existsErr := (*types.BucketAlreadyExists)(nil); errors.As(err, &existsErr) {
		// continue
	} else if err != nil {
		return fmt.Errorf("s3util: setup: %w", err)
	}

	err = s3.NewBucketExistsWaiter(client).Wait(
		ctx,
		&s3.HeadBucketInput{Bucket: &bucket},
		time.Minute,
	)
	if err != nil {
		return fmt.Errorf("s3util: setup: %w", err)
	}

	return nil
}
