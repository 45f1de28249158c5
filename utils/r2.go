// utils/r2.go
package utils

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// ObjectPutter is the subset of the S3 client the bucket needs.
type ObjectPutter interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// Bucket uploads objects to an S3-compatible store (Cloudflare R2 in production).
type Bucket struct {
	client     ObjectPutter
	name       string
	publicBase string
}

type BucketOptions struct {
	Endpoint        string
	Name            string
	AccessKeyID     string
	SecretAccessKey string
	Region          string
	PublicBaseURL   string
}

// NewBucket builds an S3 client with static credentials and a custom endpoint.
func NewBucket(ctx context.Context, o BucketOptions) (*Bucket, error) {
	region := o.Region
	if region == "" {
		region = "auto"
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(region),
		awsconfig.WithHTTPClient(HTTPClient),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			o.AccessKeyID, o.SecretAccessKey, "",
		)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load R2 config: %w", err)
	}

	client := s3.NewFromConfig(cfg, func(opts *s3.Options) {
		if o.Endpoint != "" {
			opts.BaseEndpoint = aws.String(o.Endpoint)
			opts.UsePathStyle = true
		}
	})

	publicBase := o.PublicBaseURL
	if publicBase == "" && o.Endpoint != "" {
		publicBase = strings.TrimRight(o.Endpoint, "/") + "/" + o.Name
	}
	return NewBucketWithClient(client, o.Name, publicBase), nil
}

func NewBucketWithClient(client ObjectPutter, name, publicBase string) *Bucket {
	return &Bucket{client: client, name: name, publicBase: strings.TrimRight(publicBase, "/")}
}

// Put uploads body under key and returns its public URL.
func (b *Bucket) Put(ctx context.Context, key string, body []byte, contentType string) (string, error) {
	_, err := b.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(b.name),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return "", fmt.Errorf("failed to upload to R2: %w", err)
	}
	return fmt.Sprintf("%s/%s", b.publicBase, key), nil
}
