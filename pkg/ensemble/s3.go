package ensemble

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// S3Resolver reads the server list from an object at s3://bucket/key
type S3Resolver struct {
	client *s3.Client
}

// S3ResolverConfig holds S3 configuration
type S3ResolverConfig struct {
	Region          string
	Endpoint        string // For MinIO/local S3
	AccessKeyID     string
	SecretAccessKey string
}

// NewS3Resolver creates a new S3-backed resolver
func NewS3Resolver(ctx context.Context, cfg S3ResolverConfig) (*S3Resolver, error) {
	optFns := []func(*config.LoadOptions) error{
		config.WithRegion(cfg.Region),
	}

	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		optFns = append(optFns, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, optFns...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	clientOpts := []func(*s3.Options){}
	if cfg.Endpoint != "" {
		clientOpts = append(clientOpts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true // Required for MinIO
		})
	}

	return &S3Resolver{client: s3.NewFromConfig(awsCfg, clientOpts...)}, nil
}

// Resolve ignores validateCerts; TLS for S3 is governed by the AWS config.
func (r *S3Resolver) Resolve(ctx context.Context, endpoint string, validateCerts bool, timeout time.Duration) (string, error) {
	bucket, key, err := splitObjectURL(endpoint)
	if err != nil {
		return "", err
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	output, err := r.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return "", fmt.Errorf("failed to get server list from S3: %w", err)
	}
	defer output.Body.Close()

	data, err := io.ReadAll(output.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read server list: %w", err)
	}
	return parseEnsemble(data)
}

func splitObjectURL(endpoint string) (string, string, error) {
	u, err := url.Parse(endpoint)
	if err != nil || u.Scheme != "s3" {
		return "", "", fmt.Errorf("invalid S3 endpoint %q", endpoint)
	}
	key := strings.TrimPrefix(u.Path, "/")
	if u.Host == "" || key == "" {
		return "", "", fmt.Errorf("S3 endpoint %q must be s3://bucket/key", endpoint)
	}
	return u.Host, key, nil
}
