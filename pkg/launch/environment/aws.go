package environment

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	"github.com/aws/smithy-go"
	xe "github.com/opst/knitlaunch/pkg/errors"
)

// S3API is the subset of s3.Client used here.
type S3API interface {
	HeadBucket(ctx context.Context, in *s3.HeadBucketInput, opts ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
	PutObject(ctx context.Context, in *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// STSAPI is the subset of sts.Client used here.
type STSAPI interface {
	GetCallerIdentity(ctx context.Context, in *sts.GetCallerIdentityInput, opts ...func(*sts.Options)) (*sts.GetCallerIdentityOutput, error)
}

type AWSConfig struct {
	Region  string
	Profile string

	// Static credentials. When empty, the default credential chain is used.
	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string
}

type AWS struct {
	cfg aws.Config
	s3  S3API
	sts STSAPI
}

var _ Environment = &AWS{}

// NewAWS loads aws configuration and creates clients.
func NewAWS(ctx context.Context, c AWSConfig) (*AWS, error) {
	opts := []func(*config.LoadOptions) error{}
	if c.Region != "" {
		opts = append(opts, config.WithRegion(c.Region))
	}
	if c.Profile != "" {
		opts = append(opts, config.WithSharedConfigProfile(c.Profile))
	}
	if c.AccessKeyID != "" && c.SecretAccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(c.AccessKeyID, c.SecretAccessKey, c.SessionToken),
		))
	}
	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, xe.NewLaunchError("could not load aws configuration: %w", err)
	}
	if cfg.Region == "" {
		return nil, xe.NewLaunchError("aws region is not configured. set environment.region in the agent config or AWS_REGION")
	}
	return NewAWSWithClients(cfg, s3.NewFromConfig(cfg), sts.NewFromConfig(cfg)), nil
}

func NewAWSWithClients(cfg aws.Config, s3c S3API, stsc STSAPI) *AWS {
	return &AWS{cfg: cfg, s3: s3c, sts: stsc}
}

func (a *AWS) Type() Type {
	return TypeAWS
}

// Config is the loaded aws configuration, for other aws service clients.
func (a *AWS) Config() aws.Config {
	return a.cfg
}

func (a *AWS) Region() string {
	return a.cfg.Region
}

// AccountID returns the account of the credentials.
func (a *AWS) AccountID(ctx context.Context) (string, error) {
	out, err := a.sts.GetCallerIdentity(ctx, &sts.GetCallerIdentityInput{})
	if err != nil {
		return "", xe.NewLaunchError("could not verify aws credentials: %w", err)
	}
	return aws.ToString(out.Account), nil
}

// Credentials returns the credentials resolved from the configuration.
func (a *AWS) Credentials(ctx context.Context) (aws.Credentials, error) {
	if a.cfg.Credentials == nil {
		return aws.Credentials{}, xe.NewLaunchError("no aws credentials are configured")
	}
	return a.cfg.Credentials.Retrieve(ctx)
}

func (a *AWS) Verify(ctx context.Context) error {
	_, err := a.AccountID(ctx)
	return err
}

func (a *AWS) VerifyStorageURI(ctx context.Context, uri string) error {
	u, err := ParseStorageURI(uri, "s3")
	if err != nil {
		return err
	}
	if _, err := a.s3.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(u.Bucket)}); err != nil {
		var apiErr smithy.APIError
		if xe.As(err, &apiErr) {
			return xe.NewLaunchError("bucket %s is not accessible (%s): %w", u.Bucket, apiErr.ErrorCode(), err)
		}
		return xe.NewLaunchError("bucket %s is not accessible: %w", u.Bucket, err)
	}
	return nil
}

func (a *AWS) UploadFile(ctx context.Context, src string, dst string) error {
	u, err := ParseStorageURI(dst, "s3")
	if err != nil {
		return err
	}
	return a.put(ctx, src, u)
}

func (a *AWS) UploadDir(ctx context.Context, src string, dst string) error {
	u, err := ParseStorageURI(dst, "s3")
	if err != nil {
		return err
	}
	return filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		return a.put(ctx, path, u.Join(filepath.ToSlash(rel)))
	})
}

func (a *AWS) put(ctx context.Context, src string, dst StorageURI) error {
	f, err := os.Open(src)
	if err != nil {
		return xe.Wrap(err)
	}
	defer f.Close()
	stat, err := f.Stat()
	if err != nil {
		return xe.Wrap(err)
	}

	key := strings.TrimPrefix(dst.Key, "/")
	if _, err := a.s3.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(dst.Bucket),
		Key:           aws.String(key),
		Body:          f,
		ContentLength: aws.Int64(stat.Size()),
	}); err != nil {
		return xe.WrapWithNote("upload to "+dst.String(), err)
	}
	return nil
}
