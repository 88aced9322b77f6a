package registry

import (
	"context"
	"encoding/base64"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ecr"
	ecrtypes "github.com/aws/aws-sdk-go-v2/service/ecr/types"
	"github.com/aws/smithy-go"
	gcrname "github.com/google/go-containerregistry/pkg/name"
	xe "github.com/opst/knitlaunch/pkg/errors"
)

// ECRAPI is the subset of ecr.Client used here.
type ECRAPI interface {
	DescribeRepositories(ctx context.Context, in *ecr.DescribeRepositoriesInput, opts ...func(*ecr.Options)) (*ecr.DescribeRepositoriesOutput, error)
	GetAuthorizationToken(ctx context.Context, in *ecr.GetAuthorizationTokenInput, opts ...func(*ecr.Options)) (*ecr.GetAuthorizationTokenOutput, error)
	DescribeImages(ctx context.Context, in *ecr.DescribeImagesInput, opts ...func(*ecr.Options)) (*ecr.DescribeImagesOutput, error)
}

// ECR is a repository in AWS Elastic Container Registry.
type ECR struct {
	region     string
	repository string
	client     ECRAPI
}

var _ Registry = &ECR{}

// NewECR returns the registry of the repository.
//
// repository is a repository name, or a uri like <account>.dkr.ecr.<region>.amazonaws.com/<name>.
func NewECR(cfg aws.Config, repository string) (*ECR, error) {
	return NewECRWithClient(ecr.NewFromConfig(cfg), cfg.Region, repository)
}

func NewECRWithClient(client ECRAPI, region string, repository string) (*ECR, error) {
	if repository == "" {
		return nil, xe.NewLaunchError("registry.uri is required for an ecr registry")
	}
	if i := strings.LastIndex(repository, ".amazonaws.com/"); 0 <= i {
		repository = repository[i+len(".amazonaws.com/"):]
	}
	return &ECR{region: region, repository: repository, client: client}, nil
}

func (e *ECR) Type() Type {
	return TypeECR
}

func (e *ECR) Region() string {
	return e.region
}

func (e *ECR) URI(ctx context.Context) (string, error) {
	out, err := e.client.DescribeRepositories(ctx, &ecr.DescribeRepositoriesInput{
		RepositoryNames: []string{e.repository},
	})
	if err != nil {
		var notFound *ecrtypes.RepositoryNotFoundException
		if xe.As(err, &notFound) {
			return "", xe.NewLaunchError("ecr repository %s does not exist", e.repository)
		}
		return "", xe.Wrap(err)
	}
	if len(out.Repositories) == 0 {
		return "", xe.NewLaunchError("ecr repository %s does not exist", e.repository)
	}
	return aws.ToString(out.Repositories[0].RepositoryUri), nil
}

func (e *ECR) Credentials(ctx context.Context) (string, string, error) {
	out, err := e.client.GetAuthorizationToken(ctx, &ecr.GetAuthorizationTokenInput{})
	if err != nil {
		return "", "", xe.WrapWithNote("ecr authorization", err)
	}
	if len(out.AuthorizationData) == 0 {
		return "", "", xe.New("ecr returned no authorization data")
	}
	decoded, err := base64.StdEncoding.DecodeString(aws.ToString(out.AuthorizationData[0].AuthorizationToken))
	if err != nil {
		return "", "", xe.Wrap(err)
	}
	user, password, ok := strings.Cut(string(decoded), ":")
	if !ok {
		return "", "", xe.New("malformed ecr authorization token")
	}
	return user, password, nil
}

func (e *ECR) ImageExists(ctx context.Context, image string) (bool, error) {
	ref, err := gcrname.NewTag(image)
	if err != nil {
		return false, xe.NewLaunchError("invalid image reference %q: %w", image, err)
	}
	out, err := e.client.DescribeImages(ctx, &ecr.DescribeImagesInput{
		RepositoryName: aws.String(e.repository),
		ImageIds:       []ecrtypes.ImageIdentifier{{ImageTag: aws.String(ref.TagStr())}},
	})
	if err != nil {
		var apiErr smithy.APIError
		if xe.As(err, &apiErr) && apiErr.ErrorCode() == "ImageNotFoundException" {
			return false, nil
		}
		return false, xe.Wrap(err)
	}
	return 0 < len(out.ImageDetails), nil
}
