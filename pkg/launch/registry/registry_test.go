package registry_test

import (
	"context"
	"encoding/base64"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ecr"
	ecrtypes "github.com/aws/aws-sdk-go-v2/service/ecr/types"
	"github.com/google/go-containerregistry/pkg/authn"
	gcrname "github.com/google/go-containerregistry/pkg/name"
	gcrregistry "github.com/google/go-containerregistry/pkg/registry"
	gcrrand "github.com/google/go-containerregistry/pkg/v1/random"
	"github.com/google/go-containerregistry/pkg/v1/remote"
	xe "github.com/opst/knitlaunch/pkg/errors"
	"github.com/opst/knitlaunch/pkg/launch/registry"
	"github.com/opst/knitlaunch/pkg/utils/try"
)

func TestHost(t *testing.T) {
	for ref, expected := range map[string]string{
		"123.dkr.ecr.us-east-1.amazonaws.com/repo:tag": "123.dkr.ecr.us-east-1.amazonaws.com",
		"localhost:5000/img":                           "localhost:5000",
		"ubuntu":                                       "index.docker.io",
	} {
		if actual := registry.Host(ref); actual != expected {
			t.Errorf("Host(%s): (actual, expected) = (%s, %s)", ref, actual, expected)
		}
	}
}

func TestRemote(t *testing.T) {
	server := httptest.NewServer(gcrregistry.New())
	defer server.Close()
	host := strings.TrimPrefix(server.URL, "http://")
	repo := host + "/launch/proj_launch"

	img := try.To(gcrrand.Image(64, 1)).OrFatal(t)
	ref := try.To(gcrname.ParseReference(repo + ":present")).OrFatal(t)
	try.To(0, remote.Write(ref, img)).OrFatal(t)

	testee := try.To(registry.NewRemote(
		repo, registry.WithKeychain(authn.NewMultiKeychain()),
	)).OrFatal(t)
	ctx := context.Background()

	if uri := try.To(testee.URI(ctx)).OrFatal(t); uri != repo {
		t.Errorf("URI: (actual, expected) = (%s, %s)", uri, repo)
	}

	for tag, expected := range map[string]bool{"present": true, "absent": false} {
		actual, err := testee.ImageExists(ctx, repo+":"+tag)
		if err != nil {
			t.Fatal(err)
		}
		if actual != expected {
			t.Errorf("ImageExists(%s): (actual, expected) = (%v, %v)", tag, actual, expected)
		}
	}

	user, pass, err := testee.Credentials(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if user != "" || pass != "" {
		t.Errorf("anonymous registry has credentials: %s, %s", user, pass)
	}

	if _, err := registry.NewRemote(""); !xe.IsLaunchError(err) {
		t.Errorf("empty uri is accepted: %v", err)
	}
}

type fakeECR struct {
	repos  map[string]string
	token  string
	images map[string]bool
}

func (f *fakeECR) DescribeRepositories(_ context.Context, in *ecr.DescribeRepositoriesInput, _ ...func(*ecr.Options)) (*ecr.DescribeRepositoriesOutput, error) {
	uri, ok := f.repos[in.RepositoryNames[0]]
	if !ok {
		return nil, &ecrtypes.RepositoryNotFoundException{Message: aws.String("not found")}
	}
	return &ecr.DescribeRepositoriesOutput{
		Repositories: []ecrtypes.Repository{{RepositoryUri: aws.String(uri)}},
	}, nil
}

func (f *fakeECR) GetAuthorizationToken(context.Context, *ecr.GetAuthorizationTokenInput, ...func(*ecr.Options)) (*ecr.GetAuthorizationTokenOutput, error) {
	return &ecr.GetAuthorizationTokenOutput{
		AuthorizationData: []ecrtypes.AuthorizationData{{AuthorizationToken: aws.String(f.token)}},
	}, nil
}

func (f *fakeECR) DescribeImages(_ context.Context, in *ecr.DescribeImagesInput, _ ...func(*ecr.Options)) (*ecr.DescribeImagesOutput, error) {
	tag := aws.ToString(in.ImageIds[0].ImageTag)
	if !f.images[tag] {
		return nil, &ecrtypes.ImageNotFoundException{Message: aws.String("no such image")}
	}
	return &ecr.DescribeImagesOutput{
		ImageDetails: []ecrtypes.ImageDetail{{ImageTags: []string{tag}}},
	}, nil
}

func TestECR(t *testing.T) {
	const uri = "123456789012.dkr.ecr.us-east-1.amazonaws.com/launch"
	fake := &fakeECR{
		repos:  map[string]string{"launch": uri},
		token:  base64.StdEncoding.EncodeToString([]byte("AWS:secret")),
		images: map[string]bool{"abcd1234": true},
	}
	ctx := context.Background()

	t.Run("repository can be given by uri", func(t *testing.T) {
		testee := try.To(registry.NewECRWithClient(fake, "us-east-1", uri)).OrFatal(t)
		if actual := try.To(testee.URI(ctx)).OrFatal(t); actual != uri {
			t.Errorf("URI: (actual, expected) = (%s, %s)", actual, uri)
		}
	})

	testee := try.To(registry.NewECRWithClient(fake, "us-east-1", "launch")).OrFatal(t)

	t.Run("Credentials decodes the token", func(t *testing.T) {
		user, pass, err := testee.Credentials(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if user != "AWS" || pass != "secret" {
			t.Errorf("(actual, expected) = (%s:%s, AWS:secret)", user, pass)
		}
	})

	t.Run("ImageExists", func(t *testing.T) {
		for tag, expected := range map[string]bool{"abcd1234": true, "ffffffff": false} {
			actual := try.To(testee.ImageExists(ctx, uri+":"+tag)).OrFatal(t)
			if actual != expected {
				t.Errorf("%s: (actual, expected) = (%v, %v)", tag, actual, expected)
			}
		}
	})

	t.Run("missing repository is a launch error", func(t *testing.T) {
		missing := try.To(registry.NewECRWithClient(fake, "us-east-1", "nope")).OrFatal(t)
		_, err := missing.URI(ctx)
		if !xe.IsLaunchError(err) {
			t.Errorf("unexpected error: %v", err)
		}
	})
}

func TestGCP(t *testing.T) {
	testee := try.To(registry.NewGCP(registry.GCPConfig{
		Project: "proj", Region: "us-central1", Repository: "launch", ImageName: "img",
	}, registry.WithKeychain(authn.NewMultiKeychain()))).OrFatal(t)

	expected := "us-central1-docker.pkg.dev/proj/launch/img"
	if actual := try.To(testee.URI(context.Background())).OrFatal(t); actual != expected {
		t.Errorf("(actual, expected) = (%s, %s)", actual, expected)
	}

	_, err := registry.NewGCP(registry.GCPConfig{Project: "proj", Region: "us-central1"})
	if !xe.IsLaunchError(err) {
		t.Errorf("missing repository is accepted: %v", err)
	}
}

type fakeDocker map[string]bool

func (f fakeDocker) ImageExists(_ context.Context, image string) (bool, error) {
	return f[image], nil
}

func TestLocal(t *testing.T) {
	testee := registry.Local{Docker: fakeDocker{"proj_launch:abc": true}}
	ctx := context.Background()
	if !try.To(testee.ImageExists(ctx, "proj_launch:abc")).OrFatal(t) {
		t.Error("existing image is not found")
	}
	if try.To(testee.ImageExists(ctx, "proj_launch:def")).OrFatal(t) {
		t.Error("missing image is found")
	}
	if uri := try.To(testee.URI(ctx)).OrFatal(t); uri != "" {
		t.Errorf("local registry has uri: %s", uri)
	}
}
