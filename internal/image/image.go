// image builds the application image once per registry repository and
// pushes it with the docker CLI.
package image

import (
	"context"
	"fmt"
	"strings"

	"github.com/chainguard-dev/bluegreen/internal/registry"
	"github.com/chainguard-dev/clog"
	"github.com/google/go-containerregistry/pkg/name"
)

// CredentialSource hands out registry login credentials.
type CredentialSource interface {
	Credentials(ctx context.Context) (registry.Credentials, error)
}

var (
	ErrImageReference = fmt.Errorf("invalid image reference")
	ErrImageBuild     = fmt.Errorf("failed to build image")
	ErrImagePush      = fmt.Errorf("failed to push image")
	ErrRegistryLogin  = fmt.Errorf("failed to log in to registry")
)

const docker = "docker"

// Publisher builds the image in Context and pushes it to Registry.
type Publisher struct {
	Runner CommandRunner
	// Registry is the registry host, e.g.
	// '123456789012.dkr.ecr.us-east-1.amazonaws.com'.
	Registry string
	Tag      string
	// Context is the docker build context directory.
	Context string
}

// Reference composes '<registry>/<repo>:<tag>'.
func Reference(registryHost, repo, tag string) (name.Tag, error) {
	ref, err := name.NewTag(fmt.Sprintf("%s/%s:%s", registryHost, repo, tag), name.StrictValidation)
	if err != nil {
		return name.Tag{}, fmt.Errorf("%w: %w", ErrImageReference, err)
	}
	return ref, nil
}

// Login authenticates the local docker daemon against Registry, the host
// images are pushed to, using the password on stdin. The token's own endpoint
// is only used when Registry is unset.
func (p *Publisher) Login(ctx context.Context, src CredentialSource) error {
	creds, err := src.Credentials(ctx)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrRegistryLogin, err)
	}
	log := clog.FromContext(ctx)
	host := p.Registry
	if host == "" {
		host = creds.Host()
	} else if endpoint := creds.Host(); endpoint != "" && endpoint != host {
		log.Warn("registry differs from the authorization token endpoint", "registry", host, "endpoint", endpoint)
	}
	log.Info("logging in to registry", "registry", host)
	if err := p.Runner.RunInput(ctx, strings.NewReader(creds.Password), docker,
		"login", "--username", creds.Username, "--password-stdin", host); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrRegistryLogin, host, err)
	}
	return nil
}

// Publish builds and pushes the image for 'repo'.
func (p *Publisher) Publish(ctx context.Context, repo string) (name.Tag, error) {
	ref, err := Reference(p.Registry, repo, p.Tag)
	if err != nil {
		return name.Tag{}, err
	}
	log := clog.FromContext(ctx).With("image", ref.String())

	log.Info("building image", "context", p.Context)
	if err := p.Runner.Run(ctx, "", docker, "build", "-t", ref.String(), p.Context); err != nil {
		return name.Tag{}, fmt.Errorf("%w: %s: %w", ErrImageBuild, ref, err)
	}

	log.Info("pushing image")
	if err := p.Runner.Run(ctx, "", docker, "push", ref.String()); err != nil {
		return name.Tag{}, fmt.Errorf("%w: %s: %w", ErrImagePush, ref, err)
	}
	return ref, nil
}

// PublishAll publishes one image per repository, in order.
func (p *Publisher) PublishAll(ctx context.Context, repos ...string) ([]name.Tag, error) {
	refs := make([]name.Tag, 0, len(repos))
	for _, repo := range repos {
		ref, err := p.Publish(ctx, repo)
		if err != nil {
			return refs, err
		}
		refs = append(refs, ref)
	}
	return refs, nil
}
