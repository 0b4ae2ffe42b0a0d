// registry ensures ECR repositories exist and hands out the credentials and
// account identity needed to push to them.
package registry

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ecr"
	ecrtypes "github.com/aws/aws-sdk-go-v2/service/ecr/types"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	"github.com/aws/smithy-go"
	"github.com/chainguard-dev/clog"
)

// API is the subset of the ECR client used here.
type API interface {
	CreateRepository(ctx context.Context, params *ecr.CreateRepositoryInput, optFns ...func(*ecr.Options)) (*ecr.CreateRepositoryOutput, error)
	GetAuthorizationToken(ctx context.Context, params *ecr.GetAuthorizationTokenInput, optFns ...func(*ecr.Options)) (*ecr.GetAuthorizationTokenOutput, error)
}

// IdentityAPI is the subset of the STS client used here.
type IdentityAPI interface {
	GetCallerIdentity(ctx context.Context, params *sts.GetCallerIdentityInput, optFns ...func(*sts.Options)) (*sts.GetCallerIdentityOutput, error)
}

var (
	ErrRepositoryCreate  = fmt.Errorf("failed to create ECR repository")
	ErrCallerIdentity    = fmt.Errorf("failed to resolve caller identity")
	ErrAuthorization     = fmt.Errorf("failed to fetch ECR authorization token")
	ErrAuthorizationData = fmt.Errorf("ECR returned malformed authorization data")
)

const codeRepositoryAlreadyExists = "RepositoryAlreadyExistsException"

type Provisioner struct {
	client   API
	identity IdentityAPI
}

func New(client API, identity IdentityAPI) *Provisioner {
	return &Provisioner{client: client, identity: identity}
}

// Ensure creates the repository 'name'. A repository that already exists is
// not an error.
func (p *Provisioner) Ensure(ctx context.Context, name string) error {
	log := clog.FromContext(ctx).With("repository", name)
	out, err := p.client.CreateRepository(ctx, &ecr.CreateRepositoryInput{
		RepositoryName: aws.String(name),
	})
	if err != nil {
		if alreadyExists(err) {
			log.Info("ECR repository already exists")
			return nil
		}
		return fmt.Errorf("%w: %s: %w", ErrRepositoryCreate, name, err)
	}
	if out.Repository != nil && out.Repository.RepositoryUri != nil {
		log = log.With("uri", *out.Repository.RepositoryUri)
	}
	log.Info("created ECR repository")
	return nil
}

// EnsureAll calls Ensure for each name in order, stopping at the first error.
func (p *Provisioner) EnsureAll(ctx context.Context, names ...string) error {
	for _, name := range names {
		if err := p.Ensure(ctx, name); err != nil {
			return err
		}
	}
	return nil
}

func alreadyExists(err error) bool {
	var exists *ecrtypes.RepositoryAlreadyExistsException
	if errors.As(err, &exists) {
		return true
	}
	var apiErr smithy.APIError
	return errors.As(err, &apiErr) && apiErr.ErrorCode() == codeRepositoryAlreadyExists
}

// ResolveAccount returns the AWS account ID of the calling identity.
func (p *Provisioner) ResolveAccount(ctx context.Context) (string, error) {
	out, err := p.identity.GetCallerIdentity(ctx, &sts.GetCallerIdentityInput{})
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrCallerIdentity, err)
	}
	if out.Account == nil || *out.Account == "" {
		return "", fmt.Errorf("%w: no account in response", ErrCallerIdentity)
	}
	return *out.Account, nil
}

// Credentials are docker login credentials for an ECR registry.
type Credentials struct {
	Username string
	Password string
	// Endpoint is the registry URL, e.g.
	// 'https://123456789012.dkr.ecr.us-east-1.amazonaws.com'.
	Endpoint string
}

// Host is the registry hostname without scheme.
func (c Credentials) Host() string {
	host := strings.TrimPrefix(c.Endpoint, "https://")
	return strings.TrimPrefix(host, "http://")
}

// Credentials exchanges the caller's AWS identity for registry credentials.
func (p *Provisioner) Credentials(ctx context.Context) (Credentials, error) {
	out, err := p.client.GetAuthorizationToken(ctx, &ecr.GetAuthorizationTokenInput{})
	if err != nil {
		return Credentials{}, fmt.Errorf("%w: %w", ErrAuthorization, err)
	}
	if len(out.AuthorizationData) == 0 {
		return Credentials{}, fmt.Errorf("%w: no authorization data", ErrAuthorizationData)
	}
	data := out.AuthorizationData[0]
	if data.AuthorizationToken == nil || data.ProxyEndpoint == nil {
		return Credentials{}, fmt.Errorf("%w: missing token or endpoint", ErrAuthorizationData)
	}
	decoded, err := base64.StdEncoding.DecodeString(*data.AuthorizationToken)
	if err != nil {
		return Credentials{}, fmt.Errorf("%w: %w", ErrAuthorizationData, err)
	}
	user, pass, ok := strings.Cut(string(decoded), ":")
	if !ok {
		return Credentials{}, fmt.Errorf("%w: token is not user:password", ErrAuthorizationData)
	}
	return Credentials{
		Username: user,
		Password: pass,
		Endpoint: *data.ProxyEndpoint,
	}, nil
}

// SelectAccount picks the account used in image references. A configured
// account always wins; when it disagrees with the resolved identity the
// mismatch is logged and left alone.
func SelectAccount(ctx context.Context, configured, resolved string) string {
	if configured == "" {
		return resolved
	}
	if resolved != "" && configured != resolved {
		clog.FromContext(ctx).Warn("configured account_id differs from caller identity, image references use the configured value",
			"account_id", configured, "caller_account", resolved)
	}
	return configured
}
