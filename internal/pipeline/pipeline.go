// pipeline drives a blue/green rollout end to end: registry, images,
// compute, bootstrap, manifests and the traffic switch, strictly in that
// order.
package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/chainguard-dev/bluegreen/internal/bootstrap"
	"github.com/chainguard-dev/bluegreen/internal/compute"
	"github.com/chainguard-dev/bluegreen/internal/config"
	"github.com/chainguard-dev/bluegreen/internal/deploy"
	"github.com/chainguard-dev/bluegreen/internal/image"
	"github.com/chainguard-dev/bluegreen/internal/o11y"
	"github.com/chainguard-dev/bluegreen/internal/registry"
	"github.com/chainguard-dev/bluegreen/internal/ssh"
	"github.com/chainguard-dev/bluegreen/internal/traffic"
	"github.com/chainguard-dev/clog"
	"github.com/google/go-containerregistry/pkg/name"
	"go.opentelemetry.io/otel/attribute"
)

// Stage names, also used as span names.
const (
	StageRegistry  = "registry"
	StageImages    = "images"
	StageCompute   = "compute"
	StageBootstrap = "bootstrap"
	StageDeploy    = "deploy"
	StageTraffic   = "traffic"
)

// Registry provisions repositories and hands out push credentials.
type Registry interface {
	image.CredentialSource
	EnsureAll(ctx context.Context, names ...string) error
	ResolveAccount(ctx context.Context) (string, error)
}

// Compute provisions the host.
type Compute interface {
	Provision(ctx context.Context) (*compute.Instance, error)
}

// Host is an open connection to the provisioned instance.
type Host interface {
	deploy.Host
	Close() error
}

// DialFunc opens a Host, polling until it accepts connections.
type DialFunc func(ctx context.Context, target ssh.Target, interval, timeout time.Duration) (Host, error)

// DialSSH is the DialFunc backed by a real SSH connection.
func DialSSH(ctx context.Context, target ssh.Target, interval, timeout time.Duration) (Host, error) {
	s, err := ssh.Dial(ctx, target, interval, timeout)
	if err != nil {
		return nil, err
	}
	return s, nil
}

var (
	ErrAccount    = fmt.Errorf("failed to determine AWS account")
	ErrNoCompute  = fmt.Errorf("no compute provisioner configured")
	ErrHostConfig = fmt.Errorf("failed to prepare SSH connection")
)

type Pipeline struct {
	Config   *config.Config
	RunID    string
	Registry Registry
	// Compute may be nil when an existing instance is configured.
	Compute Compute
	Runner  image.CommandRunner
	Dial    DialFunc
}

// Report summarizes a completed run.
type Report struct {
	RunID    string
	Account  string
	Images   []name.Tag
	Instance *compute.Instance
	Variant  string
}

// Up runs every stage and routes traffic to 'variant'. The remote session is
// closed before returning.
func (p *Pipeline) Up(ctx context.Context, variant string) (*Report, error) {
	log := clog.FromContext(ctx)
	report := &Report{RunID: p.RunID, Variant: variant}

	account, images, err := p.publish(ctx)
	report.Account, report.Images = account, images
	if err != nil {
		return report, err
	}

	inst, err := p.provision(ctx)
	if err != nil {
		return report, err
	}
	report.Instance = inst

	host, err := p.Connect(ctx, inst.PublicIP)
	if err != nil {
		return report, err
	}
	defer func() {
		if cerr := host.Close(); cerr != nil {
			log.Warn("failed to close remote session", "error", cerr)
		}
	}()

	if err := p.stage(ctx, StageBootstrap, func(ctx context.Context) error {
		_, err := bootstrap.Run(ctx, host, p.Config.OnRemoteFailure, p.Config.SSHUser)
		return err
	}, attribute.String(o11y.AttrHost, inst.PublicIP)); err != nil {
		return report, err
	}

	if err := p.stage(ctx, StageDeploy, func(ctx context.Context) error {
		_, err := p.deployer().Deploy(ctx, host)
		return err
	}); err != nil {
		return report, err
	}

	if err := p.Switch(ctx, host, variant); err != nil {
		return report, err
	}

	log.Info("rollout complete", "variant", variant, "host", inst.PublicIP)
	return report, nil
}

// Images runs only the registry and image stages.
func (p *Pipeline) Images(ctx context.Context) (*Report, error) {
	account, images, err := p.publish(ctx)
	return &Report{RunID: p.RunID, Account: account, Images: images}, err
}

// Switch moves traffic to 'variant' on an already connected host.
func (p *Pipeline) Switch(ctx context.Context, host Host, variant string) error {
	return p.stage(ctx, StageTraffic, func(ctx context.Context) error {
		s := p.switcher(host)
		if _, err := s.Switch(ctx, variant); err != nil {
			return err
		}
		if p.Config.VerifySwitch {
			return s.Verify(ctx, variant)
		}
		return nil
	}, attribute.String(o11y.AttrVariant, variant))
}

// Status returns the variant the Service currently selects.
func (p *Pipeline) Status(ctx context.Context, host Host) (string, error) {
	return p.switcher(host).Current(ctx)
}

// Connect opens a session to 'addr' with the configured user, key and host
// key policy, waiting for the host to accept connections.
func (p *Pipeline) Connect(ctx context.Context, addr string) (Host, error) {
	cfg := p.Config
	signer, err := ssh.LoadKey(cfg.KeyPath(), nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrHostConfig, err)
	}
	if cfg.InsecureHostKey() {
		clog.FromContext(ctx).Warn("host key verification disabled by insecure_ignore_host_key", "host", addr)
	}
	callback, err := ssh.HostKeyPolicy(cfg.InsecureHostKey(), cfg.KnownHosts)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrHostConfig, err)
	}
	dial := p.Dial
	if dial == nil {
		dial = DialSSH
	}
	return dial(ctx, ssh.Target{
		Host:            addr,
		Port:            cfg.SSHPort,
		User:            cfg.SSHUser,
		Signer:          signer,
		HostKeyCallback: callback,
	}, cfg.SSHReadyInterval, cfg.SSHReadyTimeout)
}

func (p *Pipeline) publish(ctx context.Context) (string, []name.Tag, error) {
	cfg := p.Config
	if err := p.stage(ctx, StageRegistry, func(ctx context.Context) error {
		return p.Registry.EnsureAll(ctx, cfg.Repositories...)
	}); err != nil {
		return "", nil, err
	}

	var (
		account string
		images  []name.Tag
	)
	err := p.stage(ctx, StageImages, func(ctx context.Context) error {
		var err error
		account, err = p.account(ctx)
		if err != nil {
			return err
		}
		publisher := &image.Publisher{
			Runner:   p.Runner,
			Registry: cfg.RegistryHost(account),
			Tag:      cfg.ImageTag,
			Context:  cfg.BuildContext,
		}
		if err := publisher.Login(ctx, p.Registry); err != nil {
			return err
		}
		images, err = publisher.PublishAll(ctx, cfg.Repositories...)
		return err
	})
	return account, images, err
}

func (p *Pipeline) account(ctx context.Context) (string, error) {
	resolved, err := p.Registry.ResolveAccount(ctx)
	if err != nil {
		if p.Config.AccountID == "" {
			return "", fmt.Errorf("%w: %w", ErrAccount, err)
		}
		clog.FromContext(ctx).Warn("could not resolve caller identity, using configured account_id", "error", err)
	}
	return registry.SelectAccount(ctx, p.Config.AccountID, resolved), nil
}

func (p *Pipeline) provision(ctx context.Context) (*compute.Instance, error) {
	if ei := p.Config.ExistingInstance; ei != nil {
		clog.FromContext(ctx).Info("using existing instance", "ip", ei.IP)
		return &compute.Instance{PublicIP: ei.IP}, nil
	}
	if p.Compute == nil {
		return nil, ErrNoCompute
	}
	var inst *compute.Instance
	err := p.stage(ctx, StageCompute, func(ctx context.Context) error {
		var err error
		inst, err = p.Compute.Provision(ctx)
		return err
	})
	return inst, err
}

func (p *Pipeline) deployer() *deploy.Deployer {
	return &deploy.Deployer{
		BlueGreenDir: p.Config.BlueGreenDir,
		JenkinsDir:   p.Config.JenkinsDir,
		RemoteHome:   p.Config.RemoteHome,
		Policy:       p.Config.OnRemoteFailure,
	}
}

func (p *Pipeline) switcher(host Host) *traffic.Switcher {
	return &traffic.Switcher{
		Runner:  host,
		Service: p.Config.Service,
		App:     p.Config.AppLabel,
		Policy:  p.Config.OnRemoteFailure,
	}
}

// stage runs 'fn' inside a span named after the stage.
func (p *Pipeline) stage(ctx context.Context, name string, fn func(context.Context) error, attrs ...attribute.KeyValue) error {
	attrs = append(attrs, attribute.String(o11y.AttrRunID, p.RunID))
	ctx, span := o11y.StartStage(ctx, name, attrs...)
	ctx = clog.WithLogger(ctx, clog.FromContext(ctx).With(o11y.AttrStage, name))

	start := time.Now()
	err := fn(ctx)
	o11y.EndStage(span, err)

	log := clog.FromContext(ctx)
	if err != nil {
		log.Error("stage failed", "duration", time.Since(start), "error", err)
		return fmt.Errorf("%s: %w", name, err)
	}
	log.Info("stage complete", "duration", time.Since(start))
	return nil
}
