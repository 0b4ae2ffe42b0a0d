package cli

import (
	"context"
	"fmt"

	"github.com/chainguard-dev/bluegreen/internal/config"
	"github.com/chainguard-dev/bluegreen/internal/pipeline"
	"github.com/chainguard-dev/bluegreen/internal/traffic"
	"github.com/chainguard-dev/clog"
	"github.com/urfave/cli/v3"
)

var (
	ErrNoVariant = fmt.Errorf("a variant is required")
	ErrNoHost    = fmt.Errorf("no host: pass --host or set existing_instance.ip")
)

func (a *app) upCmd() *cli.Command {
	return &cli.Command{
		Name:  "up",
		Usage: "Provision everything, deploy both variants and route traffic to one",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "variant",
				Usage: "variant to route traffic to; overrides the config file",
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			variant := a.cfg.Variant
			if v := cmd.String("variant"); v != "" {
				variant = v
			}
			warnUnknownVariant(ctx, variant)

			p, err := a.pipeline(ctx)
			if err != nil {
				return err
			}
			report, err := p.Up(ctx, variant)
			if err != nil {
				return err
			}
			for _, ref := range report.Images {
				fmt.Fprintf(a.out, "image\t%s\n", ref)
			}
			fmt.Fprintf(a.out, "host\t%s\n", report.Instance.PublicIP)
			fmt.Fprintf(a.out, "variant\t%s\n", report.Variant)
			return nil
		},
	}
}

func (a *app) imagesCmd() *cli.Command {
	return &cli.Command{
		Name:  "images",
		Usage: "Ensure the registry repositories and build and push both images",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			p, err := a.pipeline(ctx)
			if err != nil {
				return err
			}
			report, err := p.Images(ctx)
			if err != nil {
				return err
			}
			for _, ref := range report.Images {
				fmt.Fprintln(a.out, ref.String())
			}
			return nil
		},
	}
}

func hostFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:  "host",
			Usage: "address of the minikube host; defaults to existing_instance.ip",
		},
		&cli.StringFlag{
			Name:  "key",
			Usage: "private key for the host; defaults to the configured key path",
		},
	}
}

func (a *app) switchCmd() *cli.Command {
	return &cli.Command{
		Name:      "switch",
		Usage:     "Route traffic to a variant on an existing host",
		ArgsUsage: "<variant>",
		Flags:     hostFlags(),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			variant := cmd.Args().First()
			if variant == "" {
				return ErrNoVariant
			}
			warnUnknownVariant(ctx, variant)
			return a.withHost(ctx, cmd, func(p *pipeline.Pipeline, host pipeline.Host) error {
				if err := p.Switch(ctx, host, variant); err != nil {
					return err
				}
				fmt.Fprintf(a.out, "variant\t%s\n", variant)
				return nil
			})
		},
	}
}

func (a *app) statusCmd() *cli.Command {
	return &cli.Command{
		Name:  "status",
		Usage: "Print the variant currently receiving traffic",
		Flags: hostFlags(),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			return a.withHost(ctx, cmd, func(p *pipeline.Pipeline, host pipeline.Host) error {
				variant, err := p.Status(ctx, host)
				if err != nil {
					return err
				}
				fmt.Fprintln(a.out, variant)
				return nil
			})
		},
	}
}

// targetHost resolves --host and --key against the config, recording the
// result as the existing instance.
func (a *app) targetHost(cmd *cli.Command) (string, error) {
	host := cmd.String("host")
	key := cmd.String("key")
	if ei := a.cfg.ExistingInstance; ei != nil {
		if host == "" {
			host = ei.IP
		}
		if key == "" {
			key = ei.SSHKey
		}
	}
	if host == "" {
		return "", ErrNoHost
	}
	if key == "" {
		key = a.cfg.KeyPath()
	}
	a.cfg.ExistingInstance = &config.ExistingInstance{IP: host, SSHKey: key}
	return host, nil
}

func (a *app) withHost(ctx context.Context, cmd *cli.Command, fn func(*pipeline.Pipeline, pipeline.Host) error) error {
	addr, err := a.targetHost(cmd)
	if err != nil {
		return err
	}
	p := &pipeline.Pipeline{Config: a.cfg, RunID: a.runID, Dial: pipeline.DialSSH}
	host, err := p.Connect(ctx, addr)
	if err != nil {
		return err
	}
	defer func() {
		if err := host.Close(); err != nil {
			clog.FromContext(ctx).Warn("failed to close remote session", "error", err)
		}
	}()
	return fn(p, host)
}

func warnUnknownVariant(ctx context.Context, variant string) {
	if !traffic.Known(variant) {
		clog.FromContext(ctx).Warn("variant is neither blue nor green, the service may select no pods", "variant", variant)
	}
}
