// cli is the bluegreen command line.
package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ecr"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	"github.com/chainguard-dev/bluegreen/internal/compute"
	"github.com/chainguard-dev/bluegreen/internal/config"
	"github.com/chainguard-dev/bluegreen/internal/image"
	"github.com/chainguard-dev/bluegreen/internal/log"
	"github.com/chainguard-dev/bluegreen/internal/o11y"
	"github.com/chainguard-dev/bluegreen/internal/pipeline"
	"github.com/chainguard-dev/bluegreen/internal/registry"
	"github.com/chainguard-dev/clog"
	"github.com/google/uuid"
	"github.com/urfave/cli/v3"
)

const name = "bluegreen"

// app carries state set up in the root command's Before hook.
type app struct {
	cfg      *config.Config
	runID    string
	out      io.Writer
	shutdown []func(context.Context) error
}

// New returns the root command. 'out' receives command output; logs go to
// stderr.
func New(version string, out io.Writer) *cli.Command {
	a := &app{out: out}
	return &cli.Command{
		Name:    name,
		Usage:   "Provision, deploy and switch a blue/green node app on minikube",
		Version: version,
		Writer:  out,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "path to a YAML config file",
				Sources: cli.EnvVars("BLUEGREEN_CONFIG"),
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "log level (debug, info, warn, error); defaults to $LOG_LEVEL or info",
			},
			&cli.StringFlag{
				Name:  "log-dir",
				Usage: "directory to write a JSON log file for the run",
			},
			&cli.StringFlag{
				Name:  "region",
				Usage: "AWS region, overrides the config file",
			},
		},
		Before: a.before,
		After:  a.after,
		Commands: []*cli.Command{
			a.upCmd(),
			a.imagesCmd(),
			a.switchCmd(),
			a.statusCmd(),
		},
	}
}

func (a *app) before(ctx context.Context, cmd *cli.Command) (context.Context, error) {
	a.runID = uuid.NewString()

	var extra []slog.Handler
	handler, shutdown, err := o11y.SetupLogExport(ctx)
	if err != nil {
		return ctx, err
	}
	a.shutdown = append(a.shutdown, shutdown)
	if handler != nil {
		extra = append(extra, handler)
	}

	ctx, closeLog, err := log.Setup(ctx, log.Options{
		Level:   cmd.String("log-level"),
		Dir:     cmd.String("log-dir"),
		RunName: name + " " + cmd.Args().First(),
		RunID:   a.runID,
		Extra:   extra,
	})
	if err != nil {
		return ctx, err
	}
	a.shutdown = append(a.shutdown, func(context.Context) error {
		closeLog()
		return nil
	})

	shutdownTracing, err := o11y.SetupTracing(ctx)
	if err != nil {
		return ctx, err
	}
	a.shutdown = append(a.shutdown, shutdownTracing)

	cfg, err := config.Load(cmd.String("config"))
	if err != nil {
		return ctx, err
	}
	if region := cmd.String("region"); region != "" {
		cfg.Region = region
	}
	a.cfg = cfg
	return ctx, nil
}

func (a *app) after(ctx context.Context, _ *cli.Command) error {
	var errs error
	// Tracing and log export flush before the log file closes.
	for i := len(a.shutdown) - 1; i >= 0; i-- {
		errs = errors.Join(errs, a.shutdown[i](ctx))
	}
	return errs
}

// pipeline builds a Pipeline backed by real AWS clients and the local docker
// CLI.
func (a *app) pipeline(ctx context.Context) (*pipeline.Pipeline, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(a.cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}
	clog.FromContext(ctx).Debug("loaded AWS config", "region", awsCfg.Region)

	p := &pipeline.Pipeline{
		Config:   a.cfg,
		RunID:    a.runID,
		Registry: registry.New(ecr.NewFromConfig(awsCfg), sts.NewFromConfig(awsCfg)),
		Runner:   image.ExecRunner{Stdout: os.Stderr, Stderr: os.Stderr},
		Dial:     pipeline.DialSSH,
	}
	if a.cfg.ExistingInstance == nil {
		p.Compute = compute.New(ec2.NewFromConfig(awsCfg), compute.Options{
			AMI:           a.cfg.AMI,
			InstanceType:  a.cfg.InstanceType,
			KeyName:       a.cfg.KeyName,
			KeyPath:       a.cfg.KeyPath(),
			SecurityGroup: a.cfg.SecurityGroup,
			IngressCIDR:   a.cfg.IngressCIDR,
			RunID:         a.runID,
		})
	}
	return p, nil
}
