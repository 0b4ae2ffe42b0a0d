// bootstrap installs docker, minikube and kubectl on a fresh Amazon Linux
// host and starts a single node cluster.
package bootstrap

import (
	"context"
	"fmt"

	"github.com/chainguard-dev/bluegreen/internal/remote"
	"github.com/chainguard-dev/bluegreen/internal/ssh"
	"github.com/chainguard-dev/clog"
)

const (
	minikubeURL  = "https://storage.googleapis.com/minikube/releases/latest/minikube-linux-amd64"
	kubectlURL   = `"https://dl.k8s.io/release/$(curl -L -s https://dl.k8s.io/release/stable.txt)/bin/linux/amd64/kubectl"`
	installDir   = "/usr/local/bin/"
	driverOption = "--driver=none"
)

var ErrBootstrap = fmt.Errorf("failed to bootstrap host")

// Commands returns the install sequence for 'user', in execution order.
func Commands(user string) []string {
	return []string{
		"sudo yum update -y",
		"sudo yum install -y docker wget conntrack git",
		"sudo service docker start",
		"sudo usermod -aG docker " + user,
		"curl -Lo minikube " + minikubeURL,
		"chmod +x minikube",
		"sudo mv minikube " + installDir,
		"curl -LO " + kubectlURL,
		"chmod +x kubectl",
		"sudo mv kubectl " + installDir,
		"minikube start " + driverOption,
	}
}

// Run executes the install sequence under 'policy'.
func Run(ctx context.Context, r remote.Runner, policy remote.Policy, user string) ([]ssh.Result, error) {
	log := clog.FromContext(ctx)
	cmds := Commands(user)
	log.Info("bootstrapping host", "commands", len(cmds), "policy", policy)

	results, err := remote.RunAll(ctx, r, policy, cmds...)
	if err != nil {
		return results, fmt.Errorf("%w: %w", ErrBootstrap, err)
	}
	log.Info("host bootstrapped")
	return results, nil
}
