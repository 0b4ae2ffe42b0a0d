package bootstrap

import (
	"context"
	"errors"
	"testing"

	"github.com/chainguard-dev/bluegreen/internal/remote"
	"github.com/chainguard-dev/bluegreen/internal/ssh"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRunner struct {
	failOn string
	ran    []string
}

func (f *fakeRunner) Run(_ context.Context, cmd string) ssh.Result {
	f.ran = append(f.ran, cmd)
	if cmd == f.failOn {
		return ssh.Result{Command: cmd, ExitStatus: 1, Err: errors.New("exit 1")}
	}
	return ssh.Result{Command: cmd}
}

func TestCommands(t *testing.T) {
	cmds := Commands("ec2-user")
	require.Len(t, cmds, 11)
	assert.Equal(t, "sudo yum update -y", cmds[0])
	assert.Equal(t, "sudo usermod -aG docker ec2-user", cmds[3])
	assert.Equal(t, "curl -Lo minikube https://storage.googleapis.com/minikube/releases/latest/minikube-linux-amd64", cmds[4])
	assert.Equal(t, `curl -LO "https://dl.k8s.io/release/$(curl -L -s https://dl.k8s.io/release/stable.txt)/bin/linux/amd64/kubectl"`, cmds[7])
	assert.Equal(t, "minikube start --driver=none", cmds[10])
}

func TestRun(t *testing.T) {
	const failing = "sudo service docker start"

	tests := []struct {
		name    string
		policy  remote.Policy
		wantRan int
		wantErr bool
	}{
		{name: "abort", policy: remote.PolicyAbort, wantRan: 3, wantErr: true},
		{name: "continue", policy: remote.PolicyContinue, wantRan: 11, wantErr: true},
		{name: "ignore", policy: remote.PolicyIgnore, wantRan: 11},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := &fakeRunner{failOn: failing}
			results, err := Run(t.Context(), r, tt.policy, "ec2-user")
			assert.Len(t, r.ran, tt.wantRan)
			assert.Len(t, results, tt.wantRan)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrBootstrap)
				assert.ErrorIs(t, err, remote.ErrCommandFailed)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestRunAllSucceed(t *testing.T) {
	r := &fakeRunner{}
	_, err := Run(t.Context(), r, remote.PolicyAbort, "ec2-user")
	require.NoError(t, err)
	assert.Equal(t, Commands("ec2-user"), r.ran)
}
