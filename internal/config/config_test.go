package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/chainguard-dev/bluegreen/internal/remote"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "bluegreen.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadDefaults(t *testing.T) {
	c, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "us-east-1", c.Region)
	assert.Equal(t, []string{"node-app-blue", "node-app-green"}, c.Repositories)
	assert.Equal(t, "latest", c.ImageTag)
	assert.Equal(t, "ami-0c02fb55956c7d316", c.AMI)
	assert.Equal(t, "t2.medium", c.InstanceType)
	assert.Equal(t, "minikube-key.pem", c.KeyPath())
	assert.Equal(t, "minikube-sg", c.SecurityGroup)
	assert.Equal(t, "ec2-user", c.SSHUser)
	assert.Equal(t, "/home/ec2-user", c.RemoteHome)
	assert.Equal(t, "node-app-service", c.Service)
	assert.Equal(t, "blue", c.Variant)
	assert.Equal(t, remote.PolicyAbort, c.OnRemoteFailure)
	assert.True(t, c.InsecureHostKey())
	assert.Empty(t, c.AccountID)
}

func TestLoadFile(t *testing.T) {
	path := writeConfig(t, `
region: eu-west-1
account_id: "123456789012"
key_name: demo
key_dir: /tmp/keys
ssh_ready_interval: 2s
ssh_ready_timeout: 1m
known_hosts: /tmp/known_hosts
on_remote_failure: continue
existing_instance:
  ip: 10.0.0.1
  ssh_key: /tmp/demo.pem
`)
	c, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "eu-west-1", c.Region)
	assert.Equal(t, "123456789012.dkr.ecr.eu-west-1.amazonaws.com", c.RegistryHost(c.AccountID))
	assert.Equal(t, 2*time.Second, c.SSHReadyInterval)
	assert.Equal(t, time.Minute, c.SSHReadyTimeout)
	assert.Equal(t, remote.PolicyContinue, c.OnRemoteFailure)
	// A known_hosts path switches host key verification on.
	assert.False(t, c.InsecureHostKey())
	// An existing instance brings its own key.
	assert.Equal(t, "/tmp/demo.pem", c.KeyPath())
}

func TestLoadErrors(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		wantErr error
	}{
		{
			name:    "unknown field",
			body:    "regoin: us-east-1\n",
			wantErr: ErrConfigParse,
		},
		{
			name:    "duplicate repositories",
			body:    "repositories: [node-app-blue, node-app-blue]\n",
			wantErr: ErrConfigInvalid,
		},
		{
			name:    "existing instance without key",
			body:    "existing_instance:\n  ip: 10.0.0.1\n",
			wantErr: ErrConfigInvalid,
		},
		{
			name:    "verification without known_hosts",
			body:    "insecure_ignore_host_key: false\n",
			wantErr: ErrConfigInvalid,
		},
		{
			name:    "unknown remote failure policy",
			body:    "on_remote_failure: retry\n",
			wantErr: remote.ErrInvalidPolicy,
		},
		{
			name:    "interval exceeds timeout",
			body:    "ssh_ready_interval: 10m\nssh_ready_timeout: 1m\n",
			wantErr: ErrConfigInvalid,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.body))
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}

	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorIs(t, err, ErrConfigRead)
}

func TestLoadEmptyFile(t *testing.T) {
	c, err := Load(writeConfig(t, ""))
	require.NoError(t, err)
	assert.Equal(t, Default().Region, c.Region)
}
