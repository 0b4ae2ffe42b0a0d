package cli

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/chainguard-dev/bluegreen/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/urfave/cli/v3"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	t.Setenv("OTEL_EXPORTER_OTLP_TRACES_ENDPOINT", "")
	t.Setenv("OTEL_EXPORTER_OTLP_LOGS_ENDPOINT", "")
	var out bytes.Buffer
	err := New("test", &out).Run(t.Context(), append([]string{name}, args...))
	return out.String(), err
}

func TestSwitchRequiresVariant(t *testing.T) {
	_, err := run(t, "switch", "--host", "203.0.113.10")
	assert.ErrorIs(t, err, ErrNoVariant)
}

func TestStatusRequiresHost(t *testing.T) {
	_, err := run(t, "status")
	assert.ErrorIs(t, err, ErrNoHost)
}

func TestBadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bluegreen.yaml")
	require.NoError(t, os.WriteFile(path, []byte("regoin: us-east-1\n"), 0o644))

	_, err := run(t, "--config", path, "status")
	assert.ErrorIs(t, err, config.ErrConfigParse)
}

func TestTargetHost(t *testing.T) {
	tests := []struct {
		name     string
		existing *config.ExistingInstance
		args     []string
		wantHost string
		wantKey  string
		wantErr  error
	}{
		{
			name:    "nothing configured",
			wantErr: ErrNoHost,
		},
		{
			name:     "flags only",
			args:     []string{"--host", "203.0.113.10"},
			wantHost: "203.0.113.10",
			wantKey:  "minikube-key.pem",
		},
		{
			name:     "existing instance",
			existing: &config.ExistingInstance{IP: "198.51.100.7", SSHKey: "/keys/demo.pem"},
			wantHost: "198.51.100.7",
			wantKey:  "/keys/demo.pem",
		},
		{
			name:     "flags override existing instance",
			existing: &config.ExistingInstance{IP: "198.51.100.7", SSHKey: "/keys/demo.pem"},
			args:     []string{"--host", "203.0.113.10", "--key", "/keys/other.pem"},
			wantHost: "203.0.113.10",
			wantKey:  "/keys/other.pem",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.Default()
			cfg.ExistingInstance = tt.existing
			a := &app{cfg: cfg}

			var (
				host string
				err  error
			)
			cmd := &cli.Command{
				Name:  "status",
				Flags: hostFlags(),
				Action: func(_ context.Context, cmd *cli.Command) error {
					host, err = a.targetHost(cmd)
					return nil
				},
			}
			require.NoError(t, cmd.Run(t.Context(), append([]string{"status"}, tt.args...)))
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantHost, host)
			assert.Equal(t, tt.wantKey, cfg.KeyPath())
		})
	}
}
