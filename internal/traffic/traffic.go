// traffic moves live traffic between variants by patching the selector of
// the fronting Service.
package traffic

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/chainguard-dev/bluegreen/internal/remote"
	"github.com/chainguard-dev/bluegreen/internal/ssh"
	"github.com/chainguard-dev/clog"
	"github.com/kballard/go-shellquote"
	corev1 "k8s.io/api/core/v1"
)

const (
	labelApp     = "app"
	labelVersion = "version"
)

var (
	ErrSwitch         = fmt.Errorf("failed to switch traffic")
	ErrStatus         = fmt.Errorf("failed to read service selector")
	ErrSwitchVerify   = fmt.Errorf("service selector does not match requested variant")
	ErrNoVersionLabel = fmt.Errorf("service selector has no version label")
)

// Known variants. Switch accepts any string.
const (
	Blue  = "blue"
	Green = "green"
)

// Known reports whether 'variant' is blue or green.
func Known(variant string) bool {
	return variant == Blue || variant == Green
}

type Switcher struct {
	Runner remote.Runner
	// Service is the name of the Service to patch.
	Service string
	// App is the value of the 'app' selector label.
	App    string
	Policy remote.Policy
}

type patch struct {
	Spec patchSpec `json:"spec"`
}

type patchSpec struct {
	Selector map[string]string `json:"selector"`
}

// Payload is the strategic merge patch pointing the selector at 'variant'.
// The variant is not validated.
func (s *Switcher) Payload(variant string) string {
	b, err := json.Marshal(patch{Spec: patchSpec{Selector: map[string]string{
		labelApp:     s.App,
		labelVersion: variant,
	}}})
	if err != nil {
		// A map of strings always marshals.
		panic(err)
	}
	return string(b)
}

// Command is the shell command that applies Payload.
func (s *Switcher) Command(variant string) string {
	return shellquote.Join("kubectl", "patch", "service", s.Service, "-p", s.Payload(variant))
}

// Switch patches the Service selector to 'variant'.
func (s *Switcher) Switch(ctx context.Context, variant string) (ssh.Result, error) {
	log := clog.FromContext(ctx).With("service", s.Service, "variant", variant)
	if !Known(variant) {
		log.Warn("switching to a variant other than blue or green")
	}
	log.Info("switching traffic")
	res := s.Runner.Run(ctx, s.Command(variant))
	if err := remote.Check(ctx, s.Policy, res); err != nil {
		return res, fmt.Errorf("%w: %w", ErrSwitch, err)
	}
	return res, nil
}

// Current reads the Service and returns its active 'version' selector.
func (s *Switcher) Current(ctx context.Context) (string, error) {
	cmd := shellquote.Join("kubectl", "get", "service", s.Service, "-o", "json")
	res := s.Runner.Run(ctx, cmd)
	if !res.OK() {
		return "", fmt.Errorf("%w: %w", ErrStatus, &remote.CommandError{Result: res})
	}
	var svc corev1.Service
	if err := json.Unmarshal([]byte(res.Stdout), &svc); err != nil {
		return "", fmt.Errorf("%w: decoding %s: %w", ErrStatus, s.Service, err)
	}
	version, ok := svc.Spec.Selector[labelVersion]
	if !ok {
		return "", fmt.Errorf("%w: %w: %s", ErrStatus, ErrNoVersionLabel, s.Service)
	}
	return version, nil
}

// Verify confirms the Service now selects 'variant'.
func (s *Switcher) Verify(ctx context.Context, variant string) error {
	current, err := s.Current(ctx)
	if err != nil {
		return err
	}
	if current != variant {
		return fmt.Errorf("%w: want %q, got %q", ErrSwitchVerify, variant, current)
	}
	clog.FromContext(ctx).Info("traffic switch verified", "service", s.Service, "variant", variant)
	return nil
}
