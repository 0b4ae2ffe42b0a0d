package image

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/chainguard-dev/bluegreen/internal/registry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testRegistry = "123456789012.dkr.ecr.us-east-1.amazonaws.com"

type call struct {
	name  string
	args  []string
	stdin string
}

type fakeRunner struct {
	calls []call
	// failOn fails the first call whose first argument matches.
	failOn string
}

func (f *fakeRunner) Run(_ context.Context, _, name string, args ...string) error {
	f.calls = append(f.calls, call{name: name, args: args})
	if len(args) > 0 && args[0] == f.failOn {
		return errors.New("exit status 1")
	}
	return nil
}

func (f *fakeRunner) RunInput(_ context.Context, stdin io.Reader, name string, args ...string) error {
	data, err := io.ReadAll(stdin)
	if err != nil {
		return err
	}
	f.calls = append(f.calls, call{name: name, args: args, stdin: string(data)})
	if len(args) > 0 && args[0] == f.failOn {
		return errors.New("exit status 1")
	}
	return nil
}

type fakeCredentials struct {
	creds registry.Credentials
	err   error
}

func (f fakeCredentials) Credentials(context.Context) (registry.Credentials, error) {
	return f.creds, f.err
}

func TestPublishAll(t *testing.T) {
	runner := &fakeRunner{}
	p := &Publisher{Runner: runner, Registry: testRegistry, Tag: "latest", Context: "./node-app"}

	refs, err := p.PublishAll(t.Context(), "node-app-blue", "node-app-green")
	require.NoError(t, err)
	require.Len(t, refs, 2)

	blue, green := refs[0], refs[1]
	assert.Equal(t, testRegistry+"/node-app-blue:latest", blue.String())
	assert.Equal(t, testRegistry+"/node-app-green:latest", green.String())
	// Only the repository segment differs.
	assert.Equal(t, blue.RegistryStr(), green.RegistryStr())
	assert.Equal(t, blue.TagStr(), green.TagStr())
	assert.NotEqual(t, blue.RepositoryStr(), green.RepositoryStr())

	want := []call{
		{name: "docker", args: []string{"build", "-t", blue.String(), "./node-app"}},
		{name: "docker", args: []string{"push", blue.String()}},
		{name: "docker", args: []string{"build", "-t", green.String(), "./node-app"}},
		{name: "docker", args: []string{"push", green.String()}},
	}
	assert.Equal(t, want, runner.calls)
}

func TestPublishFailures(t *testing.T) {
	tests := []struct {
		name      string
		failOn    string
		wantErr   error
		wantCalls int
	}{
		{name: "build", failOn: "build", wantErr: ErrImageBuild, wantCalls: 1},
		{name: "push", failOn: "push", wantErr: ErrImagePush, wantCalls: 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			runner := &fakeRunner{failOn: tt.failOn}
			p := &Publisher{Runner: runner, Registry: testRegistry, Tag: "latest", Context: "."}
			refs, err := p.PublishAll(t.Context(), "node-app-blue", "node-app-green")
			assert.ErrorIs(t, err, tt.wantErr)
			assert.Empty(t, refs)
			assert.Len(t, runner.calls, tt.wantCalls)
		})
	}
}

func TestReference(t *testing.T) {
	_, err := Reference(testRegistry, "Node-App", "latest")
	assert.ErrorIs(t, err, ErrImageReference)

	_, err = Reference(testRegistry, "node-app-blue", "not a tag")
	assert.ErrorIs(t, err, ErrImageReference)
}

func TestLogin(t *testing.T) {
	runner := &fakeRunner{}
	p := &Publisher{Runner: runner, Registry: testRegistry}
	src := fakeCredentials{creds: registry.Credentials{
		Username: "AWS",
		Password: "s3cr3t",
		Endpoint: "https://" + testRegistry,
	}}
	require.NoError(t, p.Login(t.Context(), src))
	require.Len(t, runner.calls, 1)
	assert.Equal(t, []string{"login", "--username", "AWS", "--password-stdin", testRegistry}, runner.calls[0].args)
	assert.Equal(t, "s3cr3t", runner.calls[0].stdin)
	// The password never appears on the command line.
	assert.NotContains(t, strings.Join(runner.calls[0].args, " "), "s3cr3t")

	err := p.Login(t.Context(), fakeCredentials{err: errors.New("expired")})
	assert.ErrorIs(t, err, ErrRegistryLogin)

	err = (&Publisher{Runner: &fakeRunner{failOn: "login"}}).Login(t.Context(), src)
	assert.ErrorIs(t, err, ErrRegistryLogin)
}

func TestLoginTargetsPushRegistry(t *testing.T) {
	// A configured account that differs from the caller's own registry.
	pushRegistry := "210987654321.dkr.ecr.us-east-1.amazonaws.com"
	runner := &fakeRunner{}
	p := &Publisher{Runner: runner, Registry: pushRegistry, Tag: "latest", Context: "./node-app"}
	src := fakeCredentials{creds: registry.Credentials{
		Username: "AWS",
		Password: "s3cr3t",
		Endpoint: "https://" + testRegistry,
	}}
	require.NoError(t, p.Login(t.Context(), src))
	refs, err := p.PublishAll(t.Context(), "node-app-blue")
	require.NoError(t, err)

	require.Len(t, runner.calls, 3)
	assert.Equal(t, pushRegistry, runner.calls[0].args[len(runner.calls[0].args)-1])
	assert.Equal(t, pushRegistry, refs[0].RegistryStr())

	// Without a configured registry the token endpoint is used.
	runner = &fakeRunner{}
	require.NoError(t, (&Publisher{Runner: runner}).Login(t.Context(), src))
	assert.Equal(t, testRegistry, runner.calls[0].args[len(runner.calls[0].args)-1])
}
