// deploy uploads the Kubernetes manifests for both variants, the service
// and jenkins to the host and applies them with kubectl.
package deploy

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/chainguard-dev/bluegreen/internal/remote"
	"github.com/chainguard-dev/bluegreen/internal/ssh"
	"github.com/chainguard-dev/clog"
	"github.com/kballard/go-shellquote"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime/schema"
	utilyaml "k8s.io/apimachinery/pkg/util/yaml"
	"k8s.io/client-go/kubernetes/scheme"
)

// Host runs commands on, and copies files to, the remote host.
type Host interface {
	remote.Runner
	Upload(ctx context.Context, local, remote string) error
}

var (
	ErrManifestRead = fmt.Errorf("failed to read manifest")
	ErrUpload       = fmt.Errorf("failed to upload manifest")
	ErrApply        = fmt.Errorf("failed to apply manifests")
)

// Files is the fixed manifest set, in upload and apply order.
var Files = []string{
	"jenkins-deployment.yaml",
	"app-blue.yaml",
	"app-green.yaml",
	"service.yaml",
}

// Manifest is one file of the set, resolved to its local and remote paths.
type Manifest struct {
	Name       string
	LocalPath  string
	RemotePath string
	Kinds      []schema.GroupVersionKind
}

type Deployer struct {
	// BlueGreenDir holds the variant and service manifests.
	BlueGreenDir string
	// JenkinsDir holds every other manifest.
	JenkinsDir string
	// RemoteHome is the remote directory manifests are uploaded to.
	RemoteHome string
	Policy     remote.Policy
}

// LocalPath maps a manifest file name to its local source.
func (d *Deployer) LocalPath(file string) string {
	if strings.Contains(file, "app") || strings.Contains(file, "service") {
		return filepath.Join(d.BlueGreenDir, file)
	}
	return filepath.Join(d.JenkinsDir, file)
}

// RemotePath maps a manifest file name to its upload destination.
func (d *Deployer) RemotePath(file string) string {
	return path.Join(d.RemoteHome, file)
}

// ApplyCommand is the kubectl invocation for an uploaded manifest.
func ApplyCommand(remotePath string) string {
	return shellquote.Join("kubectl", "apply", "-f", remotePath)
}

// Plan resolves every manifest and records the kinds it declares. Only an
// unreadable file fails the plan; contents are copied verbatim and left to
// kubectl to judge.
func (d *Deployer) Plan(ctx context.Context) ([]Manifest, error) {
	log := clog.FromContext(ctx)
	manifests := make([]Manifest, 0, len(Files))
	for _, file := range Files {
		m := Manifest{
			Name:       file,
			LocalPath:  d.LocalPath(file),
			RemotePath: d.RemotePath(file),
		}
		data, err := os.ReadFile(m.LocalPath)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %w", ErrManifestRead, m.LocalPath, err)
		}
		kinds, err := Kinds(data)
		if err != nil {
			log.Debug("could not inspect manifest", "file", m.LocalPath, "error", err)
		}
		m.Kinds = kinds
		log.Debug("planned manifest", "file", m.LocalPath, "kinds", kinds)
		manifests = append(manifests, m)
	}
	return manifests, nil
}

// Kinds splits a multi-document YAML file and reports the kind of each
// object. Kinds known to the client-go scheme are decoded fully; anything
// else, such as a custom resource, is read from its type metadata.
func Kinds(data []byte) ([]schema.GroupVersionKind, error) {
	reader := utilyaml.NewYAMLReader(bufio.NewReader(bytes.NewReader(data)))
	deserializer := scheme.Codecs.UniversalDeserializer()

	var kinds []schema.GroupVersionKind
	for {
		doc, err := reader.Read()
		if errors.Is(err, io.EOF) {
			return kinds, nil
		}
		if err != nil {
			return kinds, err
		}
		if len(bytes.TrimSpace(doc)) == 0 {
			continue
		}
		if _, gvk, err := deserializer.Decode(doc, nil, nil); err == nil {
			kinds = append(kinds, *gvk)
			continue
		}
		var meta metav1.TypeMeta
		if err := utilyaml.Unmarshal(doc, &meta); err != nil {
			return kinds, err
		}
		if meta.Kind == "" {
			continue
		}
		kinds = append(kinds, schema.FromAPIVersionAndKind(meta.APIVersion, meta.Kind))
	}
}

// Deploy uploads every manifest, then applies each in order. Upload failures
// are always fatal; apply failures follow the configured policy.
func (d *Deployer) Deploy(ctx context.Context, host Host) ([]ssh.Result, error) {
	log := clog.FromContext(ctx)

	manifests, err := d.Plan(ctx)
	if err != nil {
		return nil, err
	}

	for _, m := range manifests {
		log.Info("uploading manifest", "local", m.LocalPath, "remote", m.RemotePath)
		if err := host.Upload(ctx, m.LocalPath, m.RemotePath); err != nil {
			return nil, fmt.Errorf("%w: %s: %w", ErrUpload, m.Name, err)
		}
	}

	cmds := make([]string, 0, len(manifests))
	for _, m := range manifests {
		cmds = append(cmds, ApplyCommand(m.RemotePath))
	}
	results, err := remote.RunAll(ctx, host, d.Policy, cmds...)
	if err != nil {
		return results, fmt.Errorf("%w: %w", ErrApply, err)
	}
	log.Info("manifests applied", "count", len(manifests))
	return results, nil
}
