// config holds the run configuration shared by every pipeline stage.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/chainguard-dev/bluegreen/internal/remote"
	"gopkg.in/yaml.v3"
)

// Config configures a bluegreen run. Zero values are replaced by defaults in
// Load (or an explicit call to ApplyDefaults).
type Config struct {
	// AWS
	Region string `yaml:"region"` // default: us-east-1
	// AccountID, when set, is used for image references instead of the
	// account resolved from the caller identity. A mismatch is logged.
	AccountID string `yaml:"account_id"`

	// Registry + images
	Repositories []string `yaml:"repositories"`  // default: node-app-blue, node-app-green
	ImageTag     string   `yaml:"image_tag"`     // default: latest
	BuildContext string   `yaml:"build_context"` // default: ./node-app

	// Compute
	AMI           string `yaml:"ami"`            // default: ami-0c02fb55956c7d316
	InstanceType  string `yaml:"instance_type"`  // default: t2.medium
	KeyName       string `yaml:"key_name"`       // default: minikube-key
	KeyDir        string `yaml:"key_dir"`        // default: .
	SecurityGroup string `yaml:"security_group"` // default: minikube-sg
	IngressCIDR   string `yaml:"ingress_cidr"`   // default: 0.0.0.0/0

	// SSH
	SSHUser          string        `yaml:"ssh_user"`           // default: ec2-user
	SSHPort          uint16        `yaml:"ssh_port"`           // default: 22
	SSHReadyInterval time.Duration `yaml:"ssh_ready_interval"` // default: 5s
	SSHReadyTimeout  time.Duration `yaml:"ssh_ready_timeout"`  // default: 5m
	// InsecureIgnoreHostKey trusts any host key. When false, KnownHosts is
	// required.
	InsecureIgnoreHostKey *bool  `yaml:"insecure_ignore_host_key"` // default: true
	KnownHosts            string `yaml:"known_hosts"`

	// Manifests
	RemoteHome   string `yaml:"remote_home"`    // default: /home/ec2-user
	BlueGreenDir string `yaml:"blue_green_dir"` // default: ./blue-green
	JenkinsDir   string `yaml:"jenkins_dir"`    // default: ./jenkins

	// Traffic
	Service      string `yaml:"service"`       // default: node-app-service
	AppLabel     string `yaml:"app_label"`     // default: node-app
	Variant      string `yaml:"variant"`       // default: blue
	VerifySwitch bool   `yaml:"verify_switch"` // default: false

	// Operational
	OnRemoteFailure remote.Policy `yaml:"on_remote_failure"` // default: abort

	// Use existing instance (skips compute provisioning)
	ExistingInstance *ExistingInstance `yaml:"existing_instance"`
}

// ExistingInstance points the pipeline at a pre-provisioned host.
type ExistingInstance struct {
	IP     string `yaml:"ip"`      // required
	SSHKey string `yaml:"ssh_key"` // required - path to private key file
}

var (
	ErrConfigRead    = fmt.Errorf("failed to read config file")
	ErrConfigParse   = fmt.Errorf("failed to parse config file")
	ErrConfigInvalid = fmt.Errorf("invalid configuration")
)

// Default returns a Config with every default applied.
func Default() *Config {
	c := &Config{}
	c.ApplyDefaults()
	return c
}

// Load reads the YAML file at 'path' (if non-empty), applies defaults and
// validates the result.
func Load(path string) (*Config, error) {
	c := &Config{}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrConfigRead, err)
		}
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("%w: %s: %w", ErrConfigParse, path, err)
		}
	}
	c.ApplyDefaults()
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Config) ApplyDefaults() {
	if c.Region == "" {
		c.Region = "us-east-1"
	}
	if len(c.Repositories) == 0 {
		c.Repositories = []string{"node-app-blue", "node-app-green"}
	}
	if c.ImageTag == "" {
		c.ImageTag = "latest"
	}
	if c.BuildContext == "" {
		c.BuildContext = "./node-app"
	}
	if c.AMI == "" {
		c.AMI = "ami-0c02fb55956c7d316"
	}
	if c.InstanceType == "" {
		c.InstanceType = "t2.medium"
	}
	if c.KeyName == "" {
		c.KeyName = "minikube-key"
	}
	if c.KeyDir == "" {
		c.KeyDir = "."
	}
	if c.SecurityGroup == "" {
		c.SecurityGroup = "minikube-sg"
	}
	if c.IngressCIDR == "" {
		c.IngressCIDR = "0.0.0.0/0"
	}
	if c.SSHUser == "" {
		c.SSHUser = "ec2-user"
	}
	if c.SSHPort == 0 {
		c.SSHPort = 22
	}
	if c.SSHReadyInterval == 0 {
		c.SSHReadyInterval = 5 * time.Second
	}
	if c.SSHReadyTimeout == 0 {
		c.SSHReadyTimeout = 5 * time.Minute
	}
	if c.InsecureIgnoreHostKey == nil {
		insecure := c.KnownHosts == ""
		c.InsecureIgnoreHostKey = &insecure
	}
	if c.RemoteHome == "" {
		c.RemoteHome = "/home/" + c.SSHUser
	}
	if c.BlueGreenDir == "" {
		c.BlueGreenDir = "./blue-green"
	}
	if c.JenkinsDir == "" {
		c.JenkinsDir = "./jenkins"
	}
	if c.Service == "" {
		c.Service = "node-app-service"
	}
	if c.AppLabel == "" {
		c.AppLabel = "node-app"
	}
	if c.Variant == "" {
		c.Variant = "blue"
	}
	if c.OnRemoteFailure == "" {
		c.OnRemoteFailure = remote.PolicyAbort
	}
}

func (c *Config) Validate() error {
	var errs error
	if c.ExistingInstance != nil {
		if c.ExistingInstance.IP == "" {
			errs = errors.Join(errs, fmt.Errorf("existing_instance.ip is required"))
		}
		if c.ExistingInstance.SSHKey == "" {
			errs = errors.Join(errs, fmt.Errorf("existing_instance.ssh_key is required"))
		}
	}
	seen := make(map[string]bool, len(c.Repositories))
	for _, repo := range c.Repositories {
		if repo == "" {
			errs = errors.Join(errs, fmt.Errorf("repositories: empty repository name"))
			continue
		}
		if seen[repo] {
			errs = errors.Join(errs, fmt.Errorf("repositories: duplicate repository %q", repo))
		}
		seen[repo] = true
	}
	if c.InsecureIgnoreHostKey != nil && !*c.InsecureIgnoreHostKey && c.KnownHosts == "" {
		errs = errors.Join(errs, fmt.Errorf("known_hosts is required when insecure_ignore_host_key is false"))
	}
	if c.SSHReadyInterval > c.SSHReadyTimeout {
		errs = errors.Join(errs, fmt.Errorf("ssh_ready_interval (%s) exceeds ssh_ready_timeout (%s)", c.SSHReadyInterval, c.SSHReadyTimeout))
	}
	if err := c.OnRemoteFailure.Validate(); err != nil {
		errs = errors.Join(errs, err)
	}
	if errs != nil {
		return fmt.Errorf("%w: %w", ErrConfigInvalid, errs)
	}
	return nil
}

// KeyPath is where the key pair's private key is persisted.
func (c *Config) KeyPath() string {
	if c.ExistingInstance != nil {
		return c.ExistingInstance.SSHKey
	}
	return filepath.Join(c.KeyDir, c.KeyName+".pem")
}

// RegistryHost is the ECR registry hostname for 'accountID' in the
// configured region.
func (c *Config) RegistryHost(accountID string) string {
	return fmt.Sprintf("%s.dkr.ecr.%s.amazonaws.com", accountID, c.Region)
}

// InsecureHostKey reports whether host keys go unverified.
func (c *Config) InsecureHostKey() bool {
	return c.InsecureIgnoreHostKey == nil || *c.InsecureIgnoreHostKey
}
