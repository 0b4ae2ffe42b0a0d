// compute provisions the single EC2 instance that hosts minikube: its
// security group, its key pair and the instance itself.
package compute

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/smithy-go"
	"github.com/chainguard-dev/clog"
)

// API is the subset of the EC2 client used here.
type API interface {
	ec2.DescribeInstancesAPIClient
	DescribeSecurityGroups(ctx context.Context, params *ec2.DescribeSecurityGroupsInput, optFns ...func(*ec2.Options)) (*ec2.DescribeSecurityGroupsOutput, error)
	DescribeVpcs(ctx context.Context, params *ec2.DescribeVpcsInput, optFns ...func(*ec2.Options)) (*ec2.DescribeVpcsOutput, error)
	CreateSecurityGroup(ctx context.Context, params *ec2.CreateSecurityGroupInput, optFns ...func(*ec2.Options)) (*ec2.CreateSecurityGroupOutput, error)
	AuthorizeSecurityGroupIngress(ctx context.Context, params *ec2.AuthorizeSecurityGroupIngressInput, optFns ...func(*ec2.Options)) (*ec2.AuthorizeSecurityGroupIngressOutput, error)
	DescribeKeyPairs(ctx context.Context, params *ec2.DescribeKeyPairsInput, optFns ...func(*ec2.Options)) (*ec2.DescribeKeyPairsOutput, error)
	CreateKeyPair(ctx context.Context, params *ec2.CreateKeyPairInput, optFns ...func(*ec2.Options)) (*ec2.CreateKeyPairOutput, error)
	RunInstances(ctx context.Context, params *ec2.RunInstancesInput, optFns ...func(*ec2.Options)) (*ec2.RunInstancesOutput, error)
}

var (
	ErrSecurityGroup   = fmt.Errorf("failed to ensure security group")
	ErrNoVPC           = fmt.Errorf("no VPC available for security group")
	ErrKeyPair         = fmt.Errorf("failed to ensure key pair")
	ErrKeyFileExists   = fmt.Errorf("refusing to overwrite existing private key file")
	ErrKeyFileWrite    = fmt.Errorf("failed to write private key file")
	ErrInstanceLaunch  = fmt.Errorf("failed to launch instance")
	ErrInstanceWait    = fmt.Errorf("failed waiting for instance to run")
	ErrInstanceReload  = fmt.Errorf("failed to reload instance")
	ErrNoPublicAddress = fmt.Errorf("instance has no public IPv4 address")
)

// EC2 error codes for missing resources.
const (
	codeGroupNotFound   = "InvalidGroup.NotFound"
	codeKeyPairNotFound = "InvalidKeyPair.NotFound"
)

const defaultRunningTimeout = 10 * time.Minute

// Options describe the instance to provision.
type Options struct {
	AMI           string
	InstanceType  string
	KeyName       string
	// KeyPath is where a newly created private key is written.
	KeyPath       string
	SecurityGroup string
	IngressCIDR   string
	// RunID tags every created resource so one run's resources can be found.
	RunID          string
	RunningTimeout time.Duration
}

// Instance is a launched EC2 instance.
type Instance struct {
	ID       string
	PublicIP string
}

type Provisioner struct {
	client API
	opts   Options
}

func New(client API, opts Options) *Provisioner {
	if opts.RunningTimeout == 0 {
		opts.RunningTimeout = defaultRunningTimeout
	}
	return &Provisioner{client: client, opts: opts}
}

// Provision ensures the security group and key pair, then launches one
// instance and returns it once it is running. Nothing is rolled back on
// failure.
func (p *Provisioner) Provision(ctx context.Context) (*Instance, error) {
	groupID, err := p.EnsureSecurityGroup(ctx)
	if err != nil {
		return nil, err
	}
	if err := p.EnsureKeyPair(ctx); err != nil {
		return nil, err
	}
	inst, err := p.Launch(ctx, groupID)
	if err != nil {
		return nil, err
	}
	clog.FromContext(ctx).Info("instance launched", "id", inst.ID, "public_ip", inst.PublicIP)
	return inst, nil
}

func hasCode(err error, code string) bool {
	var apiErr smithy.APIError
	return errors.As(err, &apiErr) && apiErr.ErrorCode() == code
}
