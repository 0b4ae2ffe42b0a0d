package compute

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/chainguard-dev/clog"
)

const instanceName = "bluegreen-minikube"

// Launch starts exactly one instance in 'securityGroupID', waits for it to
// reach the running state and returns it with its public address.
func (p *Provisioner) Launch(ctx context.Context, securityGroupID string) (*Instance, error) {
	log := clog.FromContext(ctx)

	result, err := p.client.RunInstances(ctx, &ec2.RunInstancesInput{
		ImageId:           aws.String(p.opts.AMI),
		InstanceType:      types.InstanceType(p.opts.InstanceType),
		MinCount:          aws.Int32(1),
		MaxCount:          aws.Int32(1),
		KeyName:           aws.String(p.opts.KeyName),
		SecurityGroupIds:  []string{securityGroupID},
		TagSpecifications: p.tagSpecification(types.ResourceTypeInstance, instanceName),
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInstanceLaunch, err)
	}
	if len(result.Instances) == 0 || result.Instances[0].InstanceId == nil {
		return nil, fmt.Errorf("%w: no instance returned from launch", ErrInstanceLaunch)
	}
	id := *result.Instances[0].InstanceId
	log.Info("launched instance", "id", id)

	log.Info("waiting for instance to enter running state", "id", id, "timeout", p.opts.RunningTimeout)
	waiter := ec2.NewInstanceRunningWaiter(p.client)
	if err := waiter.Wait(ctx, &ec2.DescribeInstancesInput{
		InstanceIds: []string{id},
	}, p.opts.RunningTimeout); err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrInstanceWait, id, err)
	}

	return p.reload(ctx, id)
}

// reload fetches fresh metadata for instance 'id'. The public address is
// only assigned once the instance is running.
func (p *Provisioner) reload(ctx context.Context, id string) (*Instance, error) {
	out, err := p.client.DescribeInstances(ctx, &ec2.DescribeInstancesInput{
		InstanceIds: []string{id},
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrInstanceReload, id, err)
	}
	if len(out.Reservations) == 0 || len(out.Reservations[0].Instances) == 0 {
		return nil, fmt.Errorf("%w: %s: instance not found", ErrInstanceReload, id)
	}
	inst := out.Reservations[0].Instances[0]
	if inst.PublicIpAddress == nil || *inst.PublicIpAddress == "" {
		return nil, fmt.Errorf("%w: %s", ErrNoPublicAddress, id)
	}
	return &Instance{ID: id, PublicIP: *inst.PublicIpAddress}, nil
}
