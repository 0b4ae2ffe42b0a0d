package compute

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/chainguard-dev/clog"
)

const securityGroupDescription = "Minikube security group"

// EnsureSecurityGroup returns the ID of the configured security group in the
// first VPC, creating it there with all-traffic ingress from IngressCIDR if it
// does not exist yet. Lookup and creation are scoped to the same VPC.
func (p *Provisioner) EnsureSecurityGroup(ctx context.Context) (string, error) {
	log := clog.FromContext(ctx).With("security_group", p.opts.SecurityGroup)

	vpcs, err := p.client.DescribeVpcs(ctx, &ec2.DescribeVpcsInput{})
	if err != nil {
		return "", fmt.Errorf("%w: describing VPCs: %w", ErrSecurityGroup, err)
	}
	if len(vpcs.Vpcs) == 0 || vpcs.Vpcs[0].VpcId == nil {
		return "", fmt.Errorf("%w: %w", ErrSecurityGroup, ErrNoVPC)
	}
	vpcID := *vpcs.Vpcs[0].VpcId
	log = log.With("vpc", vpcID)

	out, err := p.client.DescribeSecurityGroups(ctx, &ec2.DescribeSecurityGroupsInput{
		Filters: []types.Filter{
			{Name: aws.String("group-name"), Values: []string{p.opts.SecurityGroup}},
			{Name: aws.String("vpc-id"), Values: []string{vpcID}},
		},
	})
	switch {
	case err == nil && len(out.SecurityGroups) > 0 && out.SecurityGroups[0].GroupId != nil:
		id := *out.SecurityGroups[0].GroupId
		log.Info("security group already exists", "id", id)
		return id, nil
	case err != nil && !hasCode(err, codeGroupNotFound):
		return "", fmt.Errorf("%w: describing %s: %w", ErrSecurityGroup, p.opts.SecurityGroup, err)
	}

	log.Info("creating security group")
	created, err := p.client.CreateSecurityGroup(ctx, &ec2.CreateSecurityGroupInput{
		GroupName:         aws.String(p.opts.SecurityGroup),
		Description:       aws.String(securityGroupDescription),
		VpcId:             aws.String(vpcID),
		TagSpecifications: p.tagSpecification(types.ResourceTypeSecurityGroup, p.opts.SecurityGroup),
	})
	if err != nil {
		return "", fmt.Errorf("%w: creating %s: %w", ErrSecurityGroup, p.opts.SecurityGroup, err)
	}
	if created.GroupId == nil {
		return "", fmt.Errorf("%w: no group ID returned", ErrSecurityGroup)
	}
	id := *created.GroupId
	log.Info("created security group", "id", id)

	_, err = p.client.AuthorizeSecurityGroupIngress(ctx, &ec2.AuthorizeSecurityGroupIngressInput{
		GroupId: aws.String(id),
		IpPermissions: []types.IpPermission{{
			IpProtocol: aws.String("-1"),
			IpRanges:   []types.IpRange{{CidrIp: aws.String(p.opts.IngressCIDR)}},
		}},
	})
	if err != nil {
		return "", fmt.Errorf("%w: authorizing ingress on %s: %w", ErrSecurityGroup, id, err)
	}
	log.Info("authorized ingress", "id", id, "cidr", p.opts.IngressCIDR)
	return id, nil
}
