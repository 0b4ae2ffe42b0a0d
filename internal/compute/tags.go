package compute

import (
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"
)

const (
	tagKeyName    = "Name"
	tagKeyProject = "Project"
	tagKeyRunID   = "bluegreen:run-id"

	tagDefaultProject = "bluegreen"
)

// tagSpecification tags a created resource with its name, the project and
// the run that created it.
func (p *Provisioner) tagSpecification(rt types.ResourceType, name string) []types.TagSpecification {
	tags := []types.Tag{
		{Key: aws.String(tagKeyName), Value: aws.String(name)},
		{Key: aws.String(tagKeyProject), Value: aws.String(tagDefaultProject)},
	}
	if p.opts.RunID != "" {
		tags = append(tags, types.Tag{Key: aws.String(tagKeyRunID), Value: aws.String(p.opts.RunID)})
	}
	return []types.TagSpecification{{ResourceType: rt, Tags: tags}}
}
