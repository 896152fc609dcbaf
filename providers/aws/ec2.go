// Package aws implements the EC2 instance backend.
package aws

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/aws/smithy-go"
	"github.com/rs/zerolog/log"

	"github.com/yairfalse/conductor/providers"
	"github.com/yairfalse/conductor/types"
)

// EC2API defines the EC2 operations used by the backend.
type EC2API interface {
	DescribeInstances(ctx context.Context, params *ec2.DescribeInstancesInput, optFns ...func(*ec2.Options)) (*ec2.DescribeInstancesOutput, error)
	RunInstances(ctx context.Context, params *ec2.RunInstancesInput, optFns ...func(*ec2.Options)) (*ec2.RunInstancesOutput, error)
	TerminateInstances(ctx context.Context, params *ec2.TerminateInstancesInput, optFns ...func(*ec2.Options)) (*ec2.TerminateInstancesOutput, error)
	DescribeAccountAttributes(ctx context.Context, params *ec2.DescribeAccountAttributesInput, optFns ...func(*ec2.Options)) (*ec2.DescribeAccountAttributesOutput, error)
}

// Resource attributes read on create
const (
	AttrImageID      = "image_id"
	AttrInstanceType = "instance_type"
)

// Config holds EC2 backend configuration.
type Config struct {
	Region       string
	Profile      string
	ImageID      string
	InstanceType string
}

// Backend fetches, creates and terminates EC2 instances.
type Backend struct {
	client       EC2API
	region       string
	imageID      string
	instanceType string
}

var (
	_ providers.StateFetcher   = (*Backend)(nil)
	_ providers.Provisioner    = (*Backend)(nil)
	_ providers.SettingsSyncer = (*Backend)(nil)
)

// New creates a backend from the default AWS credential chain.
func New(ctx context.Context, cfg Config) (*Backend, error) {
	opts := []func(*config.LoadOptions) error{config.WithRegion(cfg.Region)}
	if cfg.Profile != "" {
		opts = append(opts, config.WithSharedConfigProfile(cfg.Profile))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, &types.ConfigurationError{Field: "aws", Reason: fmt.Sprintf("load aws config: %v", err)}
	}

	return NewWithClient(ec2.NewFromConfig(awsCfg), cfg), nil
}

// NewWithClient creates a backend over an existing client.
func NewWithClient(client EC2API, cfg Config) *Backend {
	instanceType := cfg.InstanceType
	if instanceType == "" {
		instanceType = string(ec2types.InstanceTypeT3Micro)
	}
	return &Backend{
		client:       client,
		region:       cfg.Region,
		imageID:      cfg.ImageID,
		instanceType: instanceType,
	}
}

// FetchState describes the instance behind the resource's backend id.
func (b *Backend) FetchState(ctx context.Context, resource types.Resource) (providers.RemoteState, error) {
	output, err := b.client.DescribeInstances(ctx, &ec2.DescribeInstancesInput{
		InstanceIds: []string{resource.BackendID},
	})
	if err != nil {
		return providers.RemoteState{}, backendError("describe instance", err)
	}

	instance, ok := findInstance(output, resource.BackendID)
	if !ok {
		return providers.RemoteState{}, &types.BackendError{
			Op:     "describe instance",
			Reason: fmt.Sprintf("instance %s not found", resource.BackendID),
		}
	}

	state := instanceState(instance)
	if state == ec2types.InstanceStateNameTerminated || state == ec2types.InstanceStateNameShuttingDown {
		return providers.RemoteState{}, &types.BackendError{
			Op:     "describe instance",
			Reason: fmt.Sprintf("instance %s is %s", resource.BackendID, state),
		}
	}

	return providers.RemoteState{
		BackendID: aws.ToString(instance.InstanceId),
		Status:    string(state),
		Attrs:     instanceAttrs(instance),
	}, nil
}

// Create launches one instance and returns its id.
func (b *Backend) Create(ctx context.Context, resource types.Resource) (string, error) {
	imageID := resource.Attrs[AttrImageID]
	if imageID == "" {
		imageID = b.imageID
	}
	if imageID == "" {
		return "", &types.BackendError{Op: "run instance", Reason: "no image id for " + resource.ID}
	}
	instanceType := resource.Attrs[AttrInstanceType]
	if instanceType == "" {
		instanceType = b.instanceType
	}

	output, err := b.client.RunInstances(ctx, &ec2.RunInstancesInput{
		ImageId:      aws.String(imageID),
		InstanceType: ec2types.InstanceType(instanceType),
		MinCount:     aws.Int32(1),
		MaxCount:     aws.Int32(1),
		ClientToken:  aws.String(resource.ID),
		TagSpecifications: []ec2types.TagSpecification{{
			ResourceType: ec2types.ResourceTypeInstance,
			Tags: []ec2types.Tag{
				{Key: aws.String("Name"), Value: aws.String(resource.Name)},
				{Key: aws.String("conductor:resource-id"), Value: aws.String(resource.ID)},
			},
		}},
	})
	if err != nil {
		return "", backendError("run instance", err)
	}
	if len(output.Instances) == 0 {
		return "", &types.BackendError{Op: "run instance", Reason: "no instance returned"}
	}

	id := aws.ToString(output.Instances[0].InstanceId)
	log.Debug().Str("resource_id", resource.ID).Str("instance_id", id).Str("region", b.region).Msg("instance launched")
	return id, nil
}

// Delete terminates the instance behind the resource.
func (b *Backend) Delete(ctx context.Context, resource types.Resource) error {
	if resource.BackendID == "" {
		return nil
	}
	_, err := b.client.TerminateInstances(ctx, &ec2.TerminateInstancesInput{
		InstanceIds: []string{resource.BackendID},
	})
	if err != nil {
		return backendError("terminate instance", err)
	}
	return nil
}

// Sync checks that the account behind the settings answers.
func (b *Backend) Sync(ctx context.Context, settings types.ServiceSettings) error {
	output, err := b.client.DescribeAccountAttributes(ctx, &ec2.DescribeAccountAttributesInput{})
	if err != nil {
		return backendError("describe account", err)
	}
	if len(output.AccountAttributes) == 0 {
		return &types.BackendError{Op: "describe account", Reason: "no account attributes for " + settings.Name}
	}
	return nil
}

func findInstance(output *ec2.DescribeInstancesOutput, id string) (ec2types.Instance, bool) {
	for _, reservation := range output.Reservations {
		for _, instance := range reservation.Instances {
			if aws.ToString(instance.InstanceId) == id {
				return instance, true
			}
		}
	}
	return ec2types.Instance{}, false
}

func instanceState(instance ec2types.Instance) ec2types.InstanceStateName {
	if instance.State == nil {
		return ""
	}
	return instance.State.Name
}

func instanceAttrs(instance ec2types.Instance) map[string]string {
	attrs := map[string]string{
		AttrInstanceType: string(instance.InstanceType),
	}
	if instance.Placement != nil {
		attrs["availability_zone"] = aws.ToString(instance.Placement.AvailabilityZone)
	}
	if ip := aws.ToString(instance.PrivateIpAddress); ip != "" {
		attrs["private_ip"] = ip
	}
	return attrs
}

// backendError maps an SDK failure onto a BackendError, keeping the API error code
func backendError(op string, err error) *types.BackendError {
	be := types.NewBackendError(op, err)
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		be.Reason = apiErr.ErrorCode() + ": " + apiErr.ErrorMessage()
	}
	return be
}
