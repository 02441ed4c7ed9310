package awsd

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"go.uber.org/zap"

	"ec2sshconfig/awsd/models"
	"ec2sshconfig/errors"
)

const (
	packageName = "awsd"

	runningState = "running"
)

// EC2API is the subset of the EC2 client used here
type EC2API interface {
	DescribeInstances(ctx context.Context, params *ec2.DescribeInstancesInput, optFns ...func(*ec2.Options)) (*ec2.DescribeInstancesOutput, error)
	DescribeImages(ctx context.Context, params *ec2.DescribeImagesInput, optFns ...func(*ec2.Options)) (*ec2.DescribeImagesOutput, error)
}

type AwsClient struct {
	client EC2API
	logger *zap.Logger
}

// Options selects the credentials and endpoint used by the EC2 client
type Options struct {
	Profile         string
	Region          string
	EndpointURL     string
	AccessKeyID     string
	SecretAccessKey string
}

func NewEC2ClientWithConfig(cfg aws.Config, endpointURL string) *AwsClient {
	client := ec2.NewFromConfig(cfg, func(o *ec2.Options) {
		if endpointURL != "" {
			o.BaseEndpoint = aws.String(endpointURL)
		}
	})
	return NewEC2ClientWithAPI(client)
}

// NewEC2ClientWithAPI wraps an existing EC2 API implementation
func NewEC2ClientWithAPI(api EC2API) *AwsClient {
	return &AwsClient{
		client: api,
		logger: zap.L().With(zap.String("package", packageName)),
	}
}

// NewEC2Client loads the shared AWS configuration and returns a client.
// Static credentials are used only when both the key id and the secret are set;
// EndpointURL points the client at LocalStack or another compatible endpoint.
func NewEC2Client(ctx context.Context, opts Options) (*AwsClient, error) {
	var loadOpts []func(*config.LoadOptions) error
	if opts.Profile != "" {
		loadOpts = append(loadOpts, config.WithSharedConfigProfile(opts.Profile))
	}
	if opts.Region != "" {
		loadOpts = append(loadOpts, config.WithRegion(opts.Region))
	}
	if opts.AccessKeyID != "" && opts.SecretAccessKey != "" {
		loadOpts = append(loadOpts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(opts.AccessKeyID, opts.SecretAccessKey, "")))
	}

	cfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, errors.New(errors.ErrAWSClient, "failed to load AWS config",
			map[string]interface{}{
				"profile": opts.Profile,
				"region":  opts.Region,
			}, err)
	}

	return NewEC2ClientWithConfig(cfg, opts.EndpointURL), nil
}

// BuildFilters turns tag filters into EC2 filters. The running-state filter is always appended.
func BuildFilters(filters []models.TagFilter) []types.Filter {
	result := make([]types.Filter, 0, len(filters)+1)
	for _, f := range filters {
		result = append(result, types.Filter{
			Name:   aws.String("tag:" + f.Key),
			Values: []string{f.Value},
		})
	}
	return append(result, types.Filter{
		Name:   aws.String("instance-state-name"),
		Values: []string{runningState},
	})
}

// ListInstances fetches every running instance matching the tag filters.
// Instances that cannot be normalised are dropped with a warning.
func (a *AwsClient) ListInstances(ctx context.Context, filters []models.TagFilter) ([]models.Instance, error) {
	logger := a.logger.With(zap.String("function", "ListInstances"))

	paginator := ec2.NewDescribeInstancesPaginator(a.client, &ec2.DescribeInstancesInput{
		Filters: BuildFilters(filters),
	})

	instances := make([]models.Instance, 0)
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, errors.New(errors.ErrAWSInstance, "failed to describe instances",
				map[string]interface{}{
					"filters": fmt.Sprint(filters),
				}, err)
		}

		for _, reservation := range page.Reservations {
			for _, i := range reservation.Instances {
				instance, err := convertInstance(i)
				if err != nil {
					logger.Warn("Dropping instance",
						zap.String("operation", "instance_normalise"),
						zap.Error(err),
					)
					continue
				}
				instances = append(instances, instance)
			}
		}
	}

	logger.Info("Instances fetched",
		zap.String("operation", "describe_instances"),
		zap.Int("count", len(instances)),
	)
	return instances, nil
}

// ImageName returns the display name of an AMI
func (a *AwsClient) ImageName(ctx context.Context, imageID string) (string, error) {
	output, err := a.client.DescribeImages(ctx, &ec2.DescribeImagesInput{
		ImageIds: []string{imageID},
	})
	if err != nil {
		return "", errors.New(errors.ErrImageLookup, "failed to describe image",
			map[string]interface{}{
				"image_id": imageID,
			}, err)
	}

	// Deregistered or unshared AMIs come back as an empty list
	if len(output.Images) == 0 || output.Images[0].Name == nil {
		return "", errors.New(errors.ErrImageLookup, "image not found",
			map[string]interface{}{
				"image_id": imageID,
			}, nil)
	}

	return aws.ToString(output.Images[0].Name), nil
}

// convertInstance maps an SDK instance to the internal record
func convertInstance(i types.Instance) (models.Instance, error) {
	if aws.ToString(i.InstanceId) == "" {
		return models.Instance{}, errors.New(errors.ErrAWSInstance, "instance has no id", nil, nil)
	}
	if aws.ToString(i.ImageId) == "" {
		return models.Instance{}, errors.New(errors.ErrAWSInstance, "instance has no image id",
			map[string]interface{}{
				"instance_id": aws.ToString(i.InstanceId),
			}, nil)
	}

	return models.Instance{
		ID:        aws.ToString(i.InstanceId),
		ImageID:   aws.ToString(i.ImageId),
		PrivateIP: aws.ToString(i.PrivateIpAddress), // Safely dereferencing pointer
		PublicIP:  aws.ToString(i.PublicIpAddress),
		KeyName:   aws.ToString(i.KeyName),
		Tags:      parseTags(i.Tags),
	}, nil
}

// Helper function to map tags
func parseTags(tags []types.Tag) map[string]string {
	result := make(map[string]string, len(tags))
	for _, tag := range tags {
		if tag.Key != nil && tag.Value != nil {
			result[*tag.Key] = *tag.Value
		}
	}
	return result
}
