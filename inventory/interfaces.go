package inventory

import (
	"context"

	"ec2sshconfig/awsd/models"
	"ec2sshconfig/sshconfig"
)

// EC2Client defines the inventory operations the service needs
type EC2Client interface {
	ListInstances(ctx context.Context, filters []models.TagFilter) ([]models.Instance, error)
	ImageName(ctx context.Context, imageID string) (string, error)
}

// Generator defines the config generation operation
type Generator interface {
	Generate(ctx context.Context, opts Options) (*sshconfig.Document, error)
}
