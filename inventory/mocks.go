package inventory

import (
	"context"

	"github.com/stretchr/testify/mock"

	"ec2sshconfig/awsd/models"
)

// MockEC2Client is a mock implementation of EC2Client
type MockEC2Client struct {
	mock.Mock
}

// ListInstances mocks the ListInstances method
func (m *MockEC2Client) ListInstances(ctx context.Context, filters []models.TagFilter) ([]models.Instance, error) {
	args := m.Called(filters)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]models.Instance), args.Error(1)
}

// ImageName mocks the ImageName method
func (m *MockEC2Client) ImageName(ctx context.Context, imageID string) (string, error) {
	args := m.Called(imageID)
	return args.String(0), args.Error(1)
}
