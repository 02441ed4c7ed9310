package inventory

import (
	"context"
	stderrors "errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"ec2sshconfig/awsd/models"
	"ec2sshconfig/errors"
	"ec2sshconfig/sshconfig"
	"ec2sshconfig/users"
)

func strPtr(s string) *string { return &s }
func intPtr(n int) *int       { return &n }

func hostNames(doc *sshconfig.Document) []string {
	names := make([]string, 0, len(doc.Stanzas))
	for _, s := range doc.Stanzas {
		names = append(names, s.Host)
	}
	return names
}

func findStanza(t *testing.T, doc *sshconfig.Document, host string) sshconfig.Stanza {
	t.Helper()
	for _, s := range doc.Stanzas {
		if s.Host == host {
			return s
		}
	}
	t.Fatalf("no stanza for host %q", host)
	return sshconfig.Stanza{}
}

func newObservedService(client EC2Client) (*Service, *observer.ObservedLogs) {
	core, logs := observer.New(zap.DebugLevel)
	return NewService(client, users.DefaultPatterns(), zap.New(core)), logs
}

func TestService_Generate(t *testing.T) {
	tests := []struct {
		name       string
		instances  []models.Instance
		images     map[string]string
		opts       Options
		wantHosts  []string
		assertions func(*testing.T, *sshconfig.Document, *observer.ObservedLogs)
	}{
		{
			name: "shared tag value gets a numeric suffix",
			instances: []models.Instance{
				{ID: "i-2", ImageID: "ami-u", PublicIP: "54.0.0.2", Tags: map[string]string{"Name": "web"}},
				{ID: "i-1", ImageID: "ami-u", PublicIP: "54.0.0.1", Tags: map[string]string{"Name": "web"}},
			},
			images:    map[string]string{"ami-u": "ubuntu-jammy"},
			opts:      Options{Tags: []string{"Name"}},
			wantHosts: []string{"web", "web-2"},
			assertions: func(t *testing.T, doc *sshconfig.Document, _ *observer.ObservedLogs) {
				addr, _ := findStanza(t, doc, "web").Value(sshconfig.HostName)
				assert.Equal(t, "54.0.0.1", addr)
				addr, _ = findStanza(t, doc, "web-2").Value(sshconfig.HostName)
				assert.Equal(t, "54.0.0.2", addr)
			},
		},
		{
			name: "private address used when public is absent",
			instances: []models.Instance{
				{ID: "i-1", ImageID: "ami-a", PrivateIP: "10.0.0.5", Tags: map[string]string{"Name": "db"}},
			},
			images:    map[string]string{"ami-a": "amzn2-ami-hvm"},
			opts:      Options{},
			wantHosts: []string{"db"},
			assertions: func(t *testing.T, doc *sshconfig.Document, _ *observer.ObservedLogs) {
				assert.Contains(t, doc.String(), "  HostName 10.0.0.5\n")
				assert.Contains(t, doc.String(), "  User ec2-user\n")
			},
		},
		{
			name: "unmatched proxy pattern omits proxy lines",
			instances: []models.Instance{
				{ID: "i-1", ImageID: "ami-a", PrivateIP: "10.0.0.5", Tags: map[string]string{"Name": "db"}},
				{ID: "i-2", ImageID: "ami-a", PrivateIP: "10.0.0.6", Tags: map[string]string{"Name": "jump"}},
			},
			images:    map[string]string{"ami-a": "amzn2-ami-hvm"},
			opts:      Options{Proxy: strPtr("bastion*")},
			wantHosts: []string{"db", "jump"},
			assertions: func(t *testing.T, doc *sshconfig.Document, logs *observer.ObservedLogs) {
				assert.NotContains(t, doc.String(), sshconfig.ProxyCommand)
				entries := logs.FilterField(zap.String("operation", "proxy_resolve")).All()
				require.Len(t, entries, 1)
				assert.Equal(t, zap.WarnLevel, entries[0].Level)
			},
		},
		{
			name: "proxy gets dynamic forward and private hosts tunnel through it",
			instances: []models.Instance{
				{ID: "i-1", ImageID: "ami-a", PrivateIP: "10.0.0.2", PublicIP: "54.0.0.2", Tags: map[string]string{"Name": "bastion"}},
				{ID: "i-2", ImageID: "ami-a", PrivateIP: "10.0.0.5", Tags: map[string]string{"Name": "db"}},
				{ID: "i-3", ImageID: "ami-a", PrivateIP: "10.0.0.6", PublicIP: "54.0.0.6", Tags: map[string]string{"Name": "web"}},
			},
			images:    map[string]string{"ami-a": "amzn2-ami-hvm"},
			opts:      Options{Prefix: "prod-", Proxy: strPtr("prod-bastion*"), DynamicForward: intPtr(1080)},
			wantHosts: []string{"prod-bastion", "prod-db", "prod-web"},
			assertions: func(t *testing.T, doc *sshconfig.Document, _ *observer.ObservedLogs) {
				bastion := findStanza(t, doc, "prod-bastion")
				df, ok := bastion.Value(sshconfig.DynamicForward)
				assert.True(t, ok)
				assert.Equal(t, "1080", df)
				_, ok = bastion.Value(sshconfig.ProxyCommand)
				assert.False(t, ok)

				pc, ok := findStanza(t, doc, "prod-db").Value(sshconfig.ProxyCommand)
				assert.True(t, ok)
				assert.Equal(t, "ssh prod-bastion /bin/nc %h %p 2> /dev/null", pc)

				_, ok = findStanza(t, doc, "prod-web").Value(sshconfig.ProxyCommand)
				assert.False(t, ok)
			},
		},
		{
			name: "ambiguous proxy keeps the last match",
			instances: []models.Instance{
				{ID: "i-1", ImageID: "ami-a", PublicIP: "54.0.0.1", Tags: map[string]string{"Name": "bastion"}},
				{ID: "i-2", ImageID: "ami-a", PublicIP: "54.0.0.2", Tags: map[string]string{"Name": "bastion"}},
				{ID: "i-3", ImageID: "ami-a", PrivateIP: "10.0.0.3", Tags: map[string]string{"Name": "db"}},
			},
			images:    map[string]string{"ami-a": "amzn2-ami-hvm"},
			opts:      Options{Proxy: strPtr("bastion*")},
			wantHosts: []string{"bastion", "bastion-2", "db"},
			assertions: func(t *testing.T, doc *sshconfig.Document, logs *observer.ObservedLogs) {
				pc, _ := findStanza(t, doc, "db").Value(sshconfig.ProxyCommand)
				assert.Equal(t, "ssh bastion-2 /bin/nc %h %p 2> /dev/null", pc)
				assert.Equal(t, 1, logs.FilterField(zap.String("operation", "proxy_resolve")).Len())
			},
		},
		{
			name: "instances without a usable address are dropped",
			instances: []models.Instance{
				{ID: "i-1", ImageID: "ami-a", PublicIP: "54.0.0.1", Tags: map[string]string{"Name": "web"}},
				{ID: "i-2", ImageID: "ami-a", Tags: map[string]string{"Name": "ghost"}},
			},
			images:    map[string]string{"ami-a": "amzn2-ami-hvm"},
			opts:      Options{},
			wantHosts: []string{"web"},
			assertions: func(t *testing.T, _ *sshconfig.Document, logs *observer.ObservedLogs) {
				assert.Equal(t, 1, logs.FilterField(zap.String("instance_id", "i-2")).Len())
			},
		},
		{
			name: "private only drops public-only instances",
			instances: []models.Instance{
				{ID: "i-1", ImageID: "ami-a", PublicIP: "54.0.0.1", Tags: map[string]string{"Name": "web"}},
				{ID: "i-2", ImageID: "ami-a", PrivateIP: "10.0.0.2", PublicIP: "54.0.0.2", Tags: map[string]string{"Name": "app"}},
			},
			images:    map[string]string{"ami-a": "amzn2-ami-hvm"},
			opts:      Options{PrivateOnly: true},
			wantHosts: []string{"app"},
			assertions: func(t *testing.T, doc *sshconfig.Document, _ *observer.ObservedLogs) {
				addr, _ := findStanza(t, doc, "app").Value(sshconfig.HostName)
				assert.Equal(t, "10.0.0.2", addr)
			},
		},
		{
			name: "global stanza comes first and identity files use the key folder",
			instances: []models.Instance{
				{ID: "i-1", ImageID: "ami-a", PublicIP: "54.0.0.1", KeyName: "prod", Tags: map[string]string{"Name": "web"}},
			},
			images: map[string]string{"ami-a": "amzn2-ami-hvm"},
			opts: Options{
				Prefix:    "aws-",
				KeyFolder: "/keys",
				Global:    sshconfig.GlobalOptions{NoStrictCheck: true, KeepAlive: intPtr(30)},
			},
			wantHosts: []string{"aws-*", "aws-web"},
			assertions: func(t *testing.T, doc *sshconfig.Document, _ *observer.ObservedLogs) {
				key, _ := findStanza(t, doc, "aws-web").Value(sshconfig.IdentityFile)
				assert.Equal(t, "/keys/prod.pem", key)
			},
		},
		{
			name: "user override skips image lookups",
			instances: []models.Instance{
				{ID: "i-1", ImageID: "ami-a", PublicIP: "54.0.0.1"},
			},
			opts:      Options{Users: users.Options{Override: "admin"}},
			wantHosts: []string{"i-1"},
			assertions: func(t *testing.T, doc *sshconfig.Document, _ *observer.ObservedLogs) {
				user, _ := findStanza(t, doc, "i-1").Value(sshconfig.User)
				assert.Equal(t, "admin", user)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := new(MockEC2Client)
			client.On("ListInstances", tt.opts.Filters).Return(tt.instances, nil)
			for ami, name := range tt.images {
				client.On("ImageName", ami).Return(name, nil)
			}

			service, logs := newObservedService(client)
			doc, err := service.Generate(context.Background(), tt.opts)
			require.NoError(t, err)

			assert.Equal(t, tt.wantHosts, hostNames(doc))
			for _, s := range doc.Stanzas {
				if s.Host == tt.opts.Prefix+"*" {
					continue
				}
				user, ok := s.Value(sshconfig.User)
				assert.True(t, ok)
				assert.NotEmpty(t, user)
			}
			if tt.assertions != nil {
				tt.assertions(t, doc, logs)
			}
			client.AssertExpectations(t)
		})
	}
}

func TestService_Generate_OneImageLookupPerAMI(t *testing.T) {
	instances := []models.Instance{
		{ID: "i-1", ImageID: "ami-u", PublicIP: "54.0.0.1"},
		{ID: "i-2", ImageID: "ami-u", PublicIP: "54.0.0.2"},
		{ID: "i-3", ImageID: "ami-a", PublicIP: "54.0.0.3"},
		{ID: "i-4", ImageID: "ami-u", PublicIP: "54.0.0.4"},
		{ID: "i-5", ImageID: "ami-x", PublicIP: "54.0.0.5"},
	}

	client := new(MockEC2Client)
	client.On("ListInstances", mock.Anything).Return(instances, nil)
	client.On("ImageName", "ami-u").Return("ubuntu-jammy", nil)
	client.On("ImageName", "ami-a").Return("amzn2-ami", nil)
	client.On("ImageName", "ami-x").Return("", stderrors.New("image not found"))

	service, _ := newObservedService(client)
	doc, err := service.Generate(context.Background(), Options{})
	require.NoError(t, err)

	client.AssertNumberOfCalls(t, "ImageName", 3)

	user, _ := findStanza(t, doc, "i-5").Value(sshconfig.User)
	assert.Equal(t, "ami-x", user)
	user, _ = findStanza(t, doc, "i-4").Value(sshconfig.User)
	assert.Equal(t, "ubuntu", user)
}

func TestService_Generate_ListError(t *testing.T) {
	filters := []models.TagFilter{{Key: "Env", Value: "prod"}}

	client := new(MockEC2Client)
	client.On("ListInstances", filters).Return(nil, stderrors.New("AccessDenied"))

	service, _ := newObservedService(client)
	doc, err := service.Generate(context.Background(), Options{Filters: filters})

	assert.Nil(t, doc)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrAWSInstance))
	assert.Contains(t, err.Error(), "AccessDenied")
	client.AssertNotCalled(t, "ImageName", mock.Anything)
}

func TestService_Generate_DuplicateRecords(t *testing.T) {
	instances := []models.Instance{
		{ID: "i-1", ImageID: "ami-a", PublicIP: "54.0.0.1", Tags: map[string]string{"Name": "web"}},
		{ID: "i-1", ImageID: "ami-a", PublicIP: "54.0.0.1", Tags: map[string]string{"Name": "web"}},
	}

	client := new(MockEC2Client)
	client.On("ListInstances", mock.Anything).Return(instances, nil)
	client.On("ImageName", "ami-a").Return("amzn2", nil)

	service, _ := newObservedService(client)
	doc, err := service.Generate(context.Background(), Options{})
	require.NoError(t, err)
	assert.Equal(t, []string{"web"}, hostNames(doc))
}
