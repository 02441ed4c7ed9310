// Package inventory turns the running EC2 inventory into an SSH config document.
package inventory

import (
	"context"
	"sort"

	"go.uber.org/zap"

	"ec2sshconfig/awsd/models"
	"ec2sshconfig/errors"
	"ec2sshconfig/naming"
	"ec2sshconfig/proxy"
	"ec2sshconfig/sshconfig"
	"ec2sshconfig/users"
)

// Options holds the per-run generation settings
type Options struct {
	Filters []models.TagFilter
	// Tags selects the tag keys used for names; nil means all tags.
	Tags   []string
	Prefix string
	// Proxy is the bastion glob; nil means no bastion.
	Proxy          *string
	PrivateOnly    bool
	DynamicForward *int
	KeyFolder      string
	Users          users.Options
	Global         sshconfig.GlobalOptions
}

// Service generates SSH configuration from the EC2 inventory
type Service struct {
	client   EC2Client
	patterns users.PatternTable
	logger   *zap.Logger
}

// NewService creates a new Service
func NewService(client EC2Client, patterns users.PatternTable, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.L()
	}
	return &Service{
		client:   client,
		patterns: patterns,
		logger:   logger,
	}
}

// Generate fetches the inventory and builds the document. Only a failed
// listing is returned as an error; per-instance and proxy problems are
// logged and the affected parts are left out.
func (s *Service) Generate(ctx context.Context, opts Options) (*sshconfig.Document, error) {
	logger := s.logger.With(zap.String("function", "Generate"))

	logger.Info("Fetching instances",
		zap.String("operation", "inventory_fetch"),
		zap.Int("filters", len(opts.Filters)),
	)
	instances, err := s.client.ListInstances(ctx, opts.Filters)
	if err != nil {
		return nil, errors.New(errors.ErrAWSInstance, "failed to list instances",
			map[string]interface{}{
				"operation": "inventory_fetch",
			}, err)
	}

	instances = s.reachable(instances, opts.PrivateOnly)
	s.assignNames(instances, opts.Tags)
	s.assignUsers(ctx, instances, opts.Users)

	names := make([]string, 0, len(instances))
	for _, i := range instances {
		names = append(names, opts.Prefix+i.Name)
	}

	proxyName := ""
	if opts.Proxy != nil {
		proxyName, err = proxy.Find(names, *opts.Proxy)
		if err != nil {
			logger.Warn("Proxy resolution problem",
				zap.String("operation", "proxy_resolve"),
				zap.String("pattern", *opts.Proxy),
				zap.String("proxy", proxyName),
				zap.Error(err),
			)
		}
	}

	hosts := make([]sshconfig.Host, 0, len(instances))
	for _, i := range instances {
		hosts = append(hosts, sshconfig.Host{
			Name:      i.Name,
			PrivateIP: i.PrivateIP,
			PublicIP:  i.PublicIP,
			User:      i.User,
			KeyName:   i.KeyName,
		})
	}

	doc := sshconfig.Build(hosts, sshconfig.Options{
		Prefix:         opts.Prefix,
		PrivateOnly:    opts.PrivateOnly,
		KeyFolder:      opts.KeyFolder,
		Proxy:          proxyName,
		DynamicForward: opts.DynamicForward,
		Global:         opts.Global,
	})

	logger.Info("Configuration generated",
		zap.String("operation", "generate_complete"),
		zap.Int("hosts", len(hosts)),
		zap.String("proxy", proxyName),
	)
	return doc, nil
}

// reachable drops duplicate records and instances without an address to
// connect to, and returns the rest sorted by id.
func (s *Service) reachable(instances []models.Instance, privateOnly bool) []models.Instance {
	seen := make(map[string]bool, len(instances))
	result := make([]models.Instance, 0, len(instances))
	for _, i := range instances {
		if seen[i.ID] {
			s.logger.Warn("Dropping duplicate instance record",
				zap.String("operation", "instance_filter"),
				zap.String("instance_id", i.ID),
			)
			continue
		}
		seen[i.ID] = true

		if address, _ := sshconfig.SelectAddress(sshconfig.Host{PrivateIP: i.PrivateIP, PublicIP: i.PublicIP}, privateOnly); address == "" {
			s.logger.Warn("Dropping instance without a usable address",
				zap.String("operation", "instance_filter"),
				zap.String("instance_id", i.ID),
				zap.Bool("private_only", privateOnly),
			)
			continue
		}
		result = append(result, i)
	}

	sort.Slice(result, func(a, b int) bool {
		return result[a].ID < result[b].ID
	})
	return result
}

func (s *Service) assignNames(instances []models.Instance, selection []string) {
	candidates := make(map[string]string, len(instances))
	for _, i := range instances {
		candidates[i.ID] = naming.GenerateName(i.ID, selection, i.Tags)
	}

	resolved := naming.ResolveNames(candidates)
	for idx := range instances {
		instances[idx].Name = resolved[instances[idx].ID]
		if instances[idx].Name != candidates[instances[idx].ID] {
			s.logger.Debug("Name collision resolved",
				zap.String("operation", "name_resolve"),
				zap.String("instance_id", instances[idx].ID),
				zap.String("candidate", candidates[instances[idx].ID]),
				zap.String("name", instances[idx].Name),
			)
		}
	}
}

func (s *Service) assignUsers(ctx context.Context, instances []models.Instance, opts users.Options) {
	cache := users.NewCache()
	resolver := users.NewResolver(s.client, s.patterns, opts, s.logger)
	for idx := range instances {
		instances[idx].User = resolver.Resolve(ctx, cache, instances[idx].ImageID)
	}
}
