// Package cmd wires configuration, the EC2 client and the inventory service
// into the ec2-ssh-config command.
package cmd

import (
	"bytes"
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"ec2sshconfig/awsd"
	"ec2sshconfig/configuration"
	"ec2sshconfig/errors"
	"ec2sshconfig/inventory"
	"ec2sshconfig/logger"
	"ec2sshconfig/sshconfig"
	"ec2sshconfig/users"
)

const (
	packageName = "cmd"

	outputFileMode = 0o600
)

// ClientFactory builds the EC2 client for a run
type ClientFactory func(ctx context.Context, opts awsd.Options) (inventory.EC2Client, error)

// DefaultClientFactory talks to EC2 through the AWS SDK
func DefaultClientFactory(ctx context.Context, opts awsd.Options) (inventory.EC2Client, error) {
	client, err := awsd.NewEC2Client(ctx, opts)
	if err != nil {
		return nil, err
	}
	return client, nil
}

// NewRootCmd returns the root command. newClient defaults to DefaultClientFactory.
func NewRootCmd(newClient ClientFactory) *cobra.Command {
	if newClient == nil {
		newClient = DefaultClientFactory
	}

	root := &cobra.Command{
		Use:   "ec2-ssh-config",
		Short: "Generate an SSH client config from running EC2 instances",
		Long: `Lists running EC2 instances, names each one from its tags, works out the
login user from its AMI and prints an OpenSSH client configuration.

Settings are read from flags, EC2SSH_* environment variables and a profile
section of the INI file given by --conf-file, in that order.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := configuration.Load(cmd.Flags())
			if err != nil {
				return err
			}
			if err := logger.Initialize(cfg.LogLevel, cfg.LogFormat); err != nil {
				return errors.New(errors.ErrConfigInvalid, "failed to initialize logger",
					map[string]interface{}{
						"operation": "logger_init",
					}, err)
			}
			defer logger.Sync()
			cfg.LogSummary(logger.Named(packageName))

			return run(cmd, cfg, newClient)
		},
	}

	configuration.RegisterFlags(root.Flags())
	return root
}

func run(cmd *cobra.Command, cfg *configuration.Config, newClient ClientFactory) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	log := logger.Named(packageName).With(zap.String("function", "run"))

	patterns := users.DefaultPatterns()
	if cfg.AMIUsersFile != "" {
		extra, err := users.LoadPatternFile(cfg.AMIUsersFile)
		if err != nil {
			return err
		}
		patterns = patterns.Prepend(extra)
	}

	client, err := newClient(ctx, awsd.Options{
		Profile:         cfg.AWSProfile,
		Region:          cfg.AWSRegion,
		EndpointURL:     cfg.EndpointURL,
		AccessKeyID:     cfg.AccessKeyID,
		SecretAccessKey: cfg.SecretAccessKey,
	})
	if err != nil {
		return err
	}
	log.Debug("AWS client created successfully",
		zap.String("operation", "aws_client_creation"),
		zap.String("region", cfg.AWSRegion),
		zap.String("endpoint_url", cfg.EndpointURL),
	)

	var generator inventory.Generator = inventory.NewService(client, patterns, logger.Named("inventory"))
	doc, err := generator.Generate(ctx, inventory.Options{
		Filters:        cfg.NameFilters,
		Tags:           cfg.Tags,
		Prefix:         cfg.Prefix,
		Proxy:          cfg.Proxy,
		PrivateOnly:    cfg.Private,
		DynamicForward: cfg.DynamicForward,
		KeyFolder:      cfg.KeyFolder,
		Users: users.Options{
			Override: cfg.User,
			Default:  cfg.DefaultUser,
		},
		Global: sshconfig.GlobalOptions{
			NoStrictCheck:  cfg.NoStrictCheck,
			NoHostKeyCheck: cfg.NoHostKeyCheck,
			KeepAlive:      cfg.KeepAlive,
		},
	})
	if err != nil {
		return err
	}

	return writeDocument(cmd, doc, cfg.Output)
}

// writeDocument sends the whole document to stdout or, when path is set,
// writes it to path in one call.
func writeDocument(cmd *cobra.Command, doc *sshconfig.Document, path string) error {
	if path == "" {
		if _, err := doc.WriteTo(cmd.OutOrStdout()); err != nil {
			return errors.New(errors.ErrOutput, "failed to write config",
				map[string]interface{}{
					"output": "stdout",
				}, err)
		}
		return nil
	}

	var buf bytes.Buffer
	if _, err := doc.WriteTo(&buf); err != nil {
		return errors.New(errors.ErrOutput, "failed to render config",
			map[string]interface{}{
				"output": path,
			}, err)
	}
	if err := os.WriteFile(path, buf.Bytes(), outputFileMode); err != nil {
		return errors.New(errors.ErrOutput, "failed to write config file",
			map[string]interface{}{
				"output": path,
			}, err)
	}
	zap.L().Info("Config written",
		zap.String("package", packageName),
		zap.String("operation", "output_write"),
		zap.String("output", path),
		zap.Int("hosts", len(doc.Stanzas)),
	)
	return nil
}

// ExitCode maps an error returned by Execute to a process exit status:
// 0 on success, 2 for configuration problems, 1 otherwise.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	switch errors.TypeOf(err) {
	case errors.ErrConfigParse, errors.ErrConfigInvalid, errors.ErrPatternFile:
		return 2
	default:
		return 1
	}
}

// Execute runs the root command until it finishes or the process is interrupted
func Execute() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return NewRootCmd(nil).ExecuteContext(ctx)
}
