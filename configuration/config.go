package configuration

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cast"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"ec2sshconfig/awsd/models"
	"ec2sshconfig/errors"
)

const (
	packageName = "configuration"

	// EnvPrefix is prepended to every environment variable, e.g. EC2SSH_PREFIX
	EnvPrefix = "EC2SSH"

	DefaultConfFile  = "~/.ec2ssh/credentials"
	DefaultProfile   = "default"
	DefaultKeyFolder = "~/.ssh/"
)

// Keys, as used in the INI file, the environment and (with '-' instead of
// '_') on the command line.
const (
	KeyConfFile       = "conf_file"
	KeyProfile        = "profile"
	KeyAWSProfile     = "aws_profile"
	KeyRegion         = "region"
	KeyEndpointURL    = "endpoint_url"
	KeyAccessKeyID    = "aws_access_key_id"
	KeySecretKey      = "aws_secret_access_key"
	KeyTags           = "tags"
	KeyPrefix         = "prefix"
	KeyNameFilter     = "name_filter"
	KeyProxy          = "proxy"
	KeyPrivate        = "private"
	KeyDynamicForward = "dynamic_forward"
	KeyKeyFolder      = "key_folder"
	KeyUser           = "user"
	KeyDefaultUser    = "default_user"
	KeyNoStrictCheck  = "no_strict_check"
	KeyNoHostKeyCheck = "no_host_key_check"
	KeyKeepAlive      = "keep_alive"
	KeyAMIUsersFile   = "ami_users_file"
	KeyOutput         = "output"
	KeyLogLevel       = "log_level"
	KeyLogFormat      = "log_format"
)

// FileStatus records what was found at the configured INI path
type FileStatus int

const (
	ProfileLoaded FileStatus = iota
	FileMissing
	ProfileMissing
)

// Config holds the application configuration
type Config struct {
	ConfFile   string
	Profile    string
	FileStatus FileStatus

	AWSProfile      string
	AWSRegion       string
	EndpointURL     string
	AccessKeyID     string
	SecretAccessKey string

	// Tags is the tag selection for names; nil means all tags.
	Tags        []string
	Prefix      string
	NameFilters []models.TagFilter
	// Proxy is the bastion glob; nil means no bastion.
	Proxy          *string
	Private        bool
	DynamicForward *int
	KeyFolder      string

	User        string
	DefaultUser string

	NoStrictCheck  bool
	NoHostKeyCheck bool
	KeepAlive      *int

	AMIUsersFile string
	Output       string

	LogLevel  string
	LogFormat string
}

// RegisterFlags adds every configuration flag to flags
func RegisterFlags(flags *pflag.FlagSet) {
	flags.String(flagName(KeyConfFile), DefaultConfFile, "INI file holding per-profile settings")
	flags.String(flagName(KeyProfile), DefaultProfile, "section of the INI file to use")
	flags.String(flagName(KeyAWSProfile), "", "AWS shared config profile")
	flags.String(flagName(KeyRegion), "", "AWS region")
	flags.String(flagName(KeyEndpointURL), "", "EC2 endpoint override, e.g. http://localhost:4566")
	flags.String(flagName(KeyAccessKeyID), "", "static AWS access key id")
	flags.String(flagName(KeySecretKey), "", "static AWS secret access key")
	flags.StringSlice(flagName(KeyTags), nil, "comma separated tag keys used to build host names (default all tags)")
	flags.String(flagName(KeyPrefix), "", "prefix for every host name")
	flags.StringArray(flagName(KeyNameFilter), nil, "only include instances with tag key=value (repeatable)")
	flags.String(flagName(KeyProxy), "", "glob matching the prefixed name of the bastion host")
	flags.Bool(flagName(KeyPrivate), false, "use private addresses only")
	flags.Int(flagName(KeyDynamicForward), 0, "SOCKS port opened on the bastion host")
	flags.String(flagName(KeyKeyFolder), DefaultKeyFolder, "folder holding <key name>.pem files")
	flags.String(flagName(KeyUser), "", "login user for every host")
	flags.String(flagName(KeyDefaultUser), "", "login user when no AMI pattern matches")
	flags.Bool(flagName(KeyNoStrictCheck), false, "emit StrictHostKeyChecking no")
	flags.Bool(flagName(KeyNoHostKeyCheck), false, "emit UserKnownHostsFile /dev/null")
	flags.Int(flagName(KeyKeepAlive), 0, "emit ServerAliveInterval with this many seconds")
	flags.String(flagName(KeyAMIUsersFile), "", "file with extra AMI name patterns (HCL, or HCL JSON when it ends in .json)")
	flags.StringP(flagName(KeyOutput), "o", "", "write the config to this file instead of stdout")
	flags.String(flagName(KeyLogLevel), "warn", "log level (debug, info, warn, error)")
	flags.String(flagName(KeyLogFormat), "console", "log format (console, json)")
}

// Load merges flags, EC2SSH_* environment variables, the selected section of
// the INI file and the built-in defaults, in that order of precedence.
func Load(flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	v.SetDefault(KeyConfFile, DefaultConfFile)
	v.SetDefault(KeyProfile, DefaultProfile)
	v.SetDefault(KeyPrefix, "")
	v.SetDefault(KeyKeyFolder, DefaultKeyFolder)
	v.SetDefault(KeyLogLevel, "warn")
	v.SetDefault(KeyLogFormat, "console")

	v.SetEnvPrefix(EnvPrefix)
	v.AutomaticEnv()

	if flags != nil {
		var bindErr error
		flags.VisitAll(func(f *pflag.Flag) {
			if bindErr == nil {
				bindErr = v.BindPFlag(strings.ReplaceAll(f.Name, "-", "_"), f)
			}
		})
		if bindErr != nil {
			return nil, errors.New(errors.ErrConfigParse, "error binding flags", nil, bindErr)
		}
	}

	confFile := expandHome(v.GetString(KeyConfFile))
	profile := v.GetString(KeyProfile)
	status, err := readProfile(v, confFile, profile)
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		ConfFile:        confFile,
		Profile:         profile,
		FileStatus:      status,
		AWSProfile:      v.GetString(KeyAWSProfile),
		AWSRegion:       v.GetString(KeyRegion),
		EndpointURL:     v.GetString(KeyEndpointURL),
		AccessKeyID:     v.GetString(KeyAccessKeyID),
		SecretAccessKey: v.GetString(KeySecretKey),
		Tags:            stringList(v.Get(KeyTags)),
		Prefix:          v.GetString(KeyPrefix),
		Private:         v.GetBool(KeyPrivate),
		KeyFolder:       v.GetString(KeyKeyFolder),
		User:            v.GetString(KeyUser),
		DefaultUser:     v.GetString(KeyDefaultUser),
		NoStrictCheck:   v.GetBool(KeyNoStrictCheck),
		NoHostKeyCheck:  v.GetBool(KeyNoHostKeyCheck),
		AMIUsersFile:    expandHome(v.GetString(KeyAMIUsersFile)),
		Output:          v.GetString(KeyOutput),
		LogLevel:        strings.ToLower(v.GetString(KeyLogLevel)),
		LogFormat:       strings.ToLower(v.GetString(KeyLogFormat)),
	}

	if cfg.KeyFolder != "" && !strings.HasSuffix(cfg.KeyFolder, "/") {
		cfg.KeyFolder += "/"
	}

	if proxy := v.GetString(KeyProxy); proxy != "" {
		cfg.Proxy = &proxy
	}

	filters, err := ParseNameFilters(stringList(v.Get(KeyNameFilter)))
	if err != nil {
		return nil, err
	}
	cfg.NameFilters = filters

	if v.IsSet(KeyDynamicForward) {
		port, err := intSetting(v, KeyDynamicForward)
		if err != nil {
			return nil, err
		}
		if port < 1 || port > 65535 {
			return nil, errors.New(errors.ErrConfigInvalid, "dynamic forward port out of range",
				map[string]interface{}{
					"config_key": KeyDynamicForward,
					"value":      port,
				}, nil)
		}
		cfg.DynamicForward = &port
	}

	if v.IsSet(KeyKeepAlive) {
		interval, err := intSetting(v, KeyKeepAlive)
		if err != nil {
			return nil, err
		}
		if interval < 0 {
			return nil, errors.New(errors.ErrConfigInvalid, "keep alive must not be negative",
				map[string]interface{}{
					"config_key": KeyKeepAlive,
					"value":      interval,
				}, nil)
		}
		cfg.KeepAlive = &interval
	}

	switch cfg.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return nil, errors.New(errors.ErrConfigInvalid, "invalid log level",
			map[string]interface{}{
				"config_key": KeyLogLevel,
				"value":      cfg.LogLevel,
			}, nil)
	}
	switch cfg.LogFormat {
	case "console", "json":
	default:
		return nil, errors.New(errors.ErrConfigInvalid, "invalid log format",
			map[string]interface{}{
				"config_key": KeyLogFormat,
				"value":      cfg.LogFormat,
			}, nil)
	}

	return cfg, nil
}

// LogSummary reports where the settings came from. Load runs before the
// logger is configured, so callers invoke this once logging is set up.
func (c *Config) LogSummary(logger *zap.Logger) {
	logger = logger.With(
		zap.String("package", packageName),
		zap.String("operation", "config_loading"),
		zap.String("conf_file", c.ConfFile),
		zap.String("profile", c.Profile),
	)

	switch c.FileStatus {
	case FileMissing:
		logger.Info("No config file found, using environment variables, flags and defaults")
	case ProfileMissing:
		logger.Info("Profile not found in config file, using environment variables, flags and defaults")
	default:
		logger.Info("Profile loaded from config file")
	}
	logger.Debug("Configuration loaded successfully",
		zap.Int("name_filters", len(c.NameFilters)),
		zap.Strings("tags", c.Tags),
		zap.String("prefix", c.Prefix),
		zap.Bool("private", c.Private),
	)
}

// ParseNameFilters parses "key=value" entries. The key must not be empty;
// the value may be.
func ParseNameFilters(entries []string) ([]models.TagFilter, error) {
	var filters []models.TagFilter
	for _, entry := range entries {
		key, value, ok := strings.Cut(entry, "=")
		if !ok || strings.TrimSpace(key) == "" {
			return nil, errors.New(errors.ErrConfigInvalid, "name filter must be key=value",
				map[string]interface{}{
					"config_key": KeyNameFilter,
					"value":      entry,
				}, nil)
		}
		filters = append(filters, models.TagFilter{Key: strings.TrimSpace(key), Value: value})
	}
	return filters, nil
}

// readProfile applies the profile section of the INI file as defaults, so
// environment and flags still win over it.
func readProfile(v *viper.Viper, path, profile string) (FileStatus, error) {
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return FileMissing, nil
		}
		return FileMissing, errors.New(errors.ErrConfigParse, "error reading config file",
			map[string]interface{}{
				"config_file": path,
			}, err)
	}

	file := viper.New()
	file.SetConfigFile(path)
	file.SetConfigType("ini")
	if err := file.ReadInConfig(); err != nil {
		return FileMissing, errors.New(errors.ErrConfigParse, "error reading config file",
			map[string]interface{}{
				"config_file": path,
			}, err)
	}

	section := file.Sub(profile)
	if section == nil {
		return ProfileMissing, nil
	}

	for key, value := range section.AllSettings() {
		v.SetDefault(strings.ReplaceAll(key, "-", "_"), value)
	}
	return ProfileLoaded, nil
}

func intSetting(v *viper.Viper, key string) (int, error) {
	n, err := cast.ToIntE(v.Get(key))
	if err != nil {
		return 0, errors.New(errors.ErrConfigInvalid, "expected an integer",
			map[string]interface{}{
				"config_key": key,
				"value":      v.Get(key),
			}, err)
	}
	return n, nil
}

// stringList accepts a slice from a flag or a comma separated string from
// the file or environment. Empty input yields nil.
func stringList(raw interface{}) []string {
	var parts []string
	switch value := raw.(type) {
	case nil:
		return nil
	case []string:
		for _, item := range value {
			parts = append(parts, strings.Split(item, ",")...)
		}
	default:
		parts = strings.Split(cast.ToString(value), ",")
	}

	var result []string
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			result = append(result, p)
		}
	}
	return result
}

func flagName(key string) string {
	return strings.ReplaceAll(key, "_", "-")
}

func expandHome(path string) string {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~"))
}
