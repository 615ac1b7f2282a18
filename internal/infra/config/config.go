package config

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/datallboy/ahiretrieve/internal/domain"
)

const (
	FormatRaw = "raw"
	FormatJPH = "jph"
	FormatMem = "mem"
)

type Config struct {
	AWS      AWSConfig      `mapstructure:"aws" yaml:"aws"`
	Download DownloadConfig `mapstructure:"download" yaml:"download"`
	Decode   DecodeConfig   `mapstructure:"decode" yaml:"decode"`
	Output   OutputConfig   `mapstructure:"output" yaml:"output"`
	Log      LogConfig      `mapstructure:"log" yaml:"log"`
	Store    StoreConfig    `mapstructure:"store" yaml:"store"`
	Notify   NotifyConfig   `mapstructure:"notify" yaml:"notify"`
	Tracing  TracingConfig  `mapstructure:"tracing" yaml:"tracing"`
	Server   ServerConfig   `mapstructure:"server" yaml:"server"`
	Progress ProgressConfig `mapstructure:"progress" yaml:"progress"`

	Loops int `mapstructure:"loops" yaml:"loops"`
}

type AWSConfig struct {
	Region          string `mapstructure:"region" yaml:"region"`
	AccessKeyID     string `mapstructure:"access_key_id" yaml:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key" yaml:"secret_access_key"`
	SessionToken    string `mapstructure:"session_token" yaml:"session_token"`
	Endpoint        string `mapstructure:"endpoint" yaml:"endpoint"`
}

type DownloadConfig struct {
	Threads                            int           `mapstructure:"threads" yaml:"threads"`
	ConnectionsPerThread               int           `mapstructure:"connections_per_thread" yaml:"connections_per_thread"`
	MaxConcurrentRequestsPerConnection int           `mapstructure:"max_concurrent_requests_per_connection" yaml:"max_concurrent_requests_per_connection"`
	PollTimeout                        time.Duration `mapstructure:"poll_timeout" yaml:"poll_timeout"`
	RequestsPerSecond                  float64       `mapstructure:"requests_per_second" yaml:"requests_per_second"`
}

type DecodeConfig struct {
	Threads int    `mapstructure:"threads" yaml:"threads"`
	Codec   string `mapstructure:"codec" yaml:"codec"`
}

type OutputConfig struct {
	Format   string `mapstructure:"format" yaml:"format"`
	Location string `mapstructure:"location" yaml:"location"`
	Prefix   string `mapstructure:"prefix" yaml:"prefix"`
}

type LogConfig struct {
	Path          string `mapstructure:"path" yaml:"path"`
	Level         string `mapstructure:"level" yaml:"level"`
	IncludeStdout bool   `mapstructure:"include_stdout" yaml:"include_stdout"`
}

type StoreConfig struct {
	Driver      string `mapstructure:"driver" yaml:"driver"`
	SQLitePath  string `mapstructure:"sqlite_path" yaml:"sqlite_path"`
	PostgresDSN string `mapstructure:"postgres_dsn" yaml:"postgres_dsn"`
}

type NotifyConfig struct {
	NATSURL string `mapstructure:"nats_url" yaml:"nats_url"`
	Subject string `mapstructure:"subject" yaml:"subject"`
}

type TracingConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Path    string `mapstructure:"path" yaml:"path"`
}

type ServerConfig struct {
	Addr string `mapstructure:"addr" yaml:"addr"`
}

type ProgressConfig struct {
	Interval time.Duration `mapstructure:"interval" yaml:"interval"`
	Disabled bool          `mapstructure:"disabled" yaml:"disabled"`
}

// flagKeys maps command line flags to config keys. Only flags present on the
// command are bound.
var flagKeys = map[string]string{
	"region":                                 "aws.region",
	"aws-access-key-id":                      "aws.access_key_id",
	"aws-secret-access-key":                  "aws.secret_access_key",
	"aws-session-token":                      "aws.session_token",
	"endpoint":                               "aws.endpoint",
	"download-threads":                       "download.threads",
	"connections-per-thread":                 "download.connections_per_thread",
	"max-concurrent-requests-per-connection": "download.max_concurrent_requests_per_connection",
	"requests-per-second":                    "download.requests_per_second",
	"decode-threads":                         "decode.threads",
	"format":                                 "output.format",
	"output":                                 "output.location",
	"log-level":                              "log.level",
	"log-file":                               "log.path",
	"sleep-time":                             "progress.interval",
	"no-progress":                            "progress.disabled",
	"loops":                                  "loops",
	"store":                                  "store.driver",
	"addr":                                   "server.addr",
}

// Load reads the optional YAML file at path, then AHI_ environment variables,
// then any flags set on the command line.
func Load(path string, flags *pflag.FlagSet) (*Config, error) {
	path, err := resolvePath(path)
	if err != nil {
		return nil, err
	}

	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("error reading config file %s: %w", path, err)
		}
	}

	// Support Environment Variables
	v.SetEnvPrefix("AHI")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if flags != nil {
		for name, key := range flagKeys {
			if f := flags.Lookup(name); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, fmt.Errorf("bind flag %s: %w", name, err)
				}
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	cfg.applyEnvFallbacks()

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("aws.region", "")
	v.SetDefault("aws.access_key_id", "")
	v.SetDefault("aws.secret_access_key", "")
	v.SetDefault("aws.session_token", "")
	v.SetDefault("aws.endpoint", "")
	v.SetDefault("download.threads", 16)
	v.SetDefault("download.connections_per_thread", 1)
	v.SetDefault("download.max_concurrent_requests_per_connection", 10)
	v.SetDefault("download.poll_timeout", 100*time.Millisecond)
	v.SetDefault("download.requests_per_second", 0)
	v.SetDefault("decode.threads", runtime.NumCPU())
	v.SetDefault("decode.codec", "image")
	v.SetDefault("output.format", FormatRaw)
	v.SetDefault("output.location", "./frames")
	v.SetDefault("output.prefix", "")
	v.SetDefault("log.path", "")
	v.SetDefault("log.level", "off")
	v.SetDefault("log.include_stdout", false)
	v.SetDefault("store.driver", "none")
	v.SetDefault("store.sqlite_path", "ahiretrieve.db")
	v.SetDefault("store.postgres_dsn", "")
	v.SetDefault("notify.nats_url", "")
	v.SetDefault("notify.subject", "ahi.frames")
	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.path", "")
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("progress.interval", 250*time.Millisecond)
	v.SetDefault("progress.disabled", false)
	v.SetDefault("loops", 1)
}

// resolvePath returns the file to read, or "" when running on defaults,
// environment and flags alone.
func resolvePath(path string) (string, error) {
	if path != "" {
		if _, err := os.Stat(path); err != nil {
			return "", fmt.Errorf("config file not found: %s", path)
		}
		return path, nil
	}

	// FALLBACK: working directory first, then the container mount point
	for _, candidate := range []string{"config.yaml", "/config/config.yaml"} {
		if _, err := os.Stat(candidate); err == nil {
			return candidate, nil
		}
	}
	return "", nil
}

// applyEnvFallbacks fills the values the AWS tooling conventionally reads from
// the environment.
func (c *Config) applyEnvFallbacks() {
	if c.AWS.Region == "" {
		c.AWS.Region = os.Getenv("AWS_DEFAULT_REGION")
	}
	if c.AWS.Region == "" {
		c.AWS.Region = os.Getenv("AWS_REGION")
	}
	if c.AWS.Endpoint == "" {
		c.AWS.Endpoint = os.Getenv("AWS_HEALTH_IMAGING_ENDPOINT")
	}
}

func (c *Config) validate() error {
	if c.Download.Threads <= 0 {
		return &domain.ConfigError{Field: "download.threads", Reason: "must be > 0"}
	}
	if c.Download.ConnectionsPerThread <= 0 {
		return &domain.ConfigError{Field: "download.connections_per_thread", Reason: "must be > 0"}
	}
	if c.Download.MaxConcurrentRequestsPerConnection <= 0 {
		return &domain.ConfigError{Field: "download.max_concurrent_requests_per_connection", Reason: "must be > 0"}
	}
	if c.Download.PollTimeout <= 0 {
		return &domain.ConfigError{Field: "download.poll_timeout", Reason: "must be > 0"}
	}
	if c.Download.RequestsPerSecond < 0 {
		return &domain.ConfigError{Field: "download.requests_per_second", Reason: "must be >= 0"}
	}

	if c.Decode.Threads <= 0 {
		// Default to a sane value
		c.Decode.Threads = runtime.NumCPU()
	}

	switch c.Output.Format {
	case FormatRaw, FormatJPH, FormatMem:
	default:
		return &domain.ConfigError{Field: "output.format", Reason: fmt.Sprintf("%q is not one of raw|jph|mem", c.Output.Format)}
	}

	if c.Loops <= 0 {
		c.Loops = 1
	}
	if c.Progress.Interval <= 0 {
		c.Progress.Interval = 250 * time.Millisecond
	}

	return nil
}

// Endpoint returns the configured endpoint or the regional default.
func (c *Config) Endpoint() string {
	if c.AWS.Endpoint != "" {
		return strings.TrimRight(c.AWS.Endpoint, "/")
	}
	return fmt.Sprintf("https://runtime-medical-imaging.%s.amazonaws.com", c.AWS.Region)
}

// AWSCredentials resolves the region and credentials. Explicit keys win;
// otherwise the SDK default chain (env, shared config, SSO, IMDS) is used.
// Missing region or credentials are configuration errors.
func (c *Config) AWSCredentials(ctx context.Context) (aws.CredentialsProvider, string, error) {
	if c.AWS.AccessKeyID != "" || c.AWS.SecretAccessKey != "" {
		if c.AWS.AccessKeyID == "" || c.AWS.SecretAccessKey == "" {
			return nil, "", &domain.ConfigError{Field: "aws.access_key_id", Reason: "access key id and secret access key must be set together"}
		}
		if c.AWS.Region == "" {
			return nil, "", &domain.ConfigError{Field: "aws.region", Reason: "is required (or AWS_DEFAULT_REGION)"}
		}
		return credentials.NewStaticCredentialsProvider(c.AWS.AccessKeyID, c.AWS.SecretAccessKey, c.AWS.SessionToken), c.AWS.Region, nil
	}

	opts := []func(*awsconfig.LoadOptions) error{}
	if c.AWS.Region != "" {
		opts = append(opts, awsconfig.WithRegion(c.AWS.Region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, "", fmt.Errorf("%w: load aws config: %v", domain.ErrConfiguration, err)
	}

	if awsCfg.Region == "" {
		return nil, "", &domain.ConfigError{Field: "aws.region", Reason: "is required (or AWS_DEFAULT_REGION)"}
	}
	if awsCfg.Credentials == nil {
		return nil, "", &domain.ConfigError{Field: "aws.credentials", Reason: "no credentials found in the default chain"}
	}

	// Fail at startup rather than on the first attempt.
	if _, err := awsCfg.Credentials.Retrieve(ctx); err != nil {
		return nil, "", fmt.Errorf("%w: retrieve credentials: %v", domain.ErrConfiguration, err)
	}

	c.AWS.Region = awsCfg.Region
	return awsCfg.Credentials, awsCfg.Region, nil
}
