package main

import (
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/datallboy/ahiretrieve/internal/infra/config"
	"github.com/datallboy/ahiretrieve/internal/infra/logger"
)

type rootOptions struct {
	configPath string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:           "ahiretrieve",
		Short:         "High speed retrieval of image frames from AWS HealthImaging",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVar(&opts.configPath, "config", "", "Path to a YAML config file (default: ./config.yaml or /config/config.yaml when present)")

	cmd.AddCommand(
		newRetrieveCmd(opts),
		newServeCmd(opts),
		newVersionCmd(),
	)
	return cmd
}

// addConnectionFlags registers the flags shared by retrieve and serve.
func addConnectionFlags(fs *pflag.FlagSet) {
	fs.StringP("region", "r", "", "The AWS region (or AWS_DEFAULT_REGION)")
	fs.StringP("aws-access-key-id", "a", "", "The AWS access key id (default: AWS credential chain)")
	fs.StringP("aws-secret-access-key", "s", "", "The AWS secret access key (default: AWS credential chain)")
	fs.StringP("aws-session-token", "o", "", "The AWS session token")
	fs.StringP("endpoint", "e", "", "The endpoint to use (default: generated from the region, or AWS_HEALTH_IMAGING_ENDPOINT)")
	fs.IntP("download-threads", "c", 16, "Number of download threads")
	fs.IntP("connections-per-thread", "x", 1, "The number of connections per download thread")
	fs.IntP("max-concurrent-requests-per-connection", "m", 10, "The maximum number of concurrent requests per connection")
	fs.Float64("requests-per-second", 0, "Pace attempts to this rate across each connection (0 disables)")
	fs.IntP("decode-threads", "d", 0, "Number of decode threads (default: number of CPUs)")
	fs.StringP("format", "f", config.FormatRaw, "Format to generate (jph|raw|mem)")
	fs.String("output", "./frames", "Output directory or bucket URL (s3://, file://, mem://)")
	fs.StringP("log-level", "l", "off", "The log level (off|fatal|error|warn|info|debug|trace)")
	fs.String("log-file", "", "Write the log to this file instead of stderr")
	fs.String("store", "none", "Outcome store (none|sqlite|postgres)")
}

func loadConfig(opts *rootOptions, flags *pflag.FlagSet) (*config.Config, *logger.Logger, error) {
	cfg, err := config.Load(opts.configPath, flags)
	if err != nil {
		return nil, nil, err
	}

	log, err := logger.New(cfg.Log.Path, logger.ParseLevel(cfg.Log.Level), cfg.Log.IncludeStdout)
	if err != nil {
		return nil, nil, err
	}
	return cfg, log, nil
}
