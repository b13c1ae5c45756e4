package main

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/lucasew/coachsync/internal/errutil"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:           "coachsync",
	Short:         "Offline resilience layer for the coaching client",
	Long:          `coachsync keeps a durable cache, an offline mutation queue and a media cache in sync with the coaching backend, adapting to network and battery conditions.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return setupLogging(viper.GetString("log-level"), viper.GetString("log-format"))
	},
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		if _, printErr := fmt.Fprintln(os.Stderr, err); printErr != nil {
			errutil.ReportError(printErr, "Failed to print error to stderr")
		}
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "Config file (yaml, toml or json)")
	flags.String("log-level", "info", "Log level (debug, info, warn, error)")
	flags.String("log-format", "text", "Log format (text, json)")
	flags.String("data-dir", "./data", "Directory of the key-value store")
	flags.String("store", "sqlite", "Key-value backend (sqlite, badger, memory)")
	flags.String("cache-dir", "./data/media", "Directory of cached media files")
	flags.Int64("max-cache-size", 512<<20, "Max media cache size in bytes")
	flags.Int64("min-free-space", 0, "Min free disk space in bytes kept by eviction")
	flags.Float64("high-water", 0.8, "Cache utilization that triggers eviction")
	flags.Float64("low-water", 0.6, "Cache utilization eviction frees down to")
	flags.String("eviction-strategy", "score", "Eviction strategy (score, lru)")
	flags.Duration("media-ttl", 7*24*time.Hour, "Local freshness of downloaded media")

	flags.String("object-store", "http", "Remote media store (http, s3)")
	flags.String("media-url", "", "Base URL of the http media store")
	flags.String("media-mirrors", "", "Structured field list of media mirror URLs")
	flags.String("media-token", "", "Bearer token for media uploads")
	flags.String("signing-key", "", "Key used to sign http media URLs")
	flags.Duration("signed-url-ttl", time.Hour, "Lifetime of signed media URLs")
	flags.String("s3-region", "", "S3 region")
	flags.String("s3-endpoint", "", "S3 endpoint for compatible services")
	flags.String("s3-access-key", "", "S3 access key")
	flags.String("s3-secret-key", "", "S3 secret key")
	flags.String("s3-prefix", "", "Prefix of every S3 object key")
	flags.Bool("s3-path-style", false, "Use path-style S3 addressing")

	flags.String("api-url", "", "Base URL of the coaching API")
	flags.String("api-token", "", "Bearer token for the coaching API")
	flags.String("ca-cert", "", "Extra CA certificate trusted by remote calls")
	flags.Duration("timeout", 30*time.Second, "Timeout of remote calls")

	flags.Int("max-attempts", 3, "Dispatch attempts before an action is dropped")
	flags.Duration("retry-base", 2*time.Second, "First retry delay of a failed action")
	flags.Duration("retry-max", 5*time.Minute, "Max retry delay of a failed action")

	flags.String("network", "", "Override the detected network, e.g. wifi, cellular/3g, offline")
	flags.Float64("battery", -1, "Battery level in [0,1] used with --network")
	flags.Bool("low-power", false, "Low power mode used with --network")
	flags.Bool("charging", false, "Charging state used with --network")

	flags.VisitAll(func(f *pflag.Flag) {
		if f.Name != "config" {
			mustBindPFlag(f.Name, f)
		}
	})
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
		if err := viper.ReadInConfig(); err != nil {
			errutil.ReportError(err, "Failed to read config file", "path", cfgFile)
			os.Exit(1)
		}
	}
	viper.SetEnvPrefix("COACHSYNC")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func mustBindPFlag(key string, flag *pflag.Flag) {
	if err := viper.BindPFlag(key, flag); err != nil {
		panic(fmt.Sprintf("bind flag %s: %v", key, err))
	}
}

func setupLogging(level, format string) error {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return fmt.Errorf("invalid log level %q: %w", level, err)
	}
	opts := &slog.HandlerOptions{Level: lvl}
	switch format {
	case "text":
		slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, opts)))
	case "json":
		slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, opts)))
	default:
		return fmt.Errorf("invalid log format %q", format)
	}
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
