package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/FranksOps/instaharvest/internal/config"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const shortDescription = "instaharvest - resumable crawler for location, user and post pages"

const longDescription = `
instaharvest fetches location, user and post pages through rotating egress
identities, stores the captured payloads and records their lifecycle in
DynamoDB. Scans over the record tables are checkpointed, so an interrupted
run picks up where it left off.
`

var (
	cfgFile string

	rootCmd = &cobra.Command{
		Use:           "instaharvest",
		Short:         shortDescription,
		Long:          longDescription,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
)

func init() {
	cobra.OnInitialize(initConfig)

	pf := rootCmd.PersistentFlags()
	pf.StringVar(&cfgFile, "config", "", "config file path")

	pf.String("log-level", "info", "logging level (debug, info, warn, error)")
	cobra.CheckErr(viper.BindPFlag("log.level", pf.Lookup("log-level")))
	pf.String("log-format", "text", "log output format (text, json)")
	cobra.CheckErr(viper.BindPFlag("log.format", pf.Lookup("log-format")))

	pf.String("store", "dynamodb", "record store (dynamodb, memory)")
	cobra.CheckErr(viper.BindPFlag("store", pf.Lookup("store")))

	pf.String("base-url", "https://www.instagram.com", "origin page paths are resolved against")
	cobra.CheckErr(viper.BindPFlag("source.base_url", pf.Lookup("base-url")))

	pf.String("proxies", "", "file with one proxy URL per line; enables egress rotation")
	cobra.CheckErr(viper.BindPFlag("egress.proxies_file", pf.Lookup("proxies")))
	pf.String("user-agents", "", "file with one user agent per line")
	cobra.CheckErr(viper.BindPFlag("egress.user_agents_file", pf.Lookup("user-agents")))

	pf.String("download-dir", "./downloads", "local payload directory")
	cobra.CheckErr(viper.BindPFlag("storage.local_dir", pf.Lookup("download-dir")))
	pf.String("checkpoint-dir", "./tmp", "scan checkpoint directory")
	cobra.CheckErr(viper.BindPFlag("scan.checkpoint_dir", pf.Lookup("checkpoint-dir")))

	pf.Int("workers", 4, "concurrent fetch workers")
	cobra.CheckErr(viper.BindPFlag("pipeline.workers", pf.Lookup("workers")))
	pf.Int("batch-size", 1000, "identifiers scanned per pass")
	cobra.CheckErr(viper.BindPFlag("scan.batch_size", pf.Lookup("batch-size")))

	pf.String("metrics-addr", "", "serve Prometheus metrics on this address, e.g. :9090")
	cobra.CheckErr(viper.BindPFlag("metrics.addr", pf.Lookup("metrics-addr")))

	rootCmd.AddCommand(getCmd, runCmd, updateCmd, discoverCmd, scheduleCmd, reportCmd)
}

func initConfig() {
	cobra.CheckErr(config.LoadEnvFiles())
	cobra.CheckErr(config.Init(viper.GetViper(), cfgFile))
	if viper.GetString("egress.proxies_file") != "" {
		viper.Set("egress.enabled", true)
	}
}

// loadConfig decodes the merged configuration and installs the default
// logger it asks for.
func loadConfig() (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load(viper.GetViper())
	if err != nil {
		return nil, nil, fmt.Errorf("loading config: %w", err)
	}
	logger := newLogger(cfg.Log)
	slog.SetDefault(logger)
	return cfg, logger, nil
}

func newLogger(c config.Log) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(c.Format, "json") {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
