package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/jacktea/scistore/pkg/download"
	"github.com/jacktea/scistore/pkg/logging"
	"github.com/jacktea/scistore/pkg/ticket"
)

var (
	cfgFile     string
	application *app
	rootCmd     = &cobra.Command{
		Use:           "scistore",
		Short:         "Scientific data repository: storage, path resolution and archive downloads",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadSettings(viper.GetViper())
			if err != nil {
				return err
			}
			log, err := logging.New(cfg.Log)
			if err != nil {
				return err
			}
			application = newApp(cfg, log)
			return nil
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			if application == nil {
				return nil
			}
			return application.close()
		},
	}
)

func init() {
	cobra.OnInitialize(initConfig)
	initRootFlags()
	initCommands()
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		if application != nil {
			_ = application.close()
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("scistore")
		viper.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			viper.AddConfigPath(filepath.Join(home, ".config", "scistore"))
		}
	}
	viper.SetEnvPrefix("SCISTORE")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()
	if err := viper.ReadInConfig(); err != nil {
		var nf viper.ConfigFileNotFoundError
		if !errors.As(err, &nf) {
			fmt.Fprintf(os.Stderr, "read config: %v\n", err)
		}
	}
}

func bindConfig(key string, flag *pflag.Flag) {
	if err := viper.BindPFlag(key, flag); err != nil {
		panic(err)
	}
}

func initRootFlags() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "config file (YAML or TOML)")

	flags.StringToString("provider", map[string]string{"local": "osfs://.scistore/data"}, "storage provider name=url (osfs://, file://, mem://, s3://)")
	flags.String("default-provider", "", "provider used for files that name none")
	flags.Duration("signed-url-ttl", time.Hour, "lifetime of signed URLs")

	flags.String("catalog", "", "bbolt catalog database")
	flags.String("catalog-file", "", "YAML catalog snapshot imported on start")
	flags.Int("catalog-cache-size", 4096, "cached catalog lookups")
	flags.Duration("catalog-cache-ttl", 0, "cache bbolt catalog lookups for this long (0 disables)")

	flags.String("tickets", ticketsMemory, "ticket store: memory|bolt|redis")
	flags.Duration("ticket-ttl", ticket.DefaultTTL, "lifetime of unredeemed tickets")
	flags.String("tickets-path", "", "bbolt ticket database (bolt store)")
	flags.String("redis-addr", "", "redis address (redis store)")
	flags.Duration("sweep-interval", time.Minute, "expired ticket sweep interval")

	flags.String("prefix", download.DefaultPrefix, "top-level archive directory")
	flags.Int("retries", 1, "reopen attempts per archive entry after a failed read")
	flags.Int("chunk-size", download.DefaultChunkSize, "archive copy buffer in bytes")
	flags.String("format", string(download.FormatTar), "archive format: tar|tgz")

	flags.String("log-level", "info", "log level: debug|info|warn|error")
	flags.String("log-format", "console", "log format: console|json")
	flags.String("log-file", "", "write logs to a rotated file instead of stderr")

	flags.String("user", "", "principal id used by local commands")
	flags.Bool("admin", false, "act as a site administrator")

	bindConfig("storage.providers", flags.Lookup("provider"))
	bindConfig("storage.default", flags.Lookup("default-provider"))
	bindConfig("storage.signed_url_ttl", flags.Lookup("signed-url-ttl"))
	bindConfig("catalog.path", flags.Lookup("catalog"))
	bindConfig("catalog.file", flags.Lookup("catalog-file"))
	bindConfig("catalog.cache_size", flags.Lookup("catalog-cache-size"))
	bindConfig("catalog.cache_ttl", flags.Lookup("catalog-cache-ttl"))
	bindConfig("tickets.store", flags.Lookup("tickets"))
	bindConfig("tickets.ttl", flags.Lookup("ticket-ttl"))
	bindConfig("tickets.path", flags.Lookup("tickets-path"))
	bindConfig("tickets.redis_addr", flags.Lookup("redis-addr"))
	bindConfig("tickets.sweep_interval", flags.Lookup("sweep-interval"))
	bindConfig("download.prefix", flags.Lookup("prefix"))
	bindConfig("download.retries", flags.Lookup("retries"))
	bindConfig("download.chunk_size", flags.Lookup("chunk-size"))
	bindConfig("download.format", flags.Lookup("format"))
	bindConfig("log.level", flags.Lookup("log-level"))
	bindConfig("log.format", flags.Lookup("log-format"))
	bindConfig("log.file", flags.Lookup("log-file"))
	bindConfig("user", flags.Lookup("user"))
	bindConfig("admin", flags.Lookup("admin"))
}

func initCommands() {
	rootCmd.AddCommand(
		newServeCmd(),
		newResolveCmd(),
		newLookupCmd(),
		newTicketCmd(),
		newStorageCmd(),
		newCatalogCmd(),
		newSweepCmd(),
	)
}
