package main

import (
	"fmt"
	"os"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/roniherschmann/go-visitors/internal/config"
)

var (
	configFile string
	cfg        config.Config
)

var rootCmd = &cobra.Command{
	Use:   "visitord",
	Short: "visitord - unique visitor and page view counter",
	Long: `visitord counts unique visitors and page views for a website.
Each page load posts to /track-visit; the counters are kept in a
SQL database, Redis or memory.`,
	SilenceUsage:      true,
	PersistentPreRunE: initialize,
	RunE:              runServe,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "Config file (yaml, json or toml); env vars override it")
	rootCmd.PersistentFlags().String("store", config.StoreSQLite, "Store backend: sqlite, postgres, mysql, redis or memory")
	rootCmd.PersistentFlags().String("dsn", "", "Database DSN (overrides env DB_DSN)")
	rootCmd.PersistentFlags().String("redis-addr", "", "Redis address (overrides env REDIS_ADDR)")
	rootCmd.PersistentFlags().String("log-level", "info", "Log level")

	addServeFlags(rootCmd.Flags())
	rootCmd.AddCommand(serveCmd, migrateCmd, statsCmd, lookupCmd)
}

// flagKeys maps CLI flags onto config keys. A flag only takes effect when
// it is set explicitly.
var flagKeys = map[string]string{
	"store":      config.KeyStore,
	"dsn":        config.KeyDBDSN,
	"redis-addr": config.KeyRedisAddr,
	"log-level":  config.KeyLogLevel,
	"port":       config.KeyPort,
}

func initialize(cmd *cobra.Command, args []string) error {
	v := config.New()
	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("read config %s: %w", configFile, err)
		}
	}
	bindFlags(v, cmd.Flags())

	var err error
	cfg, err = config.FromViper(v)
	if err != nil {
		return err
	}

	setupLogging(cfg.LogLevel)
	initSentry(cfg.SentryDSN)
	return nil
}

func bindFlags(v *viper.Viper, flags *pflag.FlagSet) {
	flags.Visit(func(f *pflag.Flag) {
		if key, ok := flagKeys[f.Name]; ok {
			v.Set(key, f.Value.String())
		}
	})
}

func setupLogging(level string) {
	// Fast JSON logs by default; pretty if running in a TTY/dev
	if isatty() {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	} else {
		zerolog.TimeFieldFormat = time.RFC3339
	}

	lvl, err := zerolog.ParseLevel(level)
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)
}

func initSentry(dsn string) {
	if dsn == "" {
		return
	}
	err := sentry.Init(sentry.ClientOptions{
		Dsn:        dsn,
		SampleRate: 1.0,
	})
	if err != nil {
		log.Warn().Err(err).Msg("sentry init")
	}
}

func isatty() bool {
	fi, err := os.Stderr.Stat()
	if err != nil {
		return false
	}
	return (fi.Mode() & os.ModeCharDevice) != 0
}
