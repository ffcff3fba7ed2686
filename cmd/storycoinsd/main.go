package main

import (
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/MarkoPoloResearchLab/storycoins/internal/config"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const (
	envPrefix = "STORYCOINS"

	flagDatabaseURL             = "database-url"
	flagStoreDriver             = "store-driver"
	flagLogLevel                = "log-level"
	flagHTTPListenAddr          = "http-listen-addr"
	flagGRPCListenAddr          = "grpc-listen-addr"
	flagAllowedOrigins          = "allowed-origins"
	flagRequestTimeout          = "request-timeout"
	flagSessionSigningKey       = "jwt-signing-key"
	flagSessionIssuer           = "jwt-issuer"
	flagSessionCookieName       = "jwt-cookie-name"
	flagMidtransServerKey       = "midtrans-server-key"
	flagMidtransClientKey       = "midtrans-client-key"
	flagMidtransSnapURL         = "midtrans-snap-url"
	flagMidtransAPIURL          = "midtrans-api-url"
	flagMidtransFinishURL       = "midtrans-finish-url"
	flagGatewayTimeout          = "gateway-timeout"
	flagOrderRefNode            = "order-ref-node"
	flagReconcileInterval       = "reconcile-interval"
	flagReconcileGrace          = "reconcile-grace"
	flagIntentTTL               = "intent-ttl"
	flagReconcileInitialBackoff = "reconcile-initial-backoff"
	flagReconcileBackoffFactor  = "reconcile-backoff-factor"
	flagReconcileMaxAttempts    = "reconcile-max-attempts"
	flagReconcilePoolSize       = "reconcile-pool-size"
	flagKafkaBrokers            = "kafka-brokers"
	flagKafkaTopic              = "kafka-topic"

	flagRefundAccount = "account"
	flagRefundCoins   = "coins"
	flagRefundKey     = "idempotency-key"
	flagRefundNote    = "note"
)

func main() {
	cmd := newRootCommand(&config.Config{})
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "storycoinsd: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand(cfg *config.Config) *cobra.Command {
	settings := viper.New()
	root := &cobra.Command{
		Use:           "storycoinsd",
		Short:         "Coin ledger and premium chapter entitlements",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return loadConfig(cmd, settings, cfg)
		},
	}
	root.PersistentFlags().String(flagDatabaseURL, "", "PostgreSQL url, sqlite:// url or SQLite file path")
	root.PersistentFlags().String(flagStoreDriver, config.StoreDriverGorm, "store implementation: gorm or pgx")
	root.PersistentFlags().String(flagLogLevel, "info", "log level")
	addServiceFlags(root.PersistentFlags())

	root.AddCommand(newServeCommand(cfg), newMigrateCommand(cfg), newRefundCommand(cfg))
	return root
}

func newServeCommand(cfg *config.Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, gRPC health server and reconciler",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := cfg.Validate(); err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, *cfg)
		},
	}
	flags := cmd.Flags()
	flags.String(flagHTTPListenAddr, ":8080", "HTTP listen address")
	flags.String(flagGRPCListenAddr, ":7000", "gRPC health listen address")
	flags.String(flagAllowedOrigins, "", "comma-separated CORS origins")
	flags.Duration(flagRequestTimeout, 0, "per-request timeout")
	flags.Duration(flagReconcileInterval, 0, "reconciler tick interval")
	flags.Duration(flagReconcileGrace, 0, "age before a pending top-up is polled")
	flags.Duration(flagReconcileInitialBackoff, 0, "first retry delay when polling")
	flags.Float64(flagReconcileBackoffFactor, 0, "retry delay multiplier")
	flags.Int(flagReconcileMaxAttempts, 0, "polls per intent per pass")
	flags.Int(flagReconcilePoolSize, 0, "concurrent polls")
	return cmd
}

func newMigrateCommand(cfg *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Prepare the database schema and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMigrate(cmd.Context(), *cfg)
		},
	}
}

func newRefundCommand(cfg *config.Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "refund",
		Short: "Credit coins back to an account once per idempotency key",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := cfg.Validate(); err != nil {
				return err
			}
			flags := cmd.Flags()
			request := refundRequest{}
			request.AccountID, _ = flags.GetString(flagRefundAccount)
			request.Coins, _ = flags.GetInt64(flagRefundCoins)
			request.IdempotencyKey, _ = flags.GetString(flagRefundKey)
			request.Note, _ = flags.GetString(flagRefundNote)
			return runRefund(cmd.Context(), *cfg, request, cmd.OutOrStdout())
		},
	}
	flags := cmd.Flags()
	flags.String(flagRefundAccount, "", "account id to credit")
	flags.Int64(flagRefundCoins, 0, "coins to credit")
	flags.String(flagRefundKey, "", "idempotency key for this refund")
	flags.String(flagRefundNote, "", "operator note stored in event metadata")
	_ = cmd.MarkFlagRequired(flagRefundAccount)
	_ = cmd.MarkFlagRequired(flagRefundCoins)
	_ = cmd.MarkFlagRequired(flagRefundKey)
	return cmd
}

// addServiceFlags registers settings shared by serve and refund.
func addServiceFlags(flags *pflag.FlagSet) {
	flags.String(flagSessionSigningKey, "", "TAuth session signing key")
	flags.String(flagSessionIssuer, "", "TAuth session issuer")
	flags.String(flagSessionCookieName, "", "TAuth session cookie name")
	flags.String(flagMidtransServerKey, "", "Midtrans server key")
	flags.String(flagMidtransClientKey, "", "Midtrans client key")
	flags.String(flagMidtransSnapURL, "", "Midtrans Snap API base url")
	flags.String(flagMidtransAPIURL, "", "Midtrans Core API base url")
	flags.String(flagMidtransFinishURL, "", "payment finish redirect url")
	flags.Duration(flagGatewayTimeout, 0, "payment gateway call timeout")
	flags.Duration(flagIntentTTL, 0, "age after which a pending top-up expires")
	flags.Int64(flagOrderRefNode, 0, "snowflake node id for order references (0-1023)")
	flags.String(flagKafkaBrokers, "", "comma-separated Kafka brokers; empty disables events")
	flags.String(flagKafkaTopic, "", "Kafka topic for domain events")
}

func loadConfig(cmd *cobra.Command, settings *viper.Viper, cfg *config.Config) error {
	settings.SetEnvPrefix(envPrefix)
	settings.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	settings.AutomaticEnv()

	if err := settings.BindEnv(flagDatabaseURL, envPrefix+"_DATABASE_URL", "DATABASE_URL"); err != nil {
		return err
	}
	if err := settings.BindPFlags(cmd.Flags()); err != nil {
		return err
	}

	*cfg = config.Config{
		DatabaseURL:               settings.GetString(flagDatabaseURL),
		StoreDriver:               settings.GetString(flagStoreDriver),
		HTTPListenAddr:            settings.GetString(flagHTTPListenAddr),
		GRPCListenAddr:            settings.GetString(flagGRPCListenAddr),
		AllowedOrigins:            config.ParseList(settings.GetString(flagAllowedOrigins)),
		RequestTimeout:            settings.GetDuration(flagRequestTimeout),
		LogLevel:                  settings.GetString(flagLogLevel),
		SessionSigningKey:         settings.GetString(flagSessionSigningKey),
		SessionIssuer:             settings.GetString(flagSessionIssuer),
		SessionCookieName:         settings.GetString(flagSessionCookieName),
		MidtransServerKey:         settings.GetString(flagMidtransServerKey),
		MidtransClientKey:         settings.GetString(flagMidtransClientKey),
		MidtransSnapBaseURL:       settings.GetString(flagMidtransSnapURL),
		MidtransAPIBaseURL:        settings.GetString(flagMidtransAPIURL),
		MidtransFinishRedirectURL: settings.GetString(flagMidtransFinishURL),
		GatewayTimeout:            settings.GetDuration(flagGatewayTimeout),
		OrderRefNode:              settings.GetInt64(flagOrderRefNode),
		ReconcileInterval:         settings.GetDuration(flagReconcileInterval),
		ReconcileGrace:            settings.GetDuration(flagReconcileGrace),
		IntentTTL:                 settings.GetDuration(flagIntentTTL),
		ReconcileInitialBackoff:   settings.GetDuration(flagReconcileInitialBackoff),
		ReconcileBackoffFactor:    settings.GetFloat64(flagReconcileBackoffFactor),
		ReconcileMaxAttempts:      settings.GetInt(flagReconcileMaxAttempts),
		ReconcilePoolSize:         settings.GetInt(flagReconcilePoolSize),
		KafkaBrokers:              config.ParseList(settings.GetString(flagKafkaBrokers)),
		KafkaTopic:                settings.GetString(flagKafkaTopic),
	}
	return nil
}
