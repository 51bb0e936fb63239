// clinigate is the clinical data ingestion gateway.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/clinigate/clinigate/internal/config"
	"github.com/clinigate/clinigate/internal/gateway"
)

var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

var (
	cfgFile  string
	logLevel string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "clinigate",
		Short: "Clinigate - clinical data ingestion gateway",
		Long: `Clinigate receives HL7 v2 messages over MLLP and clinical documents
over HTTP, stages them on a local volume, groups them into payloads and
uploads each payload to S3-compatible object storage. Downstream systems
are notified over a Redis stream once a payload is durable.

Start the gateway:

  clinigate serve --config /etc/clinigate/config.yaml

Send a test message:

  printf '\x0bMSH|^~\&|TEST|FAC|||20260101000000||ADT^A01|1|P|2.6\r\x1c\x0d' | nc localhost 2575`,
	}

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().StringVarP(&logLevel, "log-level", "l", "info", "log level")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the gateway",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe()
		},
	}
	rootCmd.AddCommand(serveCmd)

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("clinigate %s\n", Version)
			fmt.Printf("  Commit:     %s\n", Commit)
			fmt.Printf("  Build Time: %s\n", BuildTime)
		},
	}
	rootCmd.AddCommand(versionCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runServe() error {
	setupLogging()

	if cfgFile == "" {
		cfgFile = "/etc/clinigate/config.yaml"
	}
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, err := gateway.New(ctx, cfg, log.Logger)
	if err != nil {
		return err
	}

	log.Info().Str("version", Version).Msg("clinigate starting")
	if err := g.Run(ctx); err != nil {
		return err
	}
	return nil
}

func setupLogging() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	level, err := zerolog.ParseLevel(logLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
}
