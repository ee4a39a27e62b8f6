package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/sms1sis/dohproxy"
)

type options struct {
	logLevel uint32
}

func main() {
	var opt options
	cmd := &cobra.Command{
		Use:   "dohproxy <config.toml>",
		Short: "DNS-to-HTTPS forwarding proxy",
		Long: `Accepts plain DNS queries over UDP and TCP and forwards them as
DNS-over-HTTPS (RFC 8484) requests to a configured resolver.`,
		Args:         cobra.ExactArgs(1),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(opt, args[0])
		},
	}
	cmd.Flags().Uint32VarP(&opt.logLevel, "log-level", "l", uint32(logrus.InfoLevel), "log level; 0=Panic .. 6=Trace")

	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(opt options, configPath string) error {
	fc, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	cfg, err := fc.toLibraryConfig()
	if err != nil {
		return err
	}

	log := logrus.New()
	log.SetLevel(logrus.Level(opt.logLevel))
	if fc.Syslog.Enabled {
		hook, err := newSyslogHook(fc.Syslog)
		if err != nil {
			return fmt.Errorf("failed to configure syslog: %w", err)
		}
		log.AddHook(hook)
	}

	obs := dohproxy.NewObservability("dohproxy", log)
	handle, err := dohproxy.Start(cfg, obs)
	if err != nil {
		return err
	}
	log.WithField("listen", cfg.ListenAddr).Info("dohproxy started")

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig

	log.Info("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return handle.Stop(ctx)
}
