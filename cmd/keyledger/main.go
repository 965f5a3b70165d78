package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/router-for-me/keyledger/internal/app"
	"github.com/router-for-me/keyledger/internal/config"

	log "github.com/sirupsen/logrus"
)

// main runs the CLI entrypoint and exits on unrecoverable command errors.
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	errRun := run(ctx, os.Args[1:])
	stop()
	if errRun != nil {
		log.WithError(errRun).Error("command failed")
		os.Exit(1)
	}
}

// run parses flags, loads config, and starts the server or a one-shot maintenance command.
func run(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("keyledger", flag.ContinueOnError)
	cfgPath := fs.String("config", "", "config file path (or env CONFIG_PATH)")
	port := fs.Int("port", 8318, "server port (overrides the config file when set)")
	once := fs.Bool("once", false, "run one reconciliation pass and exit")
	recoverOnly := fs.Bool("recover", false, "complete interrupted provisioning and exit")
	if errParse := fs.Parse(args); errParse != nil {
		return errParse
	}

	if errValidate := validatePort(*port); errValidate != nil {
		return errValidate
	}
	portSet := false
	fs.Visit(func(f *flag.Flag) {
		if f.Name == "port" {
			portSet = true
		}
	})

	appCfg, err := config.LoadFromEnv()
	if err != nil {
		return err
	}
	if strings.TrimSpace(*cfgPath) != "" {
		appCfg.ConfigPath = config.ResolveConfigPath(*cfgPath)
	}

	switch {
	case *once && *recoverOnly:
		return fmt.Errorf("-once and -recover are mutually exclusive")
	case *once:
		return app.RunReconcileOnce(ctx, appCfg)
	case *recoverOnly:
		return app.RunRecover(ctx, appCfg)
	}

	overridePort := 0
	if portSet {
		overridePort = *port
	}
	log.Infof("starting keyledger with config=%s", appCfg.ConfigPath)
	return app.RunServer(ctx, appCfg, overridePort)
}

func validatePort(port int) error {
	if port <= 0 || port > 65535 {
		return fmt.Errorf("invalid port: %d", port)
	}
	return nil
}
