package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/guseggert/subserver/agent"
	"github.com/guseggert/subserver/agent/supervisor"
	"github.com/guseggert/subserver/internal/config"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func main() {
	app := &cli.App{
		Name:  "subserver-agent",
		Usage: "supervises a server process on behalf of a remote controller",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "work-dir",
				Usage: "Directory holding the config file and the server, plugins, config and worlds directories.",
				Value: ".",
			},
			&cli.StringFlag{
				Name:  "config",
				Usage: "Path of the identity file. Relative paths are resolved against the work dir.",
				Value: config.FileName,
			},
			&cli.StringFlag{
				Name:  "java",
				Usage: "The java executable used to launch the server core.",
				Value: "java",
			},
			&cli.DurationFlag{
				Name:  "stop-timeout",
				Usage: "How long to wait for the server to exit after the stop command before killing it.",
				Value: 1 * time.Minute,
			},
			&cli.DurationFlag{
				Name:  "reconnect-min",
				Usage: "Initial delay between controller connection attempts.",
				Value: 500 * time.Millisecond,
			},
			&cli.DurationFlag{
				Name:  "reconnect-max",
				Usage: "Maximum delay between controller connection attempts.",
				Value: 30 * time.Second,
			},
			&cli.StringFlag{
				Name:  "ca-cert-file",
				Usage: "PEM file with the CA certificates trusted for wss/https controllers. Defaults to the system roots.",
			},
			&cli.StringFlag{
				Name:  "cert-file",
				Usage: "PEM client certificate presented to the controller.",
			},
			&cli.StringFlag{
				Name:  "key-file",
				Usage: "PEM private key for --cert-file.",
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "One of [debug,info,warn,error].",
				Value: "info",
			},
		},
		Action: func(ctx *cli.Context) error {
			workDir := ctx.String("work-dir")
			configPath := ctx.String("config")
			if !filepath.IsAbs(configPath) {
				configPath = filepath.Join(workDir, configPath)
			}

			level, err := zapcore.ParseLevel(ctx.String("log-level"))
			if err != nil {
				return fmt.Errorf("parsing log level: %w", err)
			}
			logger, err := zap.NewDevelopment()
			if err != nil {
				return fmt.Errorf("building logger: %w", err)
			}
			defer logger.Sync()

			err = os.MkdirAll(filepath.Dir(configPath), 0777)
			if err != nil {
				return fmt.Errorf("creating config dir: %w", err)
			}
			identity, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("loading identity: %w", err)
			}
			if identity.Defaulted() {
				logger.Sugar().Infow("no usable identity file, wrote defaults", "Path", configPath)
			}

			opts := []agent.Option{
				agent.WithLogger(logger.Named("agent")),
				agent.WithLogLevel(level),
				agent.WithReconnectBackoff(ctx.Duration("reconnect-min"), ctx.Duration("reconnect-max")),
				agent.WithSupervisorOptions(
					supervisor.WithCommandBuilder(supervisor.JavaCommand(ctx.String("java"))),
					supervisor.WithStopTimeout(ctx.Duration("stop-timeout")),
				),
			}
			caCertFile, certFile, keyFile := ctx.String("ca-cert-file"), ctx.String("cert-file"), ctx.String("key-file")
			if caCertFile != "" || certFile != "" || keyFile != "" {
				tlsConfig, err := agent.LoadClientTLSConfig(caCertFile, certFile, keyFile)
				if err != nil {
					return fmt.Errorf("loading TLS config: %w", err)
				}
				opts = append(opts, agent.WithTLSConfig(tlsConfig))
			}

			a, err := agent.NewAgent(workDir, identity, opts...)
			if err != nil {
				return fmt.Errorf("building agent: %w", err)
			}

			runCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return a.Run(runCtx)
		},
	}
	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}
