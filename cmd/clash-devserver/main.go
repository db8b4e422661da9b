// Command clash-devserver runs the in-memory game server for local
// development, optionally advertising itself in etcd.
package main

import (
	"clash-session/config"
	"clash-session/registry"
	"clash-session/server"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/urfave/cli/v3"
	"go.uber.org/zap"
)

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		fmt.Fprintln(os.Stderr, "clash-devserver:", err)
		os.Exit(1)
	}
	logger := zap.Must(config.NewLogger(os.Getenv("APP_ENV")))
	defer logger.Sync()

	if err := newApp(logger).Run(context.Background(), os.Args); err != nil {
		logger.Fatal("server stopped", zap.Error(err))
	}
}

func newApp(logger *zap.Logger) *cli.Command {
	return &cli.Command{
		Name:  "clash-devserver",
		Usage: "in-memory game server for local development",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "listen", Usage: "address the HTTP and WebSocket server listens on", Value: ":8080"},
			&cli.StringFlag{Name: "advertise", Usage: "address registered in etcd", Value: "127.0.0.1:8080"},
			&cli.StringFlag{
				Name:    "etcd",
				Usage:   "comma separated etcd endpoints; empty disables registration",
				Sources: cli.EnvVars("CLASH_ETCD_ENDPOINTS"),
			},
			&cli.StringFlag{Name: "service", Usage: "service name registered in etcd", Value: "clash-game"},
			&cli.BoolFlag{Name: "seed", Usage: "create the demo accounts a@x.com and b@x.com (password pw)", Value: true},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			return serve(ctx, cmd, logger)
		},
	}
}

func serve(ctx context.Context, cmd *cli.Command, logger *zap.Logger) error {
	srv := server.New(server.Options{Logger: logger})
	if cmd.Bool("seed") {
		for _, acc := range [][3]string{{"a@x.com", "alice", "pw"}, {"b@x.com", "bob", "pw"}} {
			if _, err := srv.World().AddAccount(acc[0], acc[1], acc[2], "Archer", "Giant"); err != nil {
				return fmt.Errorf("seed %s: %w", acc[0], err)
			}
		}
	}

	var reg registry.Registry
	if endpoints := cmd.String("etcd"); endpoints != "" {
		etcdReg, err := registry.NewEtcdRegistry(strings.Split(endpoints, ","), 5*time.Second, logger)
		if err != nil {
			return fmt.Errorf("connect to etcd: %w", err)
		}
		defer etcdReg.Close()
		reg = etcdReg
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	errc := make(chan error, 1)
	go func() { errc <- srv.Serve(cmd.String("listen"), cmd.String("advertise"), cmd.String("service"), reg) }()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("shutdown", zap.Error(err))
		}
		return <-errc
	}
}
