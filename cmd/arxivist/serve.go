package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/arxivist/arxivist/config"
	"github.com/arxivist/arxivist/internal/queue/streams"
	"github.com/arxivist/arxivist/internal/server"
)

func serveCMD() *cobra.Command {
	var cfgPath string
	var addr string

	serve := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.LoadConfig(cfgPath)

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			rt, err := buildRuntime(ctx, cfg, "[API] ")
			if err != nil {
				return err
			}
			defer rt.close()

			deps := server.Deps{
				Supervisor: rt.supervisor,
				Jobs:       rt.jobs,
				Index:      rt.index,
				JobStream:  cfg.Queue.JobStream,
			}
			rdb, err := redisClient(ctx, cfg)
			if err != nil {
				return err
			}
			if rdb != nil {
				defer rdb.Close()
				if err := streams.EnsureGroup(ctx, rdb, cfg.Queue.JobStream, cfg.Queue.Group); err != nil {
					return err
				}
				deps.Publisher = streams.NewPublisher(rdb)
			} else {
				rt.logger.Printf("redis not configured, async submission disabled")
			}

			srv := server.New(rt.logger, deps)
			errCh := make(chan error, 1)
			go func() { errCh <- srv.Start(listenAddr(addr, cfg)) }()

			select {
			case err := <-errCh:
				return err
			case <-ctx.Done():
				shutdownCtx, stop := context.WithTimeout(context.Background(), 10*time.Second)
				defer stop()
				return srv.Shutdown(shutdownCtx)
			}
		},
	}
	serve.Flags().StringVar(&addr, "addr", "", "listen address (overrides config)")
	serve.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "config file (default is .)")
	return serve
}

func listenAddr(flagAddr string, cfg *config.Config) string {
	if flagAddr != "" {
		return flagAddr
	}
	if cfg.Server.Address != "" {
		return cfg.Server.Address
	}
	return ":10030"
}
