package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/arxivist/arxivist/config"
	"github.com/arxivist/arxivist/internal/queue/streams"
	"github.com/arxivist/arxivist/internal/worker"
)

func workerCMD() *cobra.Command {
	var cfgPath string

	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Consume submitted jobs from the queue and run them",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.LoadConfig(cfgPath)

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			rt, err := buildRuntime(ctx, cfg, "[WORKER] ")
			if err != nil {
				return err
			}
			defer rt.close()

			rdb, err := redisClient(ctx, cfg)
			if err != nil {
				return err
			}
			if rdb == nil {
				return fmt.Errorf("worker requires redis (queue.redis_addr)")
			}
			defer rdb.Close()

			if err := streams.EnsureGroup(ctx, rdb, cfg.Queue.JobStream, cfg.Queue.Group); err != nil {
				return err
			}
			name := cfg.Queue.Consumer
			if name == "" {
				name = fmt.Sprintf("worker-%s", uuid.NewString()[:8])
			}
			consumer := streams.NewConsumer(rdb, cfg.Queue.Group, name)

			proc := worker.NewProcessor(rt.logger, rt.jobs, rt.index, consumer, rt.supervisor, cfg.Queue.JobStream)
			return proc.Start(ctx)
		},
	}
	cmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "config file (default is .)")
	return cmd
}
