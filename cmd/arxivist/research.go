package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/arxivist/arxivist/config"
	core "github.com/arxivist/arxivist/internal/agent/core"
)

func researchCMD() *cobra.Command {
	var cfgPath string
	var sourceTypes []string
	var modelProvider string
	var model string
	var out string

	cmd := &cobra.Command{
		Use:   "research [query]",
		Short: "Run one research job and print the report",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.LoadConfig(cfgPath)
			query := strings.Join(args, " ")

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			rt, err := buildRuntime(ctx, cfg, "[RESEARCH] ")
			if err != nil {
				return err
			}
			defer rt.close()

			res, err := rt.supervisor.Research(ctx, core.Request{
				Query: query,
				Options: core.Options{
					SourceTypes:   sourceTypes,
					ModelProvider: modelProvider,
					Model:         model,
				},
			})
			if res.Status != core.StatusCompleted {
				if err != nil {
					return fmt.Errorf("job %s failed (%s): %w", res.JobID, res.FailureReason, err)
				}
				return fmt.Errorf("job %s failed: %s", res.JobID, res.FailureReason)
			}

			if out != "" {
				return os.WriteFile(out, []byte(res.Report), 0o644)
			}
			fmt.Println(res.Report)
			return nil
		},
	}
	cmd.Flags().StringSliceVar(&sourceTypes, "sources", nil, "source types (arxiv, web)")
	cmd.Flags().StringVar(&modelProvider, "provider", "", "model provider (overrides routing default)")
	cmd.Flags().StringVar(&model, "model", "", "model name (overrides provider default)")
	cmd.Flags().StringVarP(&out, "out", "o", "", "write the report to a file instead of stdout")
	cmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "config file (default is .)")
	return cmd
}
