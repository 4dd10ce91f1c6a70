package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/oriys/aurora/internal/archive"
)

func dlqCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dlq",
		Short: "Inspect and operate on the dead-letter queue",
	}
	cmd.AddCommand(dlqDrainCmd())
	cmd.AddCommand(dlqExportCmd())
	return cmd
}

func dlqDrainCmd() *cobra.Command {
	var max int64
	var lowerPriority bool

	cmd := &cobra.Command{
		Use:   "drain",
		Short: "Move dead-lettered messages back onto the main stream for redelivery",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			ctx := context.Background()

			client := newRedisClient(cfg)
			defer client.Close()
			engine := newQueueEngine(client, cfg)

			drained, err := engine.DrainDLQ(ctx, max, lowerPriority)
			if err != nil {
				return err
			}
			fmt.Printf("drained %d messages back onto the main stream\n", drained)
			return nil
		},
	}
	cmd.Flags().Int64Var(&max, "max", 100, "Maximum number of messages to drain in one pass")
	cmd.Flags().BoolVar(&lowerPriority, "lower-priority", false, "Demote each message's priority by one level before redelivery")
	return cmd
}

func dlqExportCmd() *cobra.Command {
	var max int64

	cmd := &cobra.Command{
		Use:   "export",
		Short: "Archive dead-lettered messages to S3 as newline-delimited JSON",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if !cfg.Archive.Enabled {
				return fmt.Errorf("archive export is disabled; set archive.enabled in config")
			}
			ctx := context.Background()

			client := newRedisClient(cfg)
			defer client.Close()
			engine := newQueueEngine(client, cfg)

			entries, err := engine.PeekDLQ(ctx, max)
			if err != nil {
				return err
			}
			if len(entries) == 0 {
				fmt.Println("dlq is empty, nothing to export")
				return nil
			}

			exporter, err := archive.New(ctx, archive.Config{
				Bucket: cfg.Archive.Bucket,
				Prefix: cfg.Archive.Prefix,
				Region: cfg.Archive.Region,
			})
			if err != nil {
				return fmt.Errorf("build s3 exporter: %w", err)
			}

			archiveEntries := make([]archive.Entry, 0, len(entries))
			for _, e := range entries {
				archiveEntries = append(archiveEntries, archive.Entry{MessageID: e.ID, Message: e.Msg})
			}

			key, err := exporter.Export(ctx, archiveEntries)
			if err != nil {
				return fmt.Errorf("export to s3: %w", err)
			}
			fmt.Printf("exported %d dlq entries to s3://%s/%s\n", len(archiveEntries), cfg.Archive.Bucket, key)
			return nil
		},
	}
	cmd.Flags().Int64Var(&max, "max", 1000, "Maximum number of messages to export in one pass")
	return cmd
}
