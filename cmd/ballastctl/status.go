package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show backend health and storage stats",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
		defer cancel()

		backend, _, err := openBackend(ctx)
		if err != nil {
			return err
		}
		defer func() { _ = backend.Close() }()

		fmt.Println(headerStyle.Render("Ballast Storage"))

		if err := backend.HealthCheck(ctx); err != nil {
			fmt.Printf("  Health:   %s (%v)\n", warnStyle.Render("unreachable"), err)
			return nil
		}
		fmt.Printf("  Health:   %s\n", okStyle.Render("ok"))

		stats, err := backend.Stats(ctx)
		if err != nil {
			return fmt.Errorf("read stats: %w", err)
		}
		fmt.Printf("  Driver:   %s\n", stats.Driver)
		fmt.Printf("  Sessions: %d\n", stats.SessionCount)
		fmt.Printf("  Keys:     %d\n", stats.KeyCount)
		fmt.Printf("  Size:     %s\n", dimStyle.Render(humanBytes(stats.SizeBytes)))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func humanBytes(n int64) string {
	switch {
	case n >= 1<<30:
		return fmt.Sprintf("%.1f GiB", float64(n)/(1<<30))
	case n >= 1<<20:
		return fmt.Sprintf("%.1f MiB", float64(n)/(1<<20))
	case n >= 1<<10:
		return fmt.Sprintf("%.1f KiB", float64(n)/(1<<10))
	default:
		return fmt.Sprintf("%d B", n)
	}
}
