package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/ballast-ai/ballast/pkg/eventlog"
)

var (
	replayCritical bool
	replaySince    string
	replayLimit    int
	replayTypes    []string
	replayJSON     bool
)

var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "Inspect per-session event logs",
}

var eventsReplayCmd = &cobra.Command{
	Use:   "replay <session-id>",
	Short: "Replay recorded events for a session in order",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
		defer cancel()

		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		log, err := openEventLog(cfg)
		if err != nil {
			return err
		}
		defer func() { _ = log.Close(ctx) }()

		opts := eventlog.ReplayOptions{
			PriorityOnly: replayCritical,
			Limit:        replayLimit,
		}
		if replaySince != "" {
			since, err := time.Parse(time.RFC3339, replaySince)
			if err != nil {
				return fmt.Errorf("parse --since: %w", err)
			}
			opts.Since = since
		}
		for _, t := range replayTypes {
			opts.Types = append(opts.Types, eventlog.EventType(t))
		}

		events, err := log.Replay(ctx, args[0], opts)
		if err != nil {
			return fmt.Errorf("replay %s: %w", args[0], err)
		}
		if len(events) == 0 {
			fmt.Println(dimStyle.Render("No events recorded."))
			return nil
		}

		fmt.Println(headerStyle.Render(fmt.Sprintf("Events for %s (%d)", args[0], len(events))))
		for _, e := range events {
			printEvent(e)
		}
		return nil
	},
}

func printEvent(e *eventlog.Event) {
	if replayJSON {
		line, err := json.Marshal(e)
		if err != nil {
			return
		}
		fmt.Println(string(line))
		return
	}
	marker := dimStyle.Render(fmt.Sprintf("#%d", e.Sequence))
	kind := string(e.Type)
	if e.Priority == eventlog.PriorityCritical {
		kind = warnStyle.Render(kind)
	}
	agent := ""
	if e.AgentName != "" {
		agent = " " + idStyle.Render(e.AgentName)
	}
	fmt.Printf("%s %s %s%s\n", marker, e.Timestamp.Local().Format("15:04:05.000"), kind, agent)
	if len(e.Data) > 0 {
		if data, err := json.Marshal(e.Data); err == nil {
			fmt.Printf("   %s\n", dimStyle.Render(string(data)))
		}
	}
}

func init() {
	eventsReplayCmd.Flags().BoolVar(&replayCritical, "critical", false, "Only replay critical-priority events")
	eventsReplayCmd.Flags().StringVar(&replaySince, "since", "", "Only replay events after this RFC3339 timestamp")
	eventsReplayCmd.Flags().IntVar(&replayLimit, "limit", 0, "Maximum events to replay (0 for all)")
	eventsReplayCmd.Flags().StringSliceVar(&replayTypes, "type", nil, "Only replay events of these types (repeatable)")
	eventsReplayCmd.Flags().BoolVar(&replayJSON, "json", false, "Print events as JSON lines")

	eventsCmd.AddCommand(eventsReplayCmd)
	rootCmd.AddCommand(eventsCmd)
}
