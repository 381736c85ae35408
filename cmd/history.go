package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/tanq16/fetchd/internal/output"
	"github.com/tanq16/fetchd/internal/store"
)

// withStore runs fn against the configured store and closes it afterwards.
func withStore(fn func(ctx context.Context, st store.Store) error) error {
	ctx := context.Background()
	st, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer st.Close()
	return fn(ctx, st)
}

func newHistoryCmd() *cobra.Command {
	var sessionsOf uint64

	cmd := &cobra.Command{
		Use:   "history [--sessions ID]",
		Short: "Show every recorded download, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(func(ctx context.Context, st store.Store) error {
				if cmd.Flags().Changed("sessions") {
					rec, err := st.GetDownload(ctx, sessionsOf)
					if err != nil {
						return err
					}
					sessions, err := st.Sessions(ctx, sessionsOf)
					if err != nil {
						return err
					}
					output.PrintHeader(fmt.Sprintf("Sessions of %s", rec.Filename))
					fmt.Println(output.SessionsTable(sessions, markdown))
					return nil
				}
				records, err := st.History(ctx)
				if err != nil {
					return err
				}
				if len(records) == 0 {
					output.PrintInfo("No downloads recorded")
					return nil
				}
				fmt.Println(output.HistoryTable(records, markdown))
				return nil
			})
		},
	}

	cmd.Flags().Uint64Var(&sessionsOf, "sessions", 0, "Show the resume sessions of the download with this ID")
	return cmd
}

func newActiveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "active",
		Short: "Show unfinished downloads (queued, downloading or paused)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(func(ctx context.Context, st store.Store) error {
				records, err := st.Active(ctx)
				if err != nil {
					return err
				}
				if len(records) == 0 {
					output.PrintInfo("No unfinished downloads")
					return nil
				}
				fmt.Println(output.HistoryTable(records, markdown))
				return nil
			})
		},
	}
}

func newStatsCmd() *cobra.Command {
	var refresh bool

	cmd := &cobra.Command{
		Use:   "stats [--refresh]",
		Short: "Show global transfer statistics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(func(ctx context.Context, st store.Store) error {
				var stats store.Stats
				var err error
				if refresh {
					stats, err = st.RecomputeAverageSpeed(ctx)
				} else {
					stats, err = st.Stats(ctx)
				}
				if err != nil {
					return err
				}
				fmt.Println(output.StatsTable(stats, markdown))
				return nil
			})
		},
	}

	cmd.Flags().BoolVar(&refresh, "refresh", false, "Recompute the average speed from completed downloads first")
	return cmd
}
