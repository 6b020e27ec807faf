package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/aristath/foreman/internal/persistence"
)

func newHistoryCmd(root *rootFlags) *cobra.Command {
	var nodesToo bool
	cmd := &cobra.Command{
		Use:   "history <run-id>",
		Short: "Print the recorded event history of a run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(root)
			if err != nil {
				return err
			}
			store, err := openStore(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer store.Close()
			return printHistory(cmd, store, args[0], nodesToo)
		},
	}
	cmd.Flags().BoolVar(&nodesToo, "nodes", false, "Also list the run's nodes")
	return cmd
}

func printHistory(cmd *cobra.Command, store persistence.Store, runID string, nodesToo bool) error {
	ctx := cmd.Context()
	r, err := store.GetRun(ctx, runID)
	if err != nil {
		return fmt.Errorf("run %s: %w", runID, err)
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "run %s: %s (%s, phase %s)\n", r.ID, r.Goal, r.Status, r.Phase)

	evs, err := store.ListEvents(ctx, runID)
	if err != nil {
		return err
	}
	for _, ev := range evs {
		node := ""
		if ev.NodeID != "" {
			node = " node=" + ev.NodeID
		}
		fmt.Fprintf(out, "%5d %s %-24s%s %s\n", ev.Seq, ev.Timestamp.Format("15:04:05.000"), ev.Type, node, ev.Payload)
	}

	if !nodesToo {
		return nil
	}
	nodes, err := store.ListNodes(ctx, runID)
	if err != nil {
		return err
	}
	fmt.Fprintln(out, "\nnodes:")
	for _, n := range nodes {
		fmt.Fprintf(out, "  %s %-12s %-22s %s\n", n.ID, n.Role, n.Status, n.Title)
	}
	return nil
}
