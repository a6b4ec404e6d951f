package main

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var workersCmd = &cobra.Command{
	Use:   "workers",
	Short: "List registered workers",
	Args:  cobra.NoArgs,
	RunE:  runWorkers,
}

func runWorkers(cmd *cobra.Command, args []string) error {
	client, err := newClient()
	if err != nil {
		return err
	}
	ctx, cancel := cmdContext(cmd)
	defer cancel()
	workers, err := client.ListWorkers(ctx)
	if err != nil {
		return err
	}
	if len(workers) == 0 {
		fmt.Println("No workers registered")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tPOOL\tHANDLERS\tLIVE\tLAST HEARTBEAT")
	for _, wk := range workers {
		live := "no"
		if wk.Live {
			live = "yes"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", wk.ID, wk.Pool, strings.Join(wk.Handlers, ","), live, formatTime(wk.LastHeartbeat))
	}
	w.Flush()
	return nil
}
