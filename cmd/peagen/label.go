package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var labelCmd = &cobra.Command{
	Use:   "label",
	Short: "Pause, resume or cancel tasks by label",
}

var labelPauseCmd = &cobra.Command{
	Use:   "pause <label>",
	Short: "Hold back queued tasks carrying a label",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newClient()
		if err != nil {
			return err
		}
		ctx, cancel := cmdContext(cmd)
		defer cancel()
		res, err := client.PauseLabel(ctx, args[0])
		if err != nil {
			return err
		}
		if !res.Changed {
			fmt.Printf("Label %s already paused\n", res.Label)
			return nil
		}
		fmt.Printf("Paused %s\n", res.Label)
		return nil
	},
}

var labelResumeCmd = &cobra.Command{
	Use:   "resume <label>",
	Short: "Let paused tasks be claimed again",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newClient()
		if err != nil {
			return err
		}
		ctx, cancel := cmdContext(cmd)
		defer cancel()
		res, err := client.ResumeLabel(ctx, args[0])
		if err != nil {
			return err
		}
		if !res.Changed {
			fmt.Printf("Label %s was not paused\n", res.Label)
			return nil
		}
		fmt.Printf("Resumed %s\n", res.Label)
		return nil
	},
}

var labelCancelCmd = &cobra.Command{
	Use:   "cancel <label>",
	Short: "Cancel every unfinished task carrying a label",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newClient()
		if err != nil {
			return err
		}
		ctx, cancel := cmdContext(cmd)
		defer cancel()
		res, err := client.CancelLabel(ctx, args[0])
		if err != nil {
			return err
		}
		fmt.Printf("Cancelled %d task(s) labelled %s\n", len(res.Tasks), res.Label)
		for _, id := range res.Tasks {
			fmt.Printf("  %s\n", id)
		}
		return nil
	},
}

var labelListCmd = &cobra.Command{
	Use:   "list",
	Short: "List paused labels",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newClient()
		if err != nil {
			return err
		}
		ctx, cancel := cmdContext(cmd)
		defer cancel()
		paused, err := client.PausedLabels(ctx)
		if err != nil {
			return err
		}
		if len(paused) == 0 {
			fmt.Println("No paused labels")
			return nil
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "LABEL\tPAUSED AT")
		for _, p := range paused {
			fmt.Fprintf(w, "%s\t%s\n", p.Label, formatTime(p.PausedAt))
		}
		return w.Flush()
	},
}

func init() {
	labelCmd.AddCommand(labelPauseCmd, labelResumeCmd, labelCancelCmd, labelListCmd)
}
