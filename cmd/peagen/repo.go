package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/swarmauri/peagen/internal/caf"
	"github.com/swarmauri/peagen/internal/gateway"
	"github.com/swarmauri/peagen/internal/models"
)

var fetchCmd = &cobra.Command{
	Use:   "fetch <repo> [ref]",
	Short: "Materialize a committed tree into a local directory",
	Long: `Resolves ref (HEAD, a rev hash or a unique prefix of at least 6 chars) and
writes its tree into --out. Objects are read from the gateway's object
endpoint unless --caf names another store. With --on-gateway the gateway
writes the tree on its own host and --out must be an absolute path there.`,
	Args: cobra.RangeArgs(1, 2),
	RunE: runFetch,
}

var logCmd = &cobra.Command{
	Use:   "log <repo>",
	Short: "List committed revisions of a repo, newest first",
	Args:  cobra.ExactArgs(1),
	RunE:  runLog,
}

var lineageCmd = &cobra.Command{
	Use:   "lineage <rev-hash>",
	Short: "Show the artefacts produced by a revision",
	Args:  cobra.ExactArgs(1),
	RunE:  runLineage,
}

var (
	fetchOut       string
	fetchCAF       string
	fetchOnGateway bool
	logLimit int
)

func init() {
	fetchCmd.Flags().StringVarP(&fetchOut, "out", "o", ".", "Output directory")
	fetchCmd.Flags().StringVar(&fetchCAF, "caf", "", "Object store URI (default: the gateway)")
	fetchCmd.Flags().BoolVar(&fetchOnGateway, "on-gateway", false, "Materialize on the gateway host")
	logCmd.Flags().IntVar(&logLimit, "limit", 20, "Maximum number of revisions")
}

func runFetch(cmd *cobra.Command, args []string) error {
	ref := "HEAD"
	if len(args) == 2 {
		ref = args[1]
	}
	client, err := newClient()
	if err != nil {
		return err
	}
	var res *gateway.FetchResult
	if fetchOnGateway {
		res, err = client.RemoteFetch(cmd.Context(), args[0], ref, fetchOut)
	} else {
		res, err = fetchLocal(cmd, client, args[0], ref)
	}
	if err != nil {
		return err
	}
	if res.Updated {
		fmt.Printf("Updated %s to %s\n", res.Workspace, res.Commit)
	} else {
		fmt.Printf("%s already at %s\n", res.Workspace, res.Commit)
	}
	return nil
}

func fetchLocal(cmd *cobra.Command, client *gateway.Client, repo, ref string) (*gateway.FetchResult, error) {
	uri := fetchCAF
	if uri == "" {
		uri = client.ObjectsURL()
	}
	objects, err := caf.Open(uri)
	if err != nil {
		return nil, err
	}
	return gateway.Fetch(cmd.Context(), client, objects, repo, ref, fetchOut)
}

func runLog(cmd *cobra.Command, args []string) error {
	client, err := newClient()
	if err != nil {
		return err
	}
	ctx, cancel := cmdContext(cmd)
	defer cancel()
	revs, err := client.Revisions(ctx, args[0], logLimit)
	if err != nil {
		return err
	}
	if len(revs) == 0 {
		fmt.Println("No revisions found")
		return nil
	}
	printRevisions(revs)
	return nil
}

func printRevisions(revs []models.TaskRevision) {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "REV\tPARENT\tTREE\tTASK\tWORKER\tCREATED")
	for _, r := range revs {
		parent := "-"
		if r.ParentHash != "" {
			parent = truncateID(r.ParentHash)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			truncateID(r.RevHash), parent, truncateID(r.TreeOID), truncateID(r.TaskID), r.WorkerID, formatTime(r.CreatedAt))
	}
	w.Flush()
}

func runLineage(cmd *cobra.Command, args []string) error {
	client, err := newClient()
	if err != nil {
		return err
	}
	ctx, cancel := cmdContext(cmd)
	defer cancel()
	lin, err := client.Lineage(ctx, args[0])
	if err != nil {
		return err
	}

	r := lin.Revision
	fmt.Printf("Revision: %s\n", r.RevHash)
	if r.ParentHash != "" {
		fmt.Printf("Parent:   %s\n", r.ParentHash)
	}
	fmt.Printf("Task:     %s\n", r.TaskID)
	fmt.Printf("Tree:     %s\n", r.TreeOID)
	fmt.Printf("Worker:   %s\n\n", r.WorkerID)

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ARTEFACT\tPATH\tPARENT")
	for _, a := range lin.Artefacts {
		path := a.Path
		if path == "" {
			path = "(tree)"
		}
		parent := "-"
		if a.ParentArtefactOID != "" {
			parent = truncateID(a.ParentArtefactOID)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\n", truncateID(a.ArtefactOID), path, parent)
	}
	w.Flush()
	return nil
}
