package cmd

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/spf13/cobra"
)

func newStatusCmd() *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show semantic memory statistics",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runStatus(cmd, jsonOutput)
		},
	}
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")
	return cmd
}

type ownerStatus struct {
	Owner      string         `json:"owner"`
	Entities   map[string]int `json:"entities"`
	Embeddings int            `json:"embeddings"`
	Vectors    int            `json:"vectors"`
}

func runStatus(cmd *cobra.Command, jsonOutput bool) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.close()

	ctx := cmd.Context()
	owners, err := a.store.DB().Owners(ctx)
	if err != nil {
		return err
	}
	sort.Strings(owners)

	statuses := make([]ownerStatus, 0, len(owners))
	for _, owner := range owners {
		counts, err := a.store.DB().CountEntities(ctx, owner)
		if err != nil {
			return err
		}
		embeddings, err := a.store.DB().CountEmbeddings(ctx, owner)
		if err != nil {
			return err
		}
		entities := make(map[string]int, len(counts))
		for tag, n := range counts {
			entities[string(tag)] = n
		}
		statuses = append(statuses, ownerStatus{
			Owner:      owner,
			Entities:   entities,
			Embeddings: embeddings,
			Vectors:    a.store.VectorCount(owner),
		})
	}

	out := cmd.OutOrStdout()
	if jsonOutput {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(statuses)
	}

	if len(statuses) == 0 {
		fmt.Fprintln(out, "No owners yet.")
		return nil
	}
	fmt.Fprintf(out, "Database: %s (dims=%d)\n", a.cfg.DatabasePath(), a.store.Dimensions())
	for _, s := range statuses {
		fmt.Fprintf(out, "%s: %d embeddings, %d indexed vectors\n", s.Owner, s.Embeddings, s.Vectors)
		for tag, n := range s.Entities {
			fmt.Fprintf(out, "  %s: %d\n", tag, n)
		}
	}
	return nil
}
