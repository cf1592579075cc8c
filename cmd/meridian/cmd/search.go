package cmd

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/meridianhq/meridian-core/internal/search"
	"github.com/meridianhq/meridian-core/internal/store"
)

type searchOptions struct {
	owner         string
	types         []string
	limit         int
	minSimilarity float64
	format        string
}

func newSearchCmd() *cobra.Command {
	var opts searchOptions

	cmd := &cobra.Command{
		Use:   "search <query>",
		Short: "Search an owner's semantic memory",
		Long: `Search an owner's embedded entities with a natural language query.

Examples:
  meridian search "how is my fitness going" --owner alice
  meridian search "quarterly goals" --owner alice --type project --type task
  meridian search "travel plans" --owner alice --format json`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSearch(cmd, strings.Join(args, " "), opts)
		},
	}

	cmd.Flags().StringVarP(&opts.owner, "owner", "o", "", "Owner whose memory to search (required)")
	cmd.Flags().StringArrayVarP(&opts.types, "type", "t", nil, "Filter by entity type (repeatable: pillar, area, project, task, journal_entry)")
	cmd.Flags().IntVarP(&opts.limit, "limit", "n", 0, "Maximum number of results (default from config)")
	cmd.Flags().Float64Var(&opts.minSimilarity, "min-similarity", 0, "Similarity floor in (0,1] (default from config)")
	cmd.Flags().StringVarP(&opts.format, "format", "f", "text", "Output format: text, json")
	_ = cmd.MarkFlagRequired("owner")

	return cmd
}

func runSearch(cmd *cobra.Command, query string, opts searchOptions) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.close()

	filters := make([]store.DomainTag, 0, len(opts.types))
	for _, t := range opts.types {
		filters = append(filters, store.DomainTag(t))
	}

	results, err := a.searchService().Search(cmd.Context(), search.Query{
		Owner:         opts.owner,
		Text:          query,
		DomainFilters: filters,
		MaxResults:    opts.limit,
		MinSimilarity: opts.minSimilarity,
	})
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if opts.format == "json" {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(results)
	}

	if len(results) == 0 {
		fmt.Fprintln(out, "No results.")
		return nil
	}
	for i, r := range results {
		fmt.Fprintf(out, "%2d. [%.2f] %s/%s (%s)\n    %s\n",
			i+1, r.Score, r.EntityType, r.EntityID, r.Field, r.Snippet)
	}
	return nil
}
