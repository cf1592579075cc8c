package cmd

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/meridianhq/meridian-core/internal/embed"
	"github.com/meridianhq/meridian-core/internal/pipeline"
	"github.com/meridianhq/meridian-core/internal/store"
)

func newBackfillCmd() *cobra.Command {
	var file string

	cmd := &cobra.Command{
		Use:   "backfill --file entities.json",
		Short: "Embed a batch of entities",
		Long: `Embed every entity in a JSON export, bounded to the configured
worker count. Unchanged content is fingerprint-skipped, so re-running a
backfill only pays for what actually changed.

The input file is a JSON array of items:
  [{"owner": "alice", "domain_tag": "task", "entity_id": "t-1",
    "name": "Morning run", "fields": {"title": "...", "description": "..."}}]`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runBackfill(cmd, file)
		},
	}

	cmd.Flags().StringVarP(&file, "file", "F", "", "JSON file of entities to embed (required)")
	_ = cmd.MarkFlagRequired("file")

	return cmd
}

// backfillInput mirrors pipeline.BackfillItem with JSON tags for the
// export file format.
type backfillInput struct {
	Owner     string            `json:"owner"`
	DomainTag string            `json:"domain_tag"`
	EntityID  string            `json:"entity_id"`
	Name      string            `json:"name"`
	Fields    map[string]string `json:"fields"`
}

func runBackfill(cmd *cobra.Command, file string) error {
	data, err := os.ReadFile(file)
	if err != nil {
		return fmt.Errorf("read backfill file: %w", err)
	}
	var inputs []backfillInput
	if err := json.Unmarshal(data, &inputs); err != nil {
		return fmt.Errorf("parse backfill file: %w", err)
	}

	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.close()

	items := make([]pipeline.BackfillItem, 0, len(inputs))
	for _, in := range inputs {
		items = append(items, pipeline.BackfillItem{
			Owner:     in.Owner,
			DomainTag: store.DomainTag(in.DomainTag),
			EntityID:  in.EntityID,
			Name:      in.Name,
			Fields:    in.Fields,
		})
	}

	embedder := embed.NewCachedEmbedder(a.embedder, a.cfg.Provider.QueryCacheSize)
	p := pipeline.New(a.store, embedder, a.cache, pipeline.Options{
		Workers: a.cfg.Pipeline.Workers,
		Retry:   a.retryConfig(),
	}, a.logger)

	res, err := p.Backfill(cmd.Context(), items)
	if err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Backfill done: %d embedded, %d unchanged, %d failed\n",
		res.Embedded, res.Skipped, res.Failed)
	if res.Failed > 0 {
		return fmt.Errorf("%d entities failed; see logs", res.Failed)
	}
	return nil
}
