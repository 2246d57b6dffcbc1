package commands

import (
	"encoding/json"
	"fmt"
	"sort"
	"text/tabwriter"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/factsync/factsync/pkg/knowledge"
)

func newFactsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "facts",
		Short: "Inspect facts in the knowledge store",
		Long: `Inspect the facts held by the configured knowledge store.

Process-instance facts are the ones factsync maintains. Generic facts belong
to other producers sharing the store and are listed but never modified.`,
	}

	cmd.AddCommand(newFactsListCommand())
	cmd.AddCommand(newFactsShowCommand())

	return cmd
}

// factRow is the listing form of one record.
type factRow struct {
	Handle    knowledge.Handle   `json:"handle"`
	Kind      knowledge.FactKind `json:"kind"`
	Identity  string             `json:"identity"`
	ProcessID string             `json:"process_id,omitempty"`
	State     string             `json:"state,omitempty"`
	Variables int                `json:"variables"`
}

func newFactRow(r knowledge.Record) factRow {
	row := factRow{Handle: r.Handle, Kind: r.Fact.Kind()}
	if pi, ok := knowledge.AsProcessInstance(r.Fact); ok {
		row.Identity = pi.ID.String()
		row.ProcessID = pi.ProcessID
		row.State = string(pi.State)
		row.Variables = len(pi.Variables)
		return row
	}
	if g, ok := r.Fact.(knowledge.GenericFact); ok {
		row.Identity = g.Type + "/" + g.Key
		row.Variables = len(g.Data)
	}
	return row
}

func newFactsListCommand() *cobra.Command {
	var kind string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List facts",
		Example: `  # List every fact
  factsync facts list

  # Only process instances, as JSON
  factsync facts list --kind process_instance --json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			store, err := openStore(ctx, cfg)
			if err != nil {
				return err
			}
			defer store.Close()

			log.Debug().Str("kind", kind).Msg("Listing facts")

			records, err := store.List(ctx)
			if err != nil {
				return fmt.Errorf("failed to list facts: %w", err)
			}

			rows := make([]factRow, 0, len(records))
			for _, r := range records {
				if kind != "" && string(r.Fact.Kind()) != kind {
					continue
				}
				rows = append(rows, newFactRow(r))
			}
			sort.Slice(rows, func(i, j int) bool {
				if rows[i].Kind != rows[j].Kind {
					return rows[i].Kind > rows[j].Kind
				}
				return rows[i].Identity < rows[j].Identity
			})

			out := cmd.OutOrStdout()
			if jsonOutput {
				return printJSON(out, rows)
			}

			w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "HANDLE\tKIND\tIDENTITY\tPROCESS\tSTATE\tVARS")
			for _, r := range rows {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%d\n",
					r.Handle, r.Kind, r.Identity, r.ProcessID, r.State, r.Variables)
			}
			if err := w.Flush(); err != nil {
				return err
			}
			fmt.Fprintf(out, "\n%d fact(s)\n", len(rows))
			return nil
		},
	}

	cmd.Flags().StringVar(&kind, "kind", "", "filter by fact kind (process_instance, generic)")

	return cmd
}

func newFactsShowCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <handle>",
		Short: "Show one fact",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			store, err := openStore(ctx, cfg)
			if err != nil {
				return err
			}
			defer store.Close()

			handle := knowledge.Handle(args[0])
			fact, err := store.Get(ctx, handle)
			if err != nil {
				return fmt.Errorf("failed to get fact %s: %w", handle, err)
			}

			data, err := knowledge.MarshalFact(fact)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), map[string]any{
				"handle": handle,
				"fact":   json.RawMessage(data),
			})
		},
	}

	return cmd
}
