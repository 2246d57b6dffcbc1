package commands

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/factsync/factsync/pkg/knowledge"
	"github.com/factsync/factsync/pkg/session"
)

type resolveResult struct {
	ID      knowledge.ProcessInstanceID `json:"id"`
	Found   bool                        `json:"found"`
	Handle  knowledge.Handle            `json:"handle,omitempty"`
	Scanned bool                        `json:"scanned"`
}

func newResolveCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "resolve <process-instance-id>",
		Short: "Resolve a process instance id to its fact handle",
		Long: `Resolve a process instance id through a fresh session.

The session starts with an empty cache, so this exercises the recovery path a
restarted engine takes: the store is scanned and the result cached.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			n, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid process instance id %q: %w", args[0], err)
			}
			id := knowledge.ProcessInstanceID(n)

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			store, err := openStore(ctx, cfg)
			if err != nil {
				return err
			}

			sess, err := session.New(store, session.WithShards(cfg.Cache.Shards), session.WithOwnedStore())
			if err != nil {
				store.Close()
				return err
			}
			defer sess.Close()

			h, ok, err := sess.Resolve(ctx, id)
			if err != nil {
				return fmt.Errorf("failed to resolve process instance %d: %w", id, err)
			}

			res := resolveResult{ID: id, Found: ok, Handle: h, Scanned: sess.Cache().Stats().Scans > 0}
			out := cmd.OutOrStdout()
			if jsonOutput {
				return printJSON(out, res)
			}

			if !ok {
				fmt.Fprintf(out, "process instance %d: no fact (scanned: %t)\n", id, res.Scanned)
				return nil
			}
			fmt.Fprintf(out, "process instance %d: %s (scanned: %t)\n", id, h, res.Scanned)
			return nil
		},
	}

	return cmd
}
