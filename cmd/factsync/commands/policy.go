package commands

import (
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/factsync/factsync/pkg/knowledge"
	"github.com/factsync/factsync/pkg/policy"
)

func newPolicyCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "policy",
		Short: "Inspect and test admission policies",
		Long: `Admission policies decide whether a starting process instance is mirrored
into the knowledge store. Policies are Rego modules with a "deny" rule.`,
	}

	cmd.AddCommand(newPolicyListCommand())
	cmd.AddCommand(newPolicyCheckCommand())

	return cmd
}

func newPolicyListCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List built-in and configured policies",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			cfg.Policy.Enabled = true
			cfg.Policy.Watch = false

			eng, _, err := newPolicyEngine(cmd.Context(), cfg.Policy, log.Logger)
			if err != nil {
				return err
			}

			policies := eng.ListPolicies()
			out := cmd.OutOrStdout()
			if jsonOutput {
				return printJSON(out, policies)
			}

			w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tSEVERITY\tENABLED\tSOURCE\tDESCRIPTION")
			for _, p := range policies {
				source := p.Source
				if p.Builtin {
					source = "builtin"
				}
				fmt.Fprintf(w, "%s\t%s\t%t\t%s\t%s\n", p.Name, p.Severity, p.Enabled, source, p.Description)
			}
			return w.Flush()
		},
	}

	return cmd
}

func newPolicyCheckCommand() *cobra.Command {
	var (
		vars      []string
		processID string
		id        int64
	)

	cmd := &cobra.Command{
		Use:   "check [policy-file-or-dir...]",
		Short: "Evaluate admission for a sample process instance",
		Long: `Evaluate the built-in policies, plus the given files or directories, against a
sample process instance. Variable values are parsed as YAML scalars, so
"amount=10" is a number and "factsync.skip=true" a boolean.

The command fails when the instance would be denied.`,
		Example: `  # Would an instance with a large amount be admitted?
  factsync policy check ./policies --var amount=5000 --var region=eu`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			variables, err := parseVars(vars)
			if err != nil {
				return err
			}

			eng, err := policy.NewEngine(log.Logger)
			if err != nil {
				return err
			}
			if len(args) > 0 {
				if err := eng.LoadPolicies(ctx, args); err != nil {
					return err
				}
			}

			now := time.Now().UTC()
			fact := knowledge.ProcessInstanceFact{
				ID:        knowledge.ProcessInstanceID(id),
				ProcessID: processID,
				State:     knowledge.ProcessInstanceStateActive,
				Variables: variables,
				StartedAt: now,
				UpdatedAt: now,
			}

			result, err := eng.Admit(ctx, fact)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if jsonOutput {
				if err := printJSON(out, result); err != nil {
					return err
				}
			} else {
				printPolicyResult(cmd, result)
			}

			if !result.Allowed {
				return fmt.Errorf("denied by %s: %s", result.DeniedBy(), result.Reason())
			}
			return nil
		},
	}

	cmd.Flags().StringArrayVar(&vars, "var", nil, "instance variable as key=value (repeatable)")
	cmd.Flags().StringVar(&processID, "process-id", "sample", "process definition id")
	cmd.Flags().Int64Var(&id, "id", 1, "process instance id")

	return cmd
}

func printPolicyResult(cmd *cobra.Command, result *policy.PolicyResult) {
	out := cmd.OutOrStdout()

	verdict := "admitted"
	if !result.Allowed {
		verdict = "denied"
	}
	fmt.Fprintf(out, "Instance %s (%d policies evaluated in %s)\n",
		verdict, len(result.EvaluatedPolicies), result.Duration.Round(time.Microsecond))

	for _, v := range result.Violations {
		fmt.Fprintf(out, "  ✗ [%s] %s: %s\n", v.Severity, v.Policy, v.Message)
	}
	for _, v := range result.Warnings {
		fmt.Fprintf(out, "  ! [%s] %s: %s\n", v.Severity, v.Policy, v.Message)
	}
}

// parseVars turns key=value pairs into instance variables.
func parseVars(pairs []string) (map[string]any, error) {
	vars := make(map[string]any, len(pairs))
	for _, pair := range pairs {
		key, raw, ok := strings.Cut(pair, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid --var %q, expected key=value", pair)
		}

		var value any
		if err := yaml.Unmarshal([]byte(raw), &value); err != nil || value == nil {
			value = raw
		}
		vars[key] = value
	}
	return vars, nil
}
