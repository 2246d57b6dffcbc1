package commands

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/factsync/factsync/pkg/config"
	"github.com/factsync/factsync/pkg/policy"
	"github.com/factsync/factsync/pkg/process"
	"github.com/factsync/factsync/pkg/session"
	"github.com/factsync/factsync/pkg/stores"
	"github.com/factsync/factsync/pkg/telemetry"
)

type simulateSummary struct {
	process.BatchResult
	Inserted     int64         `json:"facts_inserted"`
	Updated      int64         `json:"facts_updated"`
	Retracted    int64         `json:"facts_retracted"`
	Denied       int64         `json:"denied"`
	CacheEntries int           `json:"cache_entries"`
	StoreFacts   int           `json:"store_facts"`
	Elapsed      time.Duration `json:"elapsed"`
}

// newPolicyEngine builds the admission engine from cfg, or returns nil when
// policies are disabled. The returned loader is non-nil while watching.
func newPolicyEngine(ctx context.Context, cfg config.PolicyConfig, logger zerolog.Logger) (*policy.Engine, *policy.Loader, error) {
	if !cfg.Enabled {
		return nil, nil, nil
	}

	eng, err := policy.NewEngine(logger)
	if err != nil {
		return nil, nil, err
	}
	if len(cfg.Paths) > 0 {
		if err := eng.LoadPolicies(ctx, cfg.Paths); err != nil {
			return nil, nil, err
		}
	}
	for _, name := range cfg.Disabled {
		if err := eng.DisablePolicy(name); err != nil {
			return nil, nil, err
		}
	}

	if !cfg.Watch || len(cfg.Paths) == 0 {
		return eng, nil, nil
	}
	loader, err := eng.Watch(ctx, cfg.Paths)
	if err != nil {
		return nil, nil, err
	}
	return eng, loader, nil
}

func newSimulateCommand() *cobra.Command {
	var (
		instances   int
		concurrency int
		updates     int
		complete    bool
		processID   string
	)

	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Drive process instances through a session",
		Long: `Start, update and optionally complete process instances against the
configured store, with the configured cache, policies and telemetry.

Instances run concurrently; the events of one instance stay ordered.`,
		Example: `  # 1000 instances, 16 at a time, 5 variable changes each, then completed
  factsync simulate --instances 1000 --concurrency 16 --updates 5 --complete`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if verbose {
				cfg.Telemetry.Logging.Level = "debug"
			}
			// The summary counts events, so they are delivered inline.
			cfg.Telemetry.Events.Enabled = true
			cfg.Telemetry.Events.EnableAsync = false

			tel, err := telemetry.NewTelemetry(&cfg.Telemetry, cmd.ErrOrStderr())
			if err != nil {
				return fmt.Errorf("failed to initialize telemetry: %w", err)
			}
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := tel.Shutdown(shutdownCtx); err != nil {
					log.Warn().Err(err).Msg("Telemetry shutdown failed")
				}
			}()

			errc := make(chan error, 1)
			if err := tel.StartMetricsServer(errc); err != nil {
				return err
			}

			var inserted, updated, retracted, denied atomic.Int64
			tel.Events.Subscribe(func(e telemetry.Event) {
				switch e.Type {
				case telemetry.EventTypeFactInserted:
					inserted.Add(1)
				case telemetry.EventTypeFactUpdated:
					updated.Add(1)
				case telemetry.EventTypeFactRetracted:
					retracted.Add(1)
				case telemetry.EventTypePolicyDenied:
					denied.Add(1)
				}
			}, nil)

			logger := tel.Logger.Zerolog()

			eng, loader, err := newPolicyEngine(ctx, cfg.Policy, logger)
			if err != nil {
				return fmt.Errorf("failed to load policies: %w", err)
			}
			if loader != nil {
				defer loader.StopWatching()
			}

			base, err := openStore(ctx, cfg)
			if err != nil {
				return err
			}
			store := stores.Instrument(base, tel)

			opts := []session.Option{
				session.WithTelemetry(tel),
				session.WithShards(cfg.Cache.Shards),
				session.WithOwnedStore(),
			}
			if eng != nil {
				opts = append(opts, session.WithAdmitter(eng))
			}
			sess, err := session.New(store, opts...)
			if err != nil {
				base.Close()
				return err
			}

			support := process.NewEventSupport()
			sess.Attach(support)

			driver, err := process.NewDriver(ctx, store, support, process.WithDriverLogger(logger))
			if err != nil {
				sess.Close()
				return err
			}

			log.Info().
				Int("instances", instances).
				Int("concurrency", concurrency).
				Int("updates", updates).
				Bool("complete", complete).
				Str("driver", string(cfg.Store.Driver)).
				Msg("Starting simulation")

			start := time.Now()
			result, runErr := driver.Run(ctx, process.BatchConfig{
				ProcessID:   processID,
				Instances:   instances,
				Concurrency: concurrency,
				Updates:     updates,
				Complete:    complete,
			})
			elapsed := time.Since(start)

			records, listErr := store.List(ctx)
			summary := simulateSummary{
				BatchResult:  result,
				CacheEntries: sess.Cache().Len(),
				StoreFacts:   len(records),
				Elapsed:      elapsed,
			}
			if err := sess.Close(); err != nil {
				log.Warn().Err(err).Msg("Session close failed")
			}
			if err := tel.Events.Shutdown(ctx); err != nil {
				log.Debug().Err(err).Msg("Event publisher shutdown")
			}
			summary.Inserted = inserted.Load()
			summary.Updated = updated.Load()
			summary.Retracted = retracted.Load()
			summary.Denied = denied.Load()

			select {
			case err := <-errc:
				log.Warn().Err(err).Msg("Metrics server failed")
			default:
			}

			if runErr != nil {
				return fmt.Errorf("simulation stopped: %w", runErr)
			}
			if listErr != nil {
				return fmt.Errorf("failed to count facts: %w", listErr)
			}

			out := cmd.OutOrStdout()
			if jsonOutput {
				return printJSON(out, summary)
			}

			fmt.Fprintf(out, "Simulated %d instance(s) in %s\n\n", summary.Started, summary.Elapsed.Round(time.Millisecond))
			fmt.Fprintf(out, "  started:          %d\n", summary.Started)
			fmt.Fprintf(out, "  variable changes: %d\n", summary.BatchResult.Updated)
			fmt.Fprintf(out, "  completed:        %d\n", summary.Completed)
			fmt.Fprintf(out, "  facts inserted:   %d\n", summary.Inserted)
			fmt.Fprintf(out, "  facts updated:    %d\n", summary.Updated)
			fmt.Fprintf(out, "  facts retracted:  %d\n", summary.Retracted)
			fmt.Fprintf(out, "  denied by policy: %d\n", summary.Denied)
			fmt.Fprintf(out, "  cache entries:    %d\n", summary.CacheEntries)
			fmt.Fprintf(out, "  facts in store:   %d\n", summary.StoreFacts)
			return nil
		},
	}

	cmd.Flags().IntVarP(&instances, "instances", "n", 100, "number of process instances")
	cmd.Flags().IntVar(&concurrency, "concurrency", 8, "instances driven at once")
	cmd.Flags().IntVar(&updates, "updates", 3, "variable changes per instance")
	cmd.Flags().BoolVar(&complete, "complete", false, "complete every instance")
	cmd.Flags().StringVar(&processID, "process-id", "simulated", "process definition id")

	return cmd
}
