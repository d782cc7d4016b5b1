package commands

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/convergo/convergo/pkg/config"
	"github.com/convergo/convergo/pkg/engine"
	"github.com/convergo/convergo/pkg/facts"
	"github.com/convergo/convergo/pkg/modules"
	"github.com/convergo/convergo/pkg/policy"
	"github.com/convergo/convergo/pkg/stores"
	"github.com/convergo/convergo/pkg/telemetry"
)

type runFlags struct {
	vars        []string
	varsFile    string
	tags        []string
	strict      bool
	noHistory   bool
	timeout     time.Duration
	policyFiles []string
	policyMode  string
}

func newRunCommand(version string) *cobra.Command {
	flags := &runFlags{}

	cmd := &cobra.Command{
		Use:   "run <playbook.yaml>",
		Short: "Reconcile the host against a playbook",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			result, err := executePlaybook(cmd.Context(), args[0], flags, version, false)
			if err != nil {
				return err
			}
			if result.Status == engine.RunStatusFailed {
				return fmt.Errorf("run failed: %d task(s) failed", result.Summary.Failed)
			}
			return nil
		},
	}

	addRunFlags(cmd, flags)
	return cmd
}

func addRunFlags(cmd *cobra.Command, flags *runFlags) {
	cmd.Flags().StringArrayVar(&flags.vars, "var", nil, "set a variable (key=value, repeatable)")
	cmd.Flags().StringVar(&flags.varsFile, "vars-file", "", "YAML file with extra variables")
	cmd.Flags().StringSliceVar(&flags.tags, "tags", nil, "only run tasks carrying one of these tags")
	cmd.Flags().BoolVar(&flags.strict, "strict", false, "fail on undefined guard or template references")
	cmd.Flags().BoolVar(&flags.noHistory, "no-history", false, "skip persisting the run to history")
	cmd.Flags().DurationVar(&flags.timeout, "task-timeout", engine.DefaultTaskTimeout, "default per-task timeout")
	cmd.Flags().StringArrayVar(&flags.policyFiles, "policy", nil, "Rego policy file to gate the run (repeatable)")
	cmd.Flags().StringVar(&flags.policyMode, "policy-mode", string(policy.ModeEnforcing), "policy mode (enforcing, advisory)")
}

// executePlaybook wires the full pipeline: load, build, gate, gather,
// reconcile, report, persist.
func executePlaybook(ctx context.Context, path string, flags *runFlags, version string, dryRun bool) (*engine.RunResult, error) {
	tracer, err := telemetry.NewTracer(telemetry.TracingConfig{
		Enabled:       traceExporter != "none",
		Exporter:      traceExporter,
		Endpoint:      traceEndpoint,
		SamplingRate:  1.0,
		ExportTimeout: 30 * time.Second,
		Insecure:      true,
	}, "convergo", version, "local")
	if err != nil {
		return nil, err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = tracer.Shutdown(shutdownCtx)
	}()

	metrics := telemetry.NewMetrics(telemetry.MetricsConfig{
		Enabled:       metricsListen != "",
		ListenAddress: metricsListen,
		Namespace:     "convergo",
	})

	renderer := config.NewTemplateRenderer()
	guards := config.NewStarlarkGuards(0)
	registry := modules.DefaultRegistry(renderer)

	pb, err := config.Load(path, renderer)
	if err != nil {
		return nil, err
	}

	graph, err := engine.NewGraphBuilder(registry, guards, renderer).
		Build(pb.Tasks, pb.Handlers, flags.tags)
	if err != nil {
		return nil, err
	}

	if len(flags.policyFiles) > 0 {
		pe := policy.NewEngine(policy.Mode(flags.policyMode))
		for _, pf := range flags.policyFiles {
			if err := pe.LoadPolicyFile(ctx, pf); err != nil {
				return nil, err
			}
		}
		decision, err := pe.EvaluateGraph(ctx, graph, registry)
		if err != nil {
			return nil, err
		}
		if !decision.Allowed {
			return nil, engine.NewConfigError(
				fmt.Sprintf("policy denied the run: %s", strings.Join(decision.Denials, "; ")), nil).
				WithCode(engine.ErrCodePolicyDenied)
		}
	}

	vars, err := collectVars(pb.Vars, flags)
	if err != nil {
		return nil, err
	}

	log.Info().Str("playbook", pb.Name).Msg("Gathering facts")
	factSet := facts.NewGatherer().Gather(ctx)
	host := &engine.HostState{Facts: factSet, Vars: vars}

	reconciler := engine.NewReconciler(registry, guards, renderer, engine.Options{
		DefaultTimeout: flags.timeout,
		Strict:         flags.strict,
		DryRun:         dryRun,
		Metrics:        metrics,
	})

	result := reconciler.Run(ctx, graph, host)
	result.Playbook = pb.Name

	if jsonOutput {
		if err := result.WriteJSON(os.Stdout); err != nil {
			return nil, err
		}
	} else {
		result.WriteText(os.Stdout)
	}

	if !flags.noHistory && !dryRun {
		if err := persistRun(ctx, result, factSet); err != nil {
			log.Warn().Err(err).Msg("Failed to persist run history")
		}
	}
	return result, nil
}

// collectVars layers playbook vars, vars-file, then --var overrides.
func collectVars(base map[string]any, flags *runFlags) (map[string]any, error) {
	vars := make(map[string]any, len(base))
	for k, v := range base {
		vars[k] = v
	}

	if flags.varsFile != "" {
		data, err := os.ReadFile(flags.varsFile)
		if err != nil {
			return nil, fmt.Errorf("read vars file: %w", err)
		}
		var extra map[string]any
		if err := yaml.Unmarshal(data, &extra); err != nil {
			return nil, fmt.Errorf("parse vars file: %w", err)
		}
		for k, v := range extra {
			vars[k] = v
		}
	}

	for _, kv := range flags.vars {
		key, value, ok := strings.Cut(kv, "=")
		if !ok {
			return nil, fmt.Errorf("invalid --var %q, want key=value", kv)
		}
		vars[key] = value
	}
	return vars, nil
}

func persistRun(ctx context.Context, result *engine.RunResult, factSet map[string]any) error {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return err
	}
	store, err := stores.NewSQLiteStore(dbPath)
	if err != nil {
		return err
	}
	if err := store.Init(ctx); err != nil {
		return err
	}
	defer store.Close()
	if err := store.Migrate(ctx); err != nil {
		return err
	}
	return store.SaveRun(ctx, result, factSet)
}

func defaultDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "convergo-history.db"
	}
	return filepath.Join(home, ".convergo", "history.db")
}
