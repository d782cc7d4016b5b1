package commands

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/convergo/convergo/pkg/telemetry"
)

func newWatchCommand(version string) *cobra.Command {
	flags := &runFlags{}
	var interval time.Duration

	cmd := &cobra.Command{
		Use:   "watch <playbook.yaml>",
		Short: "Re-reconcile whenever the playbook changes",
		Long: `Watch runs the playbook once, then re-runs it every time the file
changes on disk and on a fixed interval, keeping the host converged
against both playbook edits and external drift.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return watchLoop(cmd.Context(), args[0], flags, version, interval)
		},
	}

	addRunFlags(cmd, flags)
	cmd.Flags().DurationVar(&interval, "interval", 10*time.Minute, "periodic re-run interval (0 disables)")
	return cmd
}

func watchLoop(ctx context.Context, path string, flags *runFlags, version string, interval time.Duration) error {
	if metricsListen != "" {
		metrics := telemetry.NewMetrics(telemetry.MetricsConfig{
			Enabled:       true,
			ListenAddress: metricsListen,
			Namespace:     "convergo",
		})
		go func() {
			if err := metrics.Serve(); err != nil {
				log.Error().Err(err).Msg("Metrics endpoint failed")
			}
		}()
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	// Watch the directory: editors typically replace the file, which
	// drops a watch registered on the file itself.
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		return err
	}
	target := filepath.Clean(path)

	runOnce := func() {
		if _, err := executePlaybook(ctx, path, flags, version, false); err != nil {
			log.Error().Err(err).Msg("Run failed")
		}
	}
	runOnce()

	var timer *time.Timer
	if interval > 0 {
		timer = time.NewTimer(interval)
		defer timer.Stop()
	} else {
		timer = time.NewTimer(time.Hour)
		timer.Stop()
	}

	// Editors fire bursts of events per save; debounce before re-running.
	var debounce *time.Timer
	debounceCh := make(chan struct{}, 1)

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Watch cancelled")
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(500*time.Millisecond, func() {
				select {
				case debounceCh <- struct{}{}:
				default:
				}
			})

		case <-debounceCh:
			log.Info().Str("playbook", path).Msg("Playbook changed, re-running")
			runOnce()
			if interval > 0 {
				timer.Reset(interval)
			}

		case <-timer.C:
			log.Info().Msg("Interval elapsed, re-running")
			runOnce()
			timer.Reset(interval)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.Warn().Err(err).Msg("Watcher error")
		}
	}
}
