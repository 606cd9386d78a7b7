package agent

import (
	"context"
	"math/rand/v2"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/openconverge/openconverge/pkg/config"
	"github.com/openconverge/openconverge/pkg/stores"
	"github.com/openconverge/openconverge/pkg/telemetry"
)

// Daemon runs convergence on an interval, reloading settings when the
// settings file changes on disk. Each cycle is a full run under the run
// lock, identical to a single-shot invocation.
type Daemon struct {
	settingsPath string
	settings     *config.Settings
	logger       *telemetry.Logger
	metrics      *telemetry.Metrics
	tracer       *telemetry.Tracer
	store        stores.Store
	version      string
}

// NewDaemon creates a daemon.
func NewDaemon(settingsPath string, settings *config.Settings, logger *telemetry.Logger, metrics *telemetry.Metrics, tracer *telemetry.Tracer, store stores.Store, version string) *Daemon {
	return &Daemon{
		settingsPath: settingsPath,
		settings:     settings,
		logger:       logger.NewComponentLogger("daemon"),
		metrics:      metrics,
		tracer:       tracer,
		store:        store,
		version:      version,
	}
}

// Run blocks until ctx is cancelled, converging once immediately and then
// on every interval tick or settings change.
func (d *Daemon) Run(ctx context.Context) error {
	if err := d.metrics.StartMetricsServer(); err != nil {
		return err
	}

	reload := make(chan struct{}, 1)
	watcher, err := d.watchSettings(ctx, reload)
	if err != nil {
		d.logger.WithError(err).Warn("Settings watch unavailable; changes apply on next restart")
	}
	if watcher != nil {
		defer func() { _ = watcher.Close() }()
	}

	d.convergeOnce(ctx)

	timer := time.NewTimer(d.nextInterval())
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			d.logger.Info("Daemon stopping")
			return ctx.Err()
		case <-reload:
			if err := d.reloadSettings(); err != nil {
				d.logger.WithError(err).Error("Settings reload failed; keeping previous settings")
				continue
			}
			// A settings change re-converges immediately and restarts the
			// interval from now.
			d.convergeOnce(ctx)
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(d.nextInterval())
		case <-timer.C:
			d.convergeOnce(ctx)
			timer.Reset(d.nextInterval())
		}
	}
}

// nextInterval is the run interval plus up to 10% splay, so a fleet
// sharing a start time does not hit the compile servers in lockstep.
func (d *Daemon) nextInterval() time.Duration {
	interval := d.settings.RunInterval
	if splay := interval / 10; splay > 0 {
		interval += rand.N(splay)
	}
	return interval
}

func (d *Daemon) convergeOnce(ctx context.Context) {
	runner := NewRunner(d.settings, d.logger, d.metrics, d.tracer, d.store, d.version)
	outcome, _, err := runner.Converge(ctx)
	if err != nil {
		d.logger.WithError(err).Errorf("Run finished: %s", outcome)
		return
	}
	d.logger.Infof("Run finished: %s", outcome)
}

func (d *Daemon) reloadSettings() error {
	settings, err := config.Load(d.settingsPath)
	if err != nil {
		return err
	}
	d.settings = settings
	d.logger.Info("Settings reloaded")
	return nil
}

// watchSettings watches the settings file's directory. Editors typically
// replace the file by rename, so watching the file itself would lose the
// watch after the first change.
func (d *Daemon) watchSettings(ctx context.Context, reload chan<- struct{}) (*fsnotify.Watcher, error) {
	if d.settingsPath == "" {
		return nil, nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := watcher.Add(filepath.Dir(d.settingsPath)); err != nil {
		_ = watcher.Close()
		return nil, err
	}

	target := filepath.Clean(d.settingsPath)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != target {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				select {
				case reload <- struct{}{}:
				default:
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				d.logger.WithError(err).Warn("Settings watch error")
			}
		}
	}()
	return watcher, nil
}
