// Package daemon assembles the rotation and replay core: sqlite
// repositories, the browser driver factory, the orchestrator, the
// quota sweep scheduler and the workflow import watcher.
package daemon

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/rs/zerolog/log"

	"github.com/harun/postpilot/internal/config"
	"github.com/harun/postpilot/internal/logger"
	"github.com/harun/postpilot/pkg/credential"
	"github.com/harun/postpilot/pkg/driver"
	"github.com/harun/postpilot/pkg/orchestrator"
	"github.com/harun/postpilot/pkg/store"
)

// Daemon owns the long-lived components of the service
type Daemon struct {
	config *config.Config
	logger *logger.Logger

	db        *sql.DB
	creds     *store.CredentialStore
	workflows *store.WorkflowStore

	browser      *rod.Browser
	chromeCancel func()

	orchestrator *orchestrator.Orchestrator
	sweeper      *credential.SweepScheduler
	watcher      *store.ImportWatcher

	sink credential.NotificationSink

	running bool
	mu      sync.Mutex
}

// New creates a daemon. Components that need a live browser are wired
// in Start.
func New(cfg *config.Config, lg *logger.Logger, sink credential.NotificationSink) (*Daemon, error) {
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	db, err := store.Open(filepath.Join(cfg.DataDir, "postpilot.db"))
	if err != nil {
		return nil, err
	}

	d := &Daemon{
		config:    cfg,
		logger:    lg,
		db:        db,
		creds:     store.NewCredentialStore(db, sink),
		workflows: store.NewWorkflowStore(db),
		sink:      sink,
	}

	if err := d.ensurePools(context.Background()); err != nil {
		db.Close()
		return nil, err
	}

	return d, nil
}

// Start connects the browser and brings up the orchestrator, the quota
// sweep and the import watcher
func (d *Daemon) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.running {
		return fmt.Errorf("daemon already running")
	}

	if err := d.connectBrowser(); err != nil {
		return err
	}

	d.orchestrator = orchestrator.New(
		d.config.Orchestrator,
		d.workflows,
		d.creds,
		driver.NewFactory(d.browser, d.config.Browser.NavigationTimeout),
		d.sink,
	)

	d.sweeper = credential.NewSweepScheduler(d.orchestrator.Pools)
	if err := d.sweeper.Start(d.config.SweepSchedule); err != nil {
		return err
	}

	if d.config.ImportDir != "" {
		watcher, err := store.NewImportWatcher(d.workflows, d.config.ImportDir)
		if err != nil {
			return fmt.Errorf("failed to create import watcher: %w", err)
		}
		if err := watcher.Start(ctx); err != nil {
			return fmt.Errorf("failed to start import watcher: %w", err)
		}
		d.watcher = watcher
	}

	d.running = true
	log.Info().
		Int("pools", len(d.config.Pools)).
		Str("dataDir", d.config.DataDir).
		Msg("Daemon started")
	return nil
}

// RunWorkflow replays one workflow with a credential from the pool
func (d *Daemon) RunWorkflow(ctx context.Context, poolID, workflowID string, vars map[string]string) error {
	d.mu.Lock()
	orch := d.orchestrator
	d.mu.Unlock()
	if orch == nil {
		return fmt.Errorf("daemon not started")
	}

	result, err := orch.RunWorkflowForPlatform(ctx, poolID, workflowID, vars)
	if err != nil {
		return err
	}
	if !result.OverallSuccess {
		return fmt.Errorf("workflow %s failed: %s", workflowID, result.Error)
	}
	return nil
}

// RunTask looks up the best workflow for a (platform, task) pair and
// replays it
func (d *Daemon) RunTask(ctx context.Context, poolID, platform, taskType string, vars map[string]string) error {
	wf, err := d.workflows.FindForTask(ctx, platform, taskType)
	if err != nil {
		return err
	}
	if wf == nil {
		return fmt.Errorf("no workflow learned for %s/%s", platform, taskType)
	}
	return d.RunWorkflow(ctx, poolID, wf.ID, vars)
}

// Stop shuts components down in reverse start order
func (d *Daemon) Stop() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.running {
		return nil
	}

	if d.watcher != nil {
		if err := d.watcher.Stop(); err != nil {
			log.Warn().Err(err).Msg("Failed to stop import watcher")
		}
	}
	if d.sweeper != nil {
		d.sweeper.Stop()
	}

	if d.browser != nil {
		if err := d.browser.Close(); err != nil {
			log.Warn().Err(err).Msg("Failed to close browser")
		}
	}
	if d.chromeCancel != nil {
		d.chromeCancel()
	}

	if err := d.db.Close(); err != nil {
		log.Warn().Err(err).Msg("Failed to close database")
	}

	d.running = false
	log.Info().Msg("Daemon stopped")
	return nil
}

// ensurePools upserts the pool definitions declared in configuration.
// Member rows survive as-is; declaration only fixes platform, strategy
// and policy.
func (d *Daemon) ensurePools(ctx context.Context) error {
	for _, pc := range d.config.Pools {
		pool := credential.NewPool(pc.ID, pc.Platform, pc.Strategy, pc.Policy, d.sink)
		if err := d.creds.SavePool(ctx, pool); err != nil {
			return err
		}
	}
	return nil
}

// connectBrowser attaches to a running browser over CDP, or launches a
// headless one when no endpoint is configured
func (d *Daemon) connectBrowser() error {
	cdpURL := d.config.Browser.CDPUrl
	if cdpURL == "" {
		l := launcher.New().Headless(d.config.Browser.Headless)
		url, err := l.Launch()
		if err != nil {
			return fmt.Errorf("failed to launch browser: %w", err)
		}
		cdpURL = url
		d.chromeCancel = l.Kill
	}

	browser := rod.New().ControlURL(cdpURL)
	if err := browser.Connect(); err != nil {
		if d.chromeCancel != nil {
			d.chromeCancel()
		}
		return fmt.Errorf("failed to connect to browser: %w", err)
	}

	d.browser = browser
	log.Info().Str("cdpUrl", cdpURL).Msg("Browser connected")
	return nil
}
