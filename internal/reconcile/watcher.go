package reconcile

import (
	"context"
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/fieldinspect/internal/auth"
	"github.com/MarcoPoloResearchLab/fieldinspect/internal/connectivity"
	"github.com/MarcoPoloResearchLab/fieldinspect/internal/inspections"
	"github.com/MarcoPoloResearchLab/fieldinspect/internal/metrics"
	"go.uber.org/zap"
)

// DefaultDebounce is how long connectivity must stay up before a pass starts.
const DefaultDebounce = 2 * time.Second

const opWatcherNew = "reconcile.watcher.new"

var (
	errMissingRunner = errors.New("reconciliation runner is required")
	errMissingSignal = errors.New("connectivity signal is required")
	errMissingUsers  = errors.New("current user provider is required")
)

// Runner executes one reconciliation pass.
type Runner interface {
	Run(ctx context.Context) (BatchResult, error)
}

// TransitionSource is the part of connectivity.Signal the watcher needs.
type TransitionSource interface {
	Online() bool
	Subscribe(ctx context.Context) (<-chan connectivity.Transition, func())
}

type WatcherConfig struct {
	Runner   Runner
	Signal   TransitionSource
	Users    auth.CurrentUserProvider
	Debounce time.Duration
	Logger   *zap.Logger
	Metrics  *metrics.Recorder
}

// Watcher starts a reconciliation pass once connectivity has been restored
// for the debounce window and an inspector is signed in.
type Watcher struct {
	runner   Runner
	signal   TransitionSource
	users    auth.CurrentUserProvider
	debounce time.Duration
	logger   *zap.Logger
	metrics  *metrics.Recorder
}

func NewWatcher(cfg WatcherConfig) (*Watcher, error) {
	if cfg.Runner == nil {
		return nil, inspections.NewServiceError(opWatcherNew, "missing_runner", errMissingRunner)
	}
	if cfg.Signal == nil {
		return nil, inspections.NewServiceError(opWatcherNew, "missing_signal", errMissingSignal)
	}
	if cfg.Users == nil {
		return nil, inspections.NewServiceError(opWatcherNew, "missing_users", errMissingUsers)
	}
	debounce := cfg.Debounce
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Watcher{
		runner:   cfg.Runner,
		signal:   cfg.Signal,
		users:    cfg.Users,
		debounce: debounce,
		logger:   logger,
		metrics:  cfg.Metrics,
	}, nil
}

// Run blocks until ctx is cancelled. Going online arms the debounce timer,
// further online notifications reset it and going offline cancels it.
func (w *Watcher) Run(ctx context.Context) error {
	transitions, unsubscribe := w.signal.Subscribe(ctx)
	defer unsubscribe()

	var timer *time.Timer
	var fire <-chan time.Time
	disarm := func() {
		if timer != nil {
			timer.Stop()
		}
		timer = nil
		fire = nil
	}
	arm := func() {
		disarm()
		timer = time.NewTimer(w.debounce)
		fire = timer.C
	}
	defer disarm()

	online := w.signal.Online()
	w.metrics.Online(online)
	if online {
		arm()
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case transition := <-transitions:
			w.metrics.Online(transition.Online)
			if transition.Online {
				arm()
				continue
			}
			disarm()
		case <-fire:
			timer = nil
			fire = nil
			w.trigger(ctx)
		}
	}
}

func (w *Watcher) trigger(ctx context.Context) {
	if _, ok := w.users.CurrentUser(); !ok {
		w.logger.Debug("skipping reconciliation without a signed-in inspector")
		return
	}
	result, err := w.runner.Run(ctx)
	if err != nil {
		w.logger.Warn("reconciliation pass failed", zap.Error(err))
		return
	}
	if result.AlreadyRunning {
		w.logger.Debug("reconciliation already in progress")
	}
}
