package reconcile

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/MarcoPoloResearchLab/fieldinspect/internal/connectivity"
	"github.com/MarcoPoloResearchLab/fieldinspect/internal/inspections"
	"github.com/MarcoPoloResearchLab/fieldinspect/internal/metrics"
	"github.com/MarcoPoloResearchLab/fieldinspect/internal/remote"
	"go.uber.org/zap"
)

// ErrRecordChanged reports a record edited locally while its previous contents
// were being written. The record stays pending for the next pass.
var ErrRecordChanged = errors.New("record changed during reconciliation")

var (
	errMissingStore        = errors.New("local store is required")
	errMissingGateway      = errors.New("remote gateway is required")
	errMissingConnectivity = errors.New("connectivity provider is required")
	noOpLogger             = zap.NewNop()
)

const (
	opEngineNew = "reconcile.engine.new"
	opRun       = "reconcile.run"
	opRecord    = "reconcile.record"
)

const (
	resultCompleted      = "completed"
	resultPartial        = "partial"
	resultFailed         = "failed"
	resultOffline        = "offline"
	resultAlreadyRunning = "already_running"
)

type LocalStore interface {
	ListPending(ctx context.Context) ([]inspections.Record, error)
	CountPending(ctx context.Context) (int64, error)
	MarkSynced(ctx context.Context, snapshot, uploaded inspections.Record, serverID string) (bool, error)
	AttachUploads(ctx context.Context, uploaded inspections.Record) error
}

type RemoteGateway interface {
	UploadPhotos(ctx context.Context, record inspections.Record) (inspections.Record, int, error)
	Create(ctx context.Context, record inspections.Record) (string, error)
	Upsert(ctx context.Context, serverID string, record inspections.Record) error
	FindByLocalID(ctx context.Context, localID string) (string, bool, error)
}

type Config struct {
	Store        LocalStore
	Gateway      RemoteGateway
	Connectivity connectivity.Provider
	Clock        func() time.Time
	Logger       *zap.Logger
	Metrics      *metrics.Recorder
}

// RecordFailure names a record that stayed pending after a pass.
type RecordFailure struct {
	LocalID string
	Err     error
}

// BatchResult summarises one reconciliation pass.
type BatchResult struct {
	Attempted      int
	Succeeded      int
	Failures       []RecordFailure
	AlreadyRunning bool
	Offline        bool
}

// Remaining reports how many attempted records are still pending.
func (r BatchResult) Remaining() int {
	return r.Attempted - r.Succeeded
}

// Engine drains pending local records into the remote store. At most one
// pass runs at a time per Engine.
type Engine struct {
	store        LocalStore
	gateway      RemoteGateway
	connectivity connectivity.Provider
	clock        func() time.Time
	logger       *zap.Logger
	metrics      *metrics.Recorder
	running      atomic.Bool
}

func NewEngine(cfg Config) (*Engine, error) {
	if cfg.Store == nil {
		return nil, inspections.NewServiceError(opEngineNew, "missing_store", errMissingStore)
	}
	if cfg.Gateway == nil {
		return nil, inspections.NewServiceError(opEngineNew, "missing_gateway", errMissingGateway)
	}
	if cfg.Connectivity == nil {
		return nil, inspections.NewServiceError(opEngineNew, "missing_connectivity", errMissingConnectivity)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Engine{
		store:        cfg.Store,
		gateway:      cfg.Gateway,
		connectivity: cfg.Connectivity,
		clock:        clock,
		logger:       logger,
		metrics:      cfg.Metrics,
	}, nil
}

// Running reports whether a pass is in flight.
func (e *Engine) Running() bool {
	return e.running.Load()
}

// Run performs one pass over the records pending at the time it starts.
// A call made while another pass is in flight returns immediately with
// AlreadyRunning set. Per-record failures are reported in the result; the
// returned error is reserved for failures that prevent the pass entirely.
func (e *Engine) Run(ctx context.Context) (BatchResult, error) {
	if !e.running.CompareAndSwap(false, true) {
		e.metrics.SyncSkipped(resultAlreadyRunning)
		return BatchResult{AlreadyRunning: true}, nil
	}
	defer e.running.Store(false)

	if !e.connectivity.Online() {
		e.metrics.SyncSkipped(resultOffline)
		return BatchResult{Offline: true}, nil
	}

	started := e.clock()
	pending, err := e.store.ListPending(ctx)
	if err != nil {
		e.logError(opRun, "list_pending_failed", err)
		e.metrics.SyncPass(resultFailed, 0, 0, -1, e.clock().Sub(started))
		return BatchResult{}, inspections.NewServiceError(opRun, "list_pending_failed", err)
	}

	result := BatchResult{Attempted: len(pending)}
	for _, record := range pending {
		if err := e.reconcileRecord(ctx, record); err != nil {
			result.Failures = append(result.Failures, RecordFailure{LocalID: record.LocalID, Err: err})
			if errors.Is(err, ErrRecordChanged) {
				e.logger.Info("record edited during pass, left pending", zap.String("local_id", record.LocalID))
				continue
			}
			e.logger.Warn("record left pending",
				zap.String("local_id", record.LocalID),
				zap.Bool("permission_denied", remote.IsPermissionDenied(err)),
				zap.Error(err))
			continue
		}
		result.Succeeded++
	}

	remaining, err := e.store.CountPending(ctx)
	if err != nil {
		remaining = -1
	}
	outcome := resultCompleted
	if len(result.Failures) > 0 {
		outcome = resultPartial
	}
	e.metrics.SyncPass(outcome, result.Succeeded, len(result.Failures), remaining, e.clock().Sub(started))
	if result.Attempted > 0 {
		e.logger.Info("reconciliation pass finished",
			zap.Int("attempted", result.Attempted),
			zap.Int("succeeded", result.Succeeded),
			zap.Int("failed", len(result.Failures)),
			zap.Int64("pending", remaining))
	}
	return result, nil
}

// reconcileRecord uploads outstanding photos, writes the document and marks
// the local record synced unless it was edited meanwhile. Uploaded photo URLs
// are kept locally even when a later step fails, so the next pass does not
// upload them again.
func (e *Engine) reconcileRecord(ctx context.Context, record inspections.Record) error {
	uploaded, count, err := e.gateway.UploadPhotos(ctx, record)
	if err != nil {
		e.persistProgress(ctx, uploaded, count)
		return err
	}

	serverID := record.ServerID
	if serverID == "" {
		existing, found, err := e.gateway.FindByLocalID(ctx, record.LocalID)
		if err != nil {
			e.persistProgress(ctx, uploaded, count)
			return err
		}
		if found {
			serverID = existing
			e.logger.Info("re-attaching record to existing document",
				zap.String("local_id", record.LocalID),
				zap.String("server_id", serverID))
		}
	}

	if serverID != "" {
		err = e.gateway.Upsert(ctx, serverID, uploaded)
	} else {
		serverID, err = e.gateway.Create(ctx, uploaded)
	}
	if err != nil {
		e.persistProgress(ctx, uploaded, count)
		return err
	}

	settled, err := e.store.MarkSynced(ctx, record, uploaded, serverID)
	if err != nil {
		e.logError(opRecord, "mark_synced_failed", err,
			zap.String("local_id", record.LocalID),
			zap.String("server_id", serverID))
		return inspections.NewServiceError(opRecord, "mark_synced_failed", err)
	}
	if !settled {
		return ErrRecordChanged
	}
	return nil
}

func (e *Engine) persistProgress(ctx context.Context, uploaded inspections.Record, count int) {
	if count == 0 {
		return
	}
	if err := e.store.AttachUploads(ctx, uploaded); err != nil {
		e.logger.Warn("failed to persist uploaded photo urls",
			zap.String("local_id", uploaded.LocalID),
			zap.Int("uploaded", count),
			zap.Error(err))
	}
}

func (e *Engine) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	e.logger.Error("reconciliation error", attrs...)
}
