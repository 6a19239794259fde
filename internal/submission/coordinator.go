package submission

import (
	"context"
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/fieldinspect/internal/auth"
	"github.com/MarcoPoloResearchLab/fieldinspect/internal/connectivity"
	"github.com/MarcoPoloResearchLab/fieldinspect/internal/inspections"
	"github.com/MarcoPoloResearchLab/fieldinspect/internal/metrics"
	"github.com/MarcoPoloResearchLab/fieldinspect/internal/remote"
	"go.uber.org/zap"
)

var (
	errMissingStore        = errors.New("local store is required")
	errMissingGateway      = errors.New("remote gateway is required")
	errMissingConnectivity = errors.New("connectivity provider is required")
	errMissingUsers        = errors.New("current user provider is required")
	// ErrNoCurrentUser is returned when a workflow needs an inspector but nobody is signed in.
	ErrNoCurrentUser = errors.New("no inspector is signed in")
	// ErrEmptyPatch is returned for partial updates that would change nothing.
	ErrEmptyPatch = errors.New("patch changes no fields")
	noOpLogger    = zap.NewNop()
)

const (
	opCoordinatorNew = "submission.coordinator.new"
	opSubmit         = "submission.submit"
	opUpdate         = "submission.update"
	opRelease        = "submission.release"
)

// Status is the durable outcome of a submission or update.
type Status string

const (
	// StatusSynced means the change is stored remotely.
	StatusSynced Status = "synced"
	// StatusPending means the change is stored locally and awaits reconciliation.
	StatusPending Status = "pending"
	// StatusSkipped means there was no record to apply an update to.
	StatusSkipped Status = "skipped"
)

type LocalStore interface {
	Put(ctx context.Context, record inspections.Record) error
	Get(ctx context.Context, localID string) (inspections.Record, bool, error)
	GetByServerID(ctx context.Context, serverID string) (inspections.Record, bool, error)
	Update(ctx context.Context, localID string, patch inspections.Patch) error
}

type RemoteGateway interface {
	UploadPhotos(ctx context.Context, record inspections.Record) (inspections.Record, int, error)
	Create(ctx context.Context, record inspections.Record) (string, error)
	Merge(ctx context.Context, serverID string, patch inspections.Patch) error
}

type Config struct {
	Store        LocalStore
	Gateway      RemoteGateway
	Connectivity connectivity.Provider
	Users        auth.CurrentUserProvider
	IDProvider   inspections.LocalIDProvider
	Clock        func() time.Time
	Logger       *zap.Logger
	Metrics      *metrics.Recorder
}

// Outcome reports where a submitted record ended up. RemoteErr holds the
// remote failure that forced a local fallback, if any.
type Outcome struct {
	Status       Status
	LocalID      string
	ServerID     string
	RemoteErr    error
	RemoteDenied bool
}

// Coordinator decides, per submission, whether a record goes straight to the
// remote store or is persisted locally for later reconciliation.
type Coordinator struct {
	store        LocalStore
	gateway      RemoteGateway
	connectivity connectivity.Provider
	users        auth.CurrentUserProvider
	ids          inspections.LocalIDProvider
	clock        func() time.Time
	logger       *zap.Logger
	metrics      *metrics.Recorder
}

func NewCoordinator(cfg Config) (*Coordinator, error) {
	if cfg.Store == nil {
		return nil, inspections.NewServiceError(opCoordinatorNew, "missing_store", errMissingStore)
	}
	if cfg.Gateway == nil {
		return nil, inspections.NewServiceError(opCoordinatorNew, "missing_gateway", errMissingGateway)
	}
	if cfg.Connectivity == nil {
		return nil, inspections.NewServiceError(opCoordinatorNew, "missing_connectivity", errMissingConnectivity)
	}
	if cfg.Users == nil {
		return nil, inspections.NewServiceError(opCoordinatorNew, "missing_users", errMissingUsers)
	}
	ids := cfg.IDProvider
	if ids == nil {
		ids = inspections.NewLocalIDProvider()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Coordinator{
		store:        cfg.Store,
		gateway:      cfg.Gateway,
		connectivity: cfg.Connectivity,
		users:        cfg.Users,
		ids:          ids,
		clock:        clock,
		logger:       logger,
		metrics:      cfg.Metrics,
	}, nil
}

// Submit persists a new inspection. It returns exactly one durable outcome:
// synced (remote document created) or pending (local record written). An
// error means the record was not saved anywhere.
func (c *Coordinator) Submit(ctx context.Context, draft inspections.Draft) (Outcome, error) {
	user, ok := c.users.CurrentUser()
	if !ok {
		c.metrics.Submission("failed")
		return Outcome{}, inspections.NewServiceError(opSubmit, "missing_user", ErrNoCurrentUser)
	}
	if err := draft.Validate(); err != nil {
		c.metrics.Submission("failed")
		return Outcome{}, inspections.NewServiceError(opSubmit, "invalid_draft", err)
	}
	localID, err := c.ids.NewLocalID()
	if err != nil {
		c.logError(opSubmit, "id_generation_failed", err)
		c.metrics.Submission("failed")
		return Outcome{}, inspections.NewServiceError(opSubmit, "id_generation_failed", err)
	}
	record := draft.ToRecord(localID, inspector(user), c.clock())

	var remoteErr error
	if c.connectivity.Online() {
		serverID, err := c.submitRemote(ctx, record)
		if err == nil {
			c.metrics.Submission(string(StatusSynced))
			return Outcome{Status: StatusSynced, LocalID: localID, ServerID: serverID}, nil
		}
		remoteErr = err
		c.logger.Warn("remote submission failed, keeping record locally",
			zap.String("local_id", localID),
			zap.Bool("permission_denied", remote.IsPermissionDenied(err)),
			zap.Error(err))
	}

	if err := c.store.Put(ctx, record); err != nil {
		c.logError(opSubmit, "local_put_failed", err, zap.String("local_id", localID))
		c.metrics.Submission("failed")
		return Outcome{}, inspections.NewServiceError(opSubmit, "local_put_failed", errors.Join(err, remoteErr))
	}
	c.metrics.Submission(string(StatusPending))
	return Outcome{
		Status:       StatusPending,
		LocalID:      localID,
		RemoteErr:    remoteErr,
		RemoteDenied: remote.IsPermissionDenied(remoteErr),
	}, nil
}

// submitRemote uploads photos, then creates the document. Nothing is kept
// locally unless the document write succeeds, in which case a synced mirror
// without payloads is written on a best-effort basis.
func (c *Coordinator) submitRemote(ctx context.Context, record inspections.Record) (string, error) {
	uploaded, _, err := c.gateway.UploadPhotos(ctx, record)
	if err != nil {
		return "", err
	}
	serverID, err := c.gateway.Create(ctx, uploaded)
	if err != nil {
		return "", err
	}
	mirror := uploaded.WithoutPayloads()
	mirror.ServerID = serverID
	mirror.NeedsSync = false
	if err := c.store.Put(ctx, mirror); err != nil {
		c.logger.Warn("local mirror write failed",
			zap.String("local_id", record.LocalID),
			zap.String("server_id", serverID),
			zap.Error(err))
	}
	return serverID, nil
}

// UpdateOutcome reports where a partial update was applied.
type UpdateOutcome struct {
	Status       Status
	LocalID      string
	ServerID     string
	RemoteErr    error
	RemoteDenied bool
}

// Update applies a partial update to the record named id, which may be a
// local or a server identifier. Online updates to known documents are
// written remotely; everything else flips the local copy back to pending.
func (c *Coordinator) Update(ctx context.Context, id string, patch inspections.Patch) (UpdateOutcome, error) {
	if patch.IsEmpty() {
		return UpdateOutcome{}, inspections.NewServiceError(opUpdate, "empty_patch", ErrEmptyPatch)
	}
	local, found, lookupErr := c.findLocal(ctx, id)
	serverID := local.ServerID
	if inspections.LooksServerAssigned(id) {
		serverID = id
	}
	outcome := UpdateOutcome{LocalID: local.LocalID, ServerID: serverID}

	if c.connectivity.Online() && serverID != "" {
		err := c.gateway.Merge(ctx, serverID, patch)
		if err == nil {
			if found {
				if err := c.store.Update(ctx, local.LocalID, patch); err != nil {
					c.logger.Warn("local mirror update failed", zap.String("local_id", local.LocalID), zap.Error(err))
				}
			}
			outcome.Status = StatusSynced
			c.metrics.Update(string(StatusSynced))
			return outcome, nil
		}
		outcome.RemoteErr = err
		outcome.RemoteDenied = remote.IsPermissionDenied(err)
		c.logger.Warn("remote update failed, falling back to local record",
			zap.String("server_id", serverID),
			zap.Error(err))
	}

	if lookupErr != nil {
		c.logError(opUpdate, "local_lookup_failed", lookupErr, zap.String("id", id))
		c.metrics.Update("failed")
		return UpdateOutcome{}, inspections.NewServiceError(opUpdate, "local_lookup_failed", errors.Join(lookupErr, outcome.RemoteErr))
	}
	if !found {
		c.logger.Warn("no local record to update", zap.String("id", id))
		outcome.Status = StatusSkipped
		c.metrics.Update(string(StatusSkipped))
		return outcome, nil
	}
	if err := c.store.Update(ctx, local.LocalID, patch.WithNeedsSync(true)); err != nil {
		c.logError(opUpdate, "local_update_failed", err, zap.String("local_id", local.LocalID))
		c.metrics.Update("failed")
		return UpdateOutcome{}, inspections.NewServiceError(opUpdate, "local_update_failed", errors.Join(err, outcome.RemoteErr))
	}
	outcome.Status = StatusPending
	c.metrics.Update(string(StatusPending))
	return outcome, nil
}

// Release marks the record named id as released by the current inspector.
func (c *Coordinator) Release(ctx context.Context, id string) (UpdateOutcome, error) {
	user, ok := c.users.CurrentUser()
	if !ok {
		return UpdateOutcome{}, inspections.NewServiceError(opRelease, "missing_user", ErrNoCurrentUser)
	}
	return c.Update(ctx, id, inspections.ReleasePatch(inspector(user), c.clock()))
}

func (c *Coordinator) findLocal(ctx context.Context, id string) (inspections.Record, bool, error) {
	if inspections.LooksServerAssigned(id) {
		return c.store.GetByServerID(ctx, id)
	}
	return c.store.Get(ctx, id)
}

func inspector(user auth.User) inspections.Inspector {
	return inspections.Inspector{ID: user.UserID, Name: user.DisplayName}
}

func (c *Coordinator) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	c.logger.Error("submission error", attrs...)
}
