package localstore

import (
	"context"
	"errors"
	"reflect"
	"sync/atomic"
	"time"

	"github.com/MarcoPoloResearchLab/fieldinspect/internal/inspections"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// ErrUnavailable is returned when the store cannot be used in the current
// execution context. It is never used to signal a missing record.
var ErrUnavailable = errors.New("localstore: store unavailable")

var (
	errMissingLocalID = errors.New("local id is required")
	noOpLogger        = zap.NewNop()
)

const (
	opPut           = "localstore.put"
	opGet           = "localstore.get"
	opGetByServerID = "localstore.get_by_server_id"
	opListAll       = "localstore.list_all"
	opListPending   = "localstore.list_pending"
	opCountPending  = "localstore.count_pending"
	opUpdate        = "localstore.update"
	opMarkSynced    = "localstore.mark_synced"
	opAttachUploads = "localstore.attach_uploads"
	opDelete        = "localstore.delete"
)

type Config struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Store is the durable on-device record store.
type Store struct {
	db     *gorm.DB
	clock  func() time.Time
	logger *zap.Logger
	closed atomic.Bool
}

// NewStore wraps an opened database. A nil database yields a store that
// reports ErrUnavailable from every operation.
func NewStore(cfg Config) *Store {
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Store{db: cfg.Database, clock: clock, logger: logger}
}

// Unavailable returns a store for contexts without device storage.
func Unavailable() *Store {
	return NewStore(Config{})
}

// Close releases the underlying connection. Later calls fail with ErrUnavailable.
func (s *Store) Close() error {
	if s == nil || s.db == nil || s.closed.Swap(true) {
		return nil
	}
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *Store) handle(ctx context.Context, operation string) (*gorm.DB, error) {
	if s == nil || s.db == nil || s.closed.Load() {
		return nil, inspections.NewServiceError(operation, "unavailable", ErrUnavailable)
	}
	return s.db.WithContext(ctx), nil
}

// Put inserts or replaces the record keyed by its LocalID.
func (s *Store) Put(ctx context.Context, record inspections.Record) error {
	db, err := s.handle(ctx, opPut)
	if err != nil {
		return err
	}
	if record.LocalID == "" {
		return inspections.NewServiceError(opPut, "missing_local_id", errMissingLocalID)
	}
	row, err := rowFromRecord(record, s.clock().UTC().UnixMilli())
	if err != nil {
		s.logError(opPut, "encode_failed", err, zap.String("local_id", record.LocalID))
		return inspections.NewServiceError(opPut, "encode_failed", err)
	}
	if err := db.Save(&row).Error; err != nil {
		s.logError(opPut, "save_failed", err, zap.String("local_id", record.LocalID))
		return inspections.NewServiceError(opPut, "save_failed", err)
	}
	return nil
}

// Get returns the record stored under localID. A missing record is reported
// through the boolean, not as an error.
func (s *Store) Get(ctx context.Context, localID string) (inspections.Record, bool, error) {
	db, err := s.handle(ctx, opGet)
	if err != nil {
		return inspections.Record{}, false, err
	}
	return s.takeOne(opGet, db.Where("local_id = ?", localID))
}

// GetByServerID returns the local copy of a record already known to the server.
func (s *Store) GetByServerID(ctx context.Context, serverID string) (inspections.Record, bool, error) {
	db, err := s.handle(ctx, opGetByServerID)
	if err != nil {
		return inspections.Record{}, false, err
	}
	if serverID == "" {
		return inspections.Record{}, false, nil
	}
	return s.takeOne(opGetByServerID, db.Where("server_id = ?", serverID).Order("updated_at_ms DESC"))
}

func (s *Store) takeOne(operation string, query *gorm.DB) (inspections.Record, bool, error) {
	var row recordRow
	err := query.Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return inspections.Record{}, false, nil
	}
	if err != nil {
		s.logError(operation, "select_failed", err)
		return inspections.Record{}, false, inspections.NewServiceError(operation, "select_failed", err)
	}
	record, err := row.toRecord()
	if err != nil {
		s.logError(operation, "decode_failed", err)
		return inspections.Record{}, false, inspections.NewServiceError(operation, "decode_failed", err)
	}
	return record, true, nil
}

// ListAll returns every stored record ordered by creation timestamp.
func (s *Store) ListAll(ctx context.Context) ([]inspections.Record, error) {
	db, err := s.handle(ctx, opListAll)
	if err != nil {
		return nil, err
	}
	return s.findMany(opListAll, db)
}

// ListPending returns the records still waiting for reconciliation.
func (s *Store) ListPending(ctx context.Context) ([]inspections.Record, error) {
	db, err := s.handle(ctx, opListPending)
	if err != nil {
		return nil, err
	}
	return s.findMany(opListPending, db.Where("needs_sync = ?", true))
}

// CountPending returns the number of records waiting for reconciliation.
func (s *Store) CountPending(ctx context.Context) (int64, error) {
	db, err := s.handle(ctx, opCountPending)
	if err != nil {
		return 0, err
	}
	var count int64
	if err := db.Model(&recordRow{}).Where("needs_sync = ?", true).Count(&count).Error; err != nil {
		s.logError(opCountPending, "count_failed", err)
		return 0, inspections.NewServiceError(opCountPending, "count_failed", err)
	}
	return count, nil
}

func (s *Store) findMany(operation string, query *gorm.DB) ([]inspections.Record, error) {
	var rows []recordRow
	if err := query.Order("timestamp ASC").Order("local_id ASC").Find(&rows).Error; err != nil {
		s.logError(operation, "select_failed", err)
		return nil, inspections.NewServiceError(operation, "select_failed", err)
	}
	records := make([]inspections.Record, 0, len(rows))
	for _, row := range rows {
		record, err := row.toRecord()
		if err != nil {
			s.logError(operation, "decode_failed", err, zap.String("local_id", row.LocalID))
			return nil, inspections.NewServiceError(operation, "decode_failed", err)
		}
		records = append(records, record)
	}
	return records, nil
}

// Update merges patch into the record stored under localID. Patching a
// record that does not exist is logged and otherwise ignored.
func (s *Store) Update(ctx context.Context, localID string, patch inspections.Patch) error {
	return s.rewrite(ctx, opUpdate, localID, patch.Apply)
}

// MarkSynced records that snapshot reached the remote store as uploaded under
// serverID. NeedsSync is cleared only while the stored record still equals
// snapshot. A record edited after the snapshot was taken stays pending and
// only gains the server id and the uploaded photo URLs. The boolean reports
// whether the record was cleared; a record deleted in the meantime counts as
// cleared.
func (s *Store) MarkSynced(ctx context.Context, snapshot, uploaded inspections.Record, serverID string) (bool, error) {
	settled := true
	err := s.rewrite(ctx, opMarkSynced, snapshot.LocalID, func(current inspections.Record) inspections.Record {
		settled = reflect.DeepEqual(current, snapshot)
		next := current.WithUploadedURLs(uploaded)
		next.ServerID = serverID
		next.NeedsSync = !settled
		return next
	})
	if err != nil {
		return false, err
	}
	return settled, nil
}

// AttachUploads keeps the remote URLs of photos uploaded before a pass failed.
// Every other field is left as currently stored.
func (s *Store) AttachUploads(ctx context.Context, uploaded inspections.Record) error {
	return s.rewrite(ctx, opAttachUploads, uploaded.LocalID, func(current inspections.Record) inspections.Record {
		return current.WithUploadedURLs(uploaded)
	})
}

func (s *Store) rewrite(ctx context.Context, operation, localID string, change func(inspections.Record) inspections.Record) error {
	db, err := s.handle(ctx, operation)
	if err != nil {
		return err
	}
	return db.Transaction(func(tx *gorm.DB) error {
		var row recordRow
		err := tx.Where("local_id = ?", localID).Take(&row).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			s.loggerOrDefault().Warn("local record missing for update",
				zap.String("operation", operation),
				zap.String("local_id", localID))
			return nil
		}
		if err != nil {
			s.logError(operation, "select_failed", err, zap.String("local_id", localID))
			return inspections.NewServiceError(operation, "select_failed", err)
		}
		current, err := row.toRecord()
		if err != nil {
			s.logError(operation, "decode_failed", err, zap.String("local_id", localID))
			return inspections.NewServiceError(operation, "decode_failed", err)
		}
		updatedRow, err := rowFromRecord(change(current), s.clock().UTC().UnixMilli())
		if err != nil {
			s.logError(operation, "encode_failed", err, zap.String("local_id", localID))
			return inspections.NewServiceError(operation, "encode_failed", err)
		}
		if err := tx.Save(&updatedRow).Error; err != nil {
			s.logError(operation, "save_failed", err, zap.String("local_id", localID))
			return inspections.NewServiceError(operation, "save_failed", err)
		}
		return nil
	})
}

// Delete removes the record stored under localID.
func (s *Store) Delete(ctx context.Context, localID string) error {
	db, err := s.handle(ctx, opDelete)
	if err != nil {
		return err
	}
	if err := db.Where("local_id = ?", localID).Delete(&recordRow{}).Error; err != nil {
		s.logError(opDelete, "delete_failed", err, zap.String("local_id", localID))
		return inspections.NewServiceError(opDelete, "delete_failed", err)
	}
	return nil
}

func (s *Store) loggerOrDefault() *zap.Logger {
	if s == nil || s.logger == nil {
		return noOpLogger
	}
	return s.logger
}

func (s *Store) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.loggerOrDefault().Error("local store error", attrs...)
}
