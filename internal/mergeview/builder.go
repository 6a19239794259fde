package mergeview

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/MarcoPoloResearchLab/fieldinspect/internal/connectivity"
	"github.com/MarcoPoloResearchLab/fieldinspect/internal/inspections"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var (
	errMissingLocal        = errors.New("local reader is required")
	errMissingRemote       = errors.New("remote reader is required")
	errMissingConnectivity = errors.New("connectivity provider is required")
	noOpLogger             = zap.NewNop()
)

const (
	opBuilderNew = "mergeview.builder.new"
	opList       = "mergeview.list"
	opGet        = "mergeview.get"
)

type LocalReader interface {
	ListAll(ctx context.Context) ([]inspections.Record, error)
	Get(ctx context.Context, localID string) (inspections.Record, bool, error)
	GetByServerID(ctx context.Context, serverID string) (inspections.Record, bool, error)
}

type RemoteReader interface {
	List(ctx context.Context) ([]inspections.Record, error)
	GetByID(ctx context.Context, id string) (inspections.Record, bool, error)
}

type Config struct {
	Local        LocalReader
	Remote       RemoteReader
	Connectivity connectivity.Provider
	Logger       *zap.Logger
}

// Builder produces the presentation view of every known inspection by
// combining remote documents with local records on each read.
type Builder struct {
	local        LocalReader
	remote       RemoteReader
	connectivity connectivity.Provider
	logger       *zap.Logger
}

func NewBuilder(cfg Config) (*Builder, error) {
	if cfg.Local == nil {
		return nil, inspections.NewServiceError(opBuilderNew, "missing_local", errMissingLocal)
	}
	if cfg.Remote == nil {
		return nil, inspections.NewServiceError(opBuilderNew, "missing_remote", errMissingRemote)
	}
	if cfg.Connectivity == nil {
		return nil, inspections.NewServiceError(opBuilderNew, "missing_connectivity", errMissingConnectivity)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Builder{
		local:        cfg.Local,
		remote:       cfg.Remote,
		connectivity: cfg.Connectivity,
		logger:       logger,
	}, nil
}

// List returns the merged view, newest first. Remote documents are only
// read while online and a failed remote read degrades to local data; a
// failed local read is returned to the caller.
func (b *Builder) List(ctx context.Context) ([]inspections.Record, error) {
	var remoteRecords, localRecords []inspections.Record
	group, groupCtx := errgroup.WithContext(ctx)
	if b.connectivity.Online() {
		group.Go(func() error {
			records, err := b.remote.List(groupCtx)
			if err != nil {
				b.logger.Warn("remote list unavailable, showing local records only", zap.Error(err))
				return nil
			}
			remoteRecords = records
			return nil
		})
	}
	group.Go(func() error {
		records, err := b.local.ListAll(groupCtx)
		if err != nil {
			return err
		}
		localRecords = records
		return nil
	})
	if err := group.Wait(); err != nil {
		b.logError(opList, "local_read_failed", err)
		return nil, inspections.NewServiceError(opList, "local_read_failed", err)
	}
	return Merge(remoteRecords, localRecords), nil
}

// Get returns a single merged record named by a server or local id. A
// record that exists nowhere is reported through the boolean.
func (b *Builder) Get(ctx context.Context, id string) (inspections.Record, bool, error) {
	if inspections.LooksServerAssigned(id) && b.connectivity.Online() {
		remoteRecord, found, err := b.remote.GetByID(ctx, id)
		if err != nil {
			b.logger.Warn("remote read failed, falling back to local record", zap.String("id", id), zap.Error(err))
		} else if found {
			local, localFound, err := b.localCounterpart(ctx, remoteRecord)
			if err != nil {
				b.logError(opGet, "local_read_failed", err, zap.String("id", id))
				return inspections.Record{}, false, inspections.NewServiceError(opGet, "local_read_failed", err)
			}
			if !localFound {
				return remoteOnly(remoteRecord), true, nil
			}
			return Merge([]inspections.Record{remoteRecord}, []inspections.Record{local})[0], true, nil
		}
	}

	record, found, err := b.local.Get(ctx, id)
	if err == nil && !found {
		record, found, err = b.local.GetByServerID(ctx, id)
	}
	if err != nil {
		b.logError(opGet, "local_read_failed", err, zap.String("id", id))
		return inspections.Record{}, false, inspections.NewServiceError(opGet, "local_read_failed", err)
	}
	return record, found, nil
}

func (b *Builder) localCounterpart(ctx context.Context, remoteRecord inspections.Record) (inspections.Record, bool, error) {
	if remoteRecord.LocalID != "" {
		record, found, err := b.local.Get(ctx, remoteRecord.LocalID)
		if err != nil || found {
			return record, found, err
		}
	}
	return b.local.GetByServerID(ctx, remoteRecord.ServerID)
}

// Merge combines remote and local records into one list keyed by
// MergeKey. A local record also matches a remote entry carrying its server
// id. On a match a pending local record wins, otherwise the remote data
// wins and keeps the local id. Remote entries with no local counterpart carry
// no local id. The result is sorted by timestamp, newest first, with ties
// ordered by key.
func Merge(remote, local []inspections.Record) []inspections.Record {
	merged := make(map[string]inspections.Record, len(remote)+len(local))
	byServerID := make(map[string]string, len(remote))
	unmatched := make(map[string]bool, len(remote))
	for _, record := range remote {
		key := inspections.MergeKey(record)
		if key == "" {
			continue
		}
		merged[key] = record
		unmatched[key] = true
		if record.ServerID != "" {
			byServerID[record.ServerID] = key
		}
	}

	for _, record := range local {
		key := inspections.MergeKey(record)
		if key == "" {
			continue
		}
		matchKey, matched := key, false
		if _, ok := merged[key]; ok {
			matched = true
		} else if serverKey, ok := byServerID[record.ServerID]; ok && record.ServerID != "" {
			matchKey, matched = serverKey, true
		}
		if !matched {
			merged[key] = record
			continue
		}
		counterpart := merged[matchKey]
		delete(merged, matchKey)
		delete(unmatched, matchKey)
		merged[key] = reconcilePair(counterpart, record)
	}

	records := make([]inspections.Record, 0, len(merged))
	keys := make([]string, 0, len(merged))
	for key := range merged {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		if unmatched[key] {
			records = append(records, remoteOnly(merged[key]))
			continue
		}
		records = append(records, merged[key])
	}
	sort.SliceStable(records, func(i, j int) bool {
		left, right := sortTime(records[i]), sortTime(records[j])
		if !left.Equal(right) {
			return left.After(right)
		}
		return inspections.MergeKey(records[i]) < inspections.MergeKey(records[j])
	})
	return records
}

func reconcilePair(remoteRecord, localRecord inspections.Record) inspections.Record {
	if localRecord.NeedsSync {
		winner := localRecord.Clone()
		if winner.ServerID == "" {
			winner.ServerID = remoteRecord.ServerID
		}
		return winner
	}
	winner := remoteRecord.Clone()
	winner.LocalID = localRecord.LocalID
	winner.NeedsSync = false
	return winner
}

// remoteOnly drops the local id another device wrote into a remote document.
func remoteOnly(record inspections.Record) inspections.Record {
	record.LocalID = ""
	return record
}

func sortTime(record inspections.Record) time.Time {
	parsed, err := inspections.ParseTimestamp(record.Timestamp)
	if err != nil {
		return time.Time{}
	}
	return parsed
}

func (b *Builder) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	b.logger.Error("merged view error", attrs...)
}
