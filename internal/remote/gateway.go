package remote

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/MarcoPoloResearchLab/fieldinspect/internal/inspections"
	"go.uber.org/zap"
)

const (
	// Collection is the remote collection holding inspection documents.
	Collection = "inspections"
	// BlobRoot prefixes every uploaded photo path.
	BlobRoot = "inspections"
)

const (
	opCreate    = "create"
	opUpsert    = "upsert"
	opMerge     = "merge"
	opUpload    = "upload"
	opList      = "list"
	opGet       = "get"
	opFindLocal = "find_by_local_id"
)

var (
	errMissingDocuments = errors.New("remote: document store required")
	errMissingBlobs     = errors.New("remote: blob store required")
	errMissingServerID  = errors.New("remote: server id required")
	errMissingIdentity  = errors.New("remote: record identity required")
)

// DocumentStore is the durable remote document database.
type DocumentStore interface {
	// Create stores data under a server-assigned identifier.
	Create(ctx context.Context, collection string, data map[string]any) (string, error)
	// Set merge-writes data into the document, creating it when absent.
	Set(ctx context.Context, collection, id string, data map[string]any) error
	Get(ctx context.Context, collection, id string) (Document, bool, error)
	// List returns every document ordered by orderBy, newest first.
	List(ctx context.Context, collection, orderBy string) ([]Document, error)
	FindByField(ctx context.Context, collection, field string, value any) (Document, bool, error)
}

// BlobStore is the remote binary store. Upload overwrites existing objects
// and returns a retrievable URL.
type BlobStore interface {
	Upload(ctx context.Context, path string, data []byte, contentType string) (string, error)
}

type Config struct {
	Documents DocumentStore
	Blobs     BlobStore
	Logger    *zap.Logger
}

// Gateway translates between inspection records and the remote stores.
type Gateway struct {
	documents DocumentStore
	blobs     BlobStore
	logger    *zap.Logger
}

func NewGateway(cfg Config) (*Gateway, error) {
	if cfg.Documents == nil {
		return nil, errMissingDocuments
	}
	if cfg.Blobs == nil {
		return nil, errMissingBlobs
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Gateway{documents: cfg.Documents, blobs: cfg.Blobs, logger: logger}, nil
}

// Create writes a new remote document and returns its server-assigned id.
func (g *Gateway) Create(ctx context.Context, record inspections.Record) (string, error) {
	document, err := toDocument(record)
	if err != nil {
		return "", g.writeFailed(opCreate, Collection, nil, err)
	}
	serverID, err := g.documents.Create(ctx, Collection, document)
	if err != nil {
		return "", g.writeFailed(opCreate, Collection, document, err)
	}
	return serverID, nil
}

// Upsert merge-writes the full record into the document named serverID.
func (g *Gateway) Upsert(ctx context.Context, serverID string, record inspections.Record) error {
	path := documentPath(serverID)
	if serverID == "" {
		return g.writeFailed(opUpsert, path, nil, errMissingServerID)
	}
	document, err := toDocument(record)
	if err != nil {
		return g.writeFailed(opUpsert, path, nil, err)
	}
	if err := g.documents.Set(ctx, Collection, serverID, document); err != nil {
		return g.writeFailed(opUpsert, path, document, err)
	}
	return nil
}

// Merge writes only the fields carried by patch into the document named serverID.
func (g *Gateway) Merge(ctx context.Context, serverID string, patch inspections.Patch) error {
	path := documentPath(serverID)
	if serverID == "" {
		return g.writeFailed(opMerge, path, nil, errMissingServerID)
	}
	if patch.IsEmpty() {
		return nil
	}
	document, err := patchDocument(patch)
	if err != nil {
		return g.writeFailed(opMerge, path, nil, err)
	}
	if len(document) == 0 {
		return nil
	}
	if err := g.documents.Set(ctx, Collection, serverID, document); err != nil {
		return g.writeFailed(opMerge, path, document, err)
	}
	return nil
}

// UploadBlob stores data under the path built from segments and returns its URL.
func (g *Gateway) UploadBlob(ctx context.Context, segments []string, data []byte, contentType string) (string, error) {
	path := strings.Join(segments, "/")
	url, err := g.blobs.Upload(ctx, path, data, contentType)
	if err != nil {
		return "", g.writeFailed(opUpload, path, map[string]any{"contentType": contentType, "bytes": len(data)}, err)
	}
	return url, nil
}

// UploadPhotos uploads every photo that only exists as an embedded payload,
// top-level photos first and then checklist photo lists. Paths are derived
// from the record identity so a retried upload overwrites the earlier object.
// On failure the returned record reflects the uploads that did succeed.
func (g *Gateway) UploadPhotos(ctx context.Context, record inspections.Record) (inspections.Record, int, error) {
	updated := record.Clone()
	identity := inspections.MergeKey(record)
	if identity == "" {
		return updated, 0, errMissingIdentity
	}
	uploaded := 0
	for index, photo := range updated.Photos {
		if !photo.NeedsUpload() {
			continue
		}
		url, err := g.uploadPhoto(ctx, identity, photo.Name, photo.DataURI)
		if err != nil {
			return updated, uploaded, err
		}
		updated.Photos[index].URL = url
		uploaded++
	}
	for _, fieldID := range sortedKeys(updated.ChecklistAnswers) {
		answer := updated.ChecklistAnswers[fieldID]
		if answer.Kind != inspections.ChecklistPhotoList {
			continue
		}
		for index, photo := range answer.Photos {
			if !photo.NeedsUpload() {
				continue
			}
			url, err := g.uploadPhoto(ctx, identity, fieldID+"_"+photo.Name, photo.DataURI)
			if err != nil {
				return updated, uploaded, err
			}
			answer.Photos[index].URL = url
			uploaded++
		}
		updated.ChecklistAnswers[fieldID] = answer
	}
	return updated, uploaded, nil
}

func (g *Gateway) uploadPhoto(ctx context.Context, identity, name, dataURI string) (string, error) {
	payload, err := inspections.DecodeDataURI(dataURI)
	if err != nil {
		return "", g.writeFailed(opUpload, strings.Join([]string{BlobRoot, identity, name}, "/"), nil, err)
	}
	return g.UploadBlob(ctx, []string{BlobRoot, identity, name}, payload.Data, payload.ContentType)
}

// List returns every remote record, newest first.
func (g *Gateway) List(ctx context.Context) ([]inspections.Record, error) {
	documents, err := g.documents.List(ctx, Collection, fieldTimestamp)
	if err != nil {
		g.logger.Warn("remote list failed", zap.String("operation", opList), zap.Error(err))
		return nil, fmt.Errorf("remote %s %s: %w", opList, Collection, err)
	}
	records := make([]inspections.Record, 0, len(documents))
	for _, document := range documents {
		records = append(records, fromDocument(document))
	}
	return records, nil
}

// GetByID returns the remote record named id.
func (g *Gateway) GetByID(ctx context.Context, id string) (inspections.Record, bool, error) {
	document, found, err := g.documents.Get(ctx, Collection, id)
	if err != nil {
		return inspections.Record{}, false, fmt.Errorf("remote %s %s: %w", opGet, documentPath(id), err)
	}
	if !found {
		return inspections.Record{}, false, nil
	}
	return fromDocument(document), true, nil
}

// FindByLocalID returns the server id of a document already created for localID.
func (g *Gateway) FindByLocalID(ctx context.Context, localID string) (string, bool, error) {
	if localID == "" {
		return "", false, nil
	}
	document, found, err := g.documents.FindByField(ctx, Collection, fieldLocalID, localID)
	if err != nil {
		return "", false, fmt.Errorf("remote %s %s: %w", opFindLocal, localID, err)
	}
	if !found {
		return "", false, nil
	}
	return document.ID, true, nil
}

func (g *Gateway) writeFailed(operation, path string, payload map[string]any, err error) error {
	writeErr := &WriteError{Operation: operation, Path: path, Payload: payload, Err: err}
	fields := []zap.Field{
		zap.String("operation", operation),
		zap.String("path", path),
		zap.Strings("payload_fields", writeErr.PayloadFields()),
		zap.Error(err),
	}
	if IsPermissionDenied(err) {
		g.logger.Error("remote write denied", fields...)
	} else {
		g.logger.Warn("remote write failed", fields...)
	}
	return writeErr
}

func documentPath(serverID string) string {
	return Collection + "/" + serverID
}
