package remote

import (
	"context"
	"reflect"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// WriteCall describes a write reaching a memory driver.
type WriteCall struct {
	Operation  string
	Collection string
	ID         string
	Data       map[string]any
}

// MemoryDocuments is an in-process DocumentStore used by the development
// driver and by tests. Hooks can fail individual calls.
type MemoryDocuments struct {
	mu          sync.Mutex
	collections map[string]map[string]map[string]any
	writeHook   func(WriteCall) error
	readHook    func(operation string) error
}

func NewMemoryDocuments() *MemoryDocuments {
	return &MemoryDocuments{collections: make(map[string]map[string]map[string]any)}
}

// SetWriteHook installs fn to run before every write; a non-nil error fails the write.
func (m *MemoryDocuments) SetWriteHook(fn func(WriteCall) error) {
	m.mu.Lock()
	m.writeHook = fn
	m.mu.Unlock()
}

// SetReadHook installs fn to run before every read; a non-nil error fails the read.
func (m *MemoryDocuments) SetReadHook(fn func(operation string) error) {
	m.mu.Lock()
	m.readHook = fn
	m.mu.Unlock()
}

func (m *MemoryDocuments) hooks() (func(WriteCall) error, func(string) error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.writeHook, m.readHook
}

func (m *MemoryDocuments) Create(ctx context.Context, collection string, data map[string]any) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	id := strings.ReplaceAll(uuid.NewString(), "-", "")[:20]
	if writeHook, _ := m.hooks(); writeHook != nil {
		if err := writeHook(WriteCall{Operation: opCreate, Collection: collection, ID: id, Data: data}); err != nil {
			return "", err
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.collection(collection)[id] = copyValue(data).(map[string]any)
	return id, nil
}

func (m *MemoryDocuments) Set(ctx context.Context, collection, id string, data map[string]any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if writeHook, _ := m.hooks(); writeHook != nil {
		if err := writeHook(WriteCall{Operation: opUpsert, Collection: collection, ID: id, Data: data}); err != nil {
			return err
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	documents := m.collection(collection)
	existing, ok := documents[id]
	if !ok {
		existing = map[string]any{}
	}
	documents[id] = mergeMaps(existing, data)
	return nil
}

func (m *MemoryDocuments) Get(ctx context.Context, collection, id string) (Document, bool, error) {
	if err := m.beforeRead(ctx, opGet); err != nil {
		return Document{}, false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.collection(collection)[id]
	if !ok {
		return Document{}, false, nil
	}
	return Document{ID: id, Data: copyValue(data).(map[string]any)}, true, nil
}

func (m *MemoryDocuments) List(ctx context.Context, collection, orderBy string) ([]Document, error) {
	if err := m.beforeRead(ctx, opList); err != nil {
		return nil, err
	}
	m.mu.Lock()
	documents := make([]Document, 0, len(m.collections[collection]))
	for id, data := range m.collections[collection] {
		documents = append(documents, Document{ID: id, Data: copyValue(data).(map[string]any)})
	}
	m.mu.Unlock()
	sort.SliceStable(documents, func(i, j int) bool {
		left, right := documents[i].Data[orderBy], documents[j].Data[orderBy]
		leftTime, leftIsTime := left.(time.Time)
		rightTime, rightIsTime := right.(time.Time)
		if leftIsTime && rightIsTime && !leftTime.Equal(rightTime) {
			return leftTime.After(rightTime)
		}
		return documents[i].ID < documents[j].ID
	})
	return documents, nil
}

func (m *MemoryDocuments) FindByField(ctx context.Context, collection, field string, value any) (Document, bool, error) {
	if err := m.beforeRead(ctx, opFindLocal); err != nil {
		return Document{}, false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range sortedKeys(m.collections[collection]) {
		data := m.collections[collection][id]
		if reflect.DeepEqual(data[field], value) {
			return Document{ID: id, Data: copyValue(data).(map[string]any)}, true, nil
		}
	}
	return Document{}, false, nil
}

// Count returns the number of documents in collection.
func (m *MemoryDocuments) Count(collection string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.collections[collection])
}

func (m *MemoryDocuments) beforeRead(ctx context.Context, operation string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, readHook := m.hooks(); readHook != nil {
		return readHook(operation)
	}
	return nil
}

func (m *MemoryDocuments) collection(name string) map[string]map[string]any {
	documents, ok := m.collections[name]
	if !ok {
		documents = make(map[string]map[string]any)
		m.collections[name] = documents
	}
	return documents
}

// mergeMaps follows merge-all semantics: nested maps merge, everything else replaces.
func mergeMaps(target, source map[string]any) map[string]any {
	for key, value := range source {
		nested, isMap := value.(map[string]any)
		existing, existingIsMap := target[key].(map[string]any)
		if isMap && existingIsMap {
			target[key] = mergeMaps(existing, nested)
			continue
		}
		target[key] = copyValue(value)
	}
	return target
}

func copyValue(value any) any {
	switch typed := value.(type) {
	case map[string]any:
		copied := make(map[string]any, len(typed))
		for key, element := range typed {
			copied[key] = copyValue(element)
		}
		return copied
	case []any:
		copied := make([]any, len(typed))
		for index, element := range typed {
			copied[index] = copyValue(element)
		}
		return copied
	default:
		return typed
	}
}

// MemoryBlobs is an in-process BlobStore.
type MemoryBlobs struct {
	mu         sync.Mutex
	objects    map[string][]byte
	uploads    map[string]int
	uploadHook func(path string) error
}

func NewMemoryBlobs() *MemoryBlobs {
	return &MemoryBlobs{objects: make(map[string][]byte), uploads: make(map[string]int)}
}

// SetUploadHook installs fn to run before every upload; a non-nil error fails it.
func (m *MemoryBlobs) SetUploadHook(fn func(path string) error) {
	m.mu.Lock()
	m.uploadHook = fn
	m.mu.Unlock()
}

func (m *MemoryBlobs) Upload(ctx context.Context, path string, data []byte, _ string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	m.mu.Lock()
	hook := m.uploadHook
	m.mu.Unlock()
	if hook != nil {
		if err := hook(path); err != nil {
			return "", err
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[path] = append([]byte(nil), data...)
	m.uploads[path]++
	return "memory://" + path, nil
}

// Object returns the stored bytes for path.
func (m *MemoryBlobs) Object(path string) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.objects[path]
	return data, ok
}

// UploadCount reports how many times path was written.
func (m *MemoryBlobs) UploadCount(path string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.uploads[path]
}

// TotalUploads reports the number of writes across all paths.
func (m *MemoryBlobs) TotalUploads() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	total := 0
	for _, count := range m.uploads {
		total += count
	}
	return total
}
