package storage

import (
	"context"
	"errors"
	"sort"
	"sync"
)

var (
	// ErrNotFound is returned when a document id doesn't exist in a collection
	ErrNotFound = errors.New("document not found")

	// ErrDuplicateKey is returned when an insert or replace would break the
	// uniqueness of a document id or secondary key within a collection
	ErrDuplicateKey = errors.New("duplicate key")

	// ErrTxAborted is returned when an optimistic update keeps losing races
	ErrTxAborted = errors.New("transaction aborted after retries")
)

// Document is a schemaless record addressed by collection and id.
// Data is the JSON encoding of the record; Key is an optional secondary
// key that must be unique within the collection (empty means none).
type Document struct {
	ID   string
	Key  string
	Data []byte
}

// UpdateFunc computes the next version of a document from the current one.
// Returning an error aborts the update and the error is passed through.
type UpdateFunc func(current Document) (Document, error)

// Store defines the interface for document storage
// All implementations must be safe for concurrent use and make every
// single-document operation atomic
type Store interface {
	// Insert adds a new document
	// Returns ErrDuplicateKey if the id or the secondary key is taken
	Insert(ctx context.Context, collection string, doc Document) error

	// Get retrieves a document by id
	// Returns ErrNotFound if the id doesn't exist
	Get(ctx context.Context, collection, id string) (Document, error)

	// Replace overwrites an existing document, secondary key included
	// Returns ErrNotFound or ErrDuplicateKey
	Replace(ctx context.Context, collection string, doc Document) error

	// Update atomically reads, transforms and writes back one document
	Update(ctx context.Context, collection, id string, fn UpdateFunc) (Document, error)

	// Delete removes a document
	// Returns ErrNotFound if the id doesn't exist
	Delete(ctx context.Context, collection, id string) error

	// List returns all documents of a collection in insertion order
	List(ctx context.Context, collection string) ([]Document, error)

	// Stats returns statistics for one collection
	Stats(ctx context.Context, collection string) (StoreStats, error)

	// Ping reports whether the backend is reachable
	Ping(ctx context.Context) error

	Close() error
}

// StoreStats contains statistics about a collection
type StoreStats struct {
	Documents int `json:"documents"` // Number of documents
	Bytes     int `json:"bytes"`     // Total size of all document bodies in bytes
}

// MemoryStore implements Store with in-process maps.
// Uses sync.RWMutex for thread-safe concurrent access. Two processes never
// share a MemoryStore, so it only suits single-replica runs and tests.
type MemoryStore struct {
	mu          sync.RWMutex
	collections map[string]*memCollection
}

type memCollection struct {
	docs map[string]*memEntry // id -> entry
	keys map[string]string    // secondary key -> id
	seq  uint64
}

type memEntry struct {
	doc Document
	seq uint64 // insertion order
}

// NewMemoryStore creates a new in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		collections: make(map[string]*memCollection),
	}
}

// collection returns the named collection, creating it on first write.
// Callers must hold the write lock.
func (m *MemoryStore) collection(name string) *memCollection {
	c, ok := m.collections[name]
	if !ok {
		c = &memCollection{
			docs: make(map[string]*memEntry),
			keys: make(map[string]string),
		}
		m.collections[name] = c
	}
	return c
}

// Insert stores a copy of the document
func (m *MemoryStore) Insert(ctx context.Context, collection string, doc Document) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	c := m.collection(collection)
	if _, exists := c.docs[doc.ID]; exists {
		return ErrDuplicateKey
	}
	if doc.Key != "" {
		if _, taken := c.keys[doc.Key]; taken {
			return ErrDuplicateKey
		}
		c.keys[doc.Key] = doc.ID
	}
	c.seq++
	c.docs[doc.ID] = &memEntry{doc: copyDocument(doc), seq: c.seq}
	return nil
}

// Get returns a copy of the document to prevent external modification
func (m *MemoryStore) Get(ctx context.Context, collection, id string) (Document, error) {
	if err := ctx.Err(); err != nil {
		return Document{}, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	c, ok := m.collections[collection]
	if !ok {
		return Document{}, ErrNotFound
	}
	e, ok := c.docs[id]
	if !ok {
		return Document{}, ErrNotFound
	}
	return copyDocument(e.doc), nil
}

// Replace overwrites the document, keeping its insertion position
func (m *MemoryStore) Replace(ctx context.Context, collection string, doc Document) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.replaceLocked(m.collection(collection), doc)
}

func (m *MemoryStore) replaceLocked(c *memCollection, doc Document) error {
	e, ok := c.docs[doc.ID]
	if !ok {
		return ErrNotFound
	}
	if doc.Key != "" {
		if owner, taken := c.keys[doc.Key]; taken && owner != doc.ID {
			return ErrDuplicateKey
		}
	}
	if e.doc.Key != "" && e.doc.Key != doc.Key {
		delete(c.keys, e.doc.Key)
	}
	if doc.Key != "" {
		c.keys[doc.Key] = doc.ID
	}
	e.doc = copyDocument(doc)
	return nil
}

// Update runs fn under the write lock, so no other writer can interleave
func (m *MemoryStore) Update(ctx context.Context, collection, id string, fn UpdateFunc) (Document, error) {
	if err := ctx.Err(); err != nil {
		return Document{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	c := m.collection(collection)
	e, ok := c.docs[id]
	if !ok {
		return Document{}, ErrNotFound
	}
	next, err := fn(copyDocument(e.doc))
	if err != nil {
		return Document{}, err
	}
	next.ID = id
	if err := m.replaceLocked(c, next); err != nil {
		return Document{}, err
	}
	return copyDocument(next), nil
}

// Delete removes a document and releases its secondary key
func (m *MemoryStore) Delete(ctx context.Context, collection, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.collections[collection]
	if !ok {
		return ErrNotFound
	}
	e, ok := c.docs[id]
	if !ok {
		return ErrNotFound
	}
	if e.doc.Key != "" {
		delete(c.keys, e.doc.Key)
	}
	delete(c.docs, id)
	return nil
}

// List returns copies of all documents ordered by insertion
func (m *MemoryStore) List(ctx context.Context, collection string) ([]Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	c, ok := m.collections[collection]
	if !ok {
		return []Document{}, nil
	}
	entries := make([]*memEntry, 0, len(c.docs))
	for _, e := range c.docs {
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].seq < entries[j].seq })

	docs := make([]Document, 0, len(entries))
	for _, e := range entries {
		docs = append(docs, copyDocument(e.doc))
	}
	return docs, nil
}

// Stats returns storage statistics for a collection
func (m *MemoryStore) Stats(ctx context.Context, collection string) (StoreStats, error) {
	if err := ctx.Err(); err != nil {
		return StoreStats{}, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	c, ok := m.collections[collection]
	if !ok {
		return StoreStats{}, nil
	}
	totalBytes := 0
	for _, e := range c.docs {
		totalBytes += len(e.doc.Data)
	}
	return StoreStats{Documents: len(c.docs), Bytes: totalBytes}, nil
}

// Ping always succeeds for the in-memory store
func (m *MemoryStore) Ping(ctx context.Context) error {
	return ctx.Err()
}

func (m *MemoryStore) Close() error { return nil }

func copyDocument(d Document) Document {
	data := make([]byte, len(d.Data))
	copy(data, d.Data)
	return Document{ID: d.ID, Key: d.Key, Data: data}
}
