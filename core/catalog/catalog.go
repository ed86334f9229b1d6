package catalog

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/granitedb/granite/core/storage_engine/dberror"
	"github.com/granitedb/granite/core/storage_engine/pagestore"
	"github.com/granitedb/granite/core/write_engine/bufferpool"
)

// SecondaryMeta records one secondary index: its name, the column it covers,
// and the header page of its tree.
type SecondaryMeta struct {
	Name       string           `json:"name"`
	Column     string           `json:"column"`
	HeaderPage pagestore.PageID `json:"header_page"`
}

// TableMeta is everything the engine must remember about one table.
type TableMeta struct {
	Name         string           `json:"name"`
	Schema       Schema           `json:"schema"`
	HeapHead     pagestore.PageID `json:"heap_head"`
	PrimaryIndex pagestore.PageID `json:"primary_index"` // tree header page
	HashMeta     pagestore.PageID `json:"hash_meta"`
	Secondary    []SecondaryMeta  `json:"secondary,omitempty"`
}

// SecondaryByName returns the secondary index entry with the given name.
func (t *TableMeta) SecondaryByName(name string) (SecondaryMeta, bool) {
	for _, s := range t.Secondary {
		if s.Name == name {
			return s, true
		}
	}
	return SecondaryMeta{}, false
}

type catalogState struct {
	Version int                   `json:"version"`
	Tables  map[string]*TableMeta `json:"tables"`
}

const catalogStateVersion = 1

// Catalog is the table directory. The authoritative copy is JSON spread over
// a chain of catalog pages whose head page 0 points at; the in-memory map is
// a cache that Reload rebuilds, which the engine does after every rollback so
// undone DDL never lingers here.
type Catalog struct {
	mu     sync.RWMutex
	bpm    *bufferpool.BufferPoolManager
	logger *zap.Logger
	tables map[string]*TableMeta
}

func NewCatalog(bpm *bufferpool.BufferPoolManager, logger *zap.Logger) *Catalog {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Catalog{
		bpm:    bpm,
		logger: logger.Named("catalog"),
		tables: make(map[string]*TableMeta),
	}
}

// page payload: next page id, chunk length, chunk bytes
const catalogChunkHeader = 8 + 4

func catalogChunkCapacity(pageSize int) int {
	return pageSize - pagestore.PageHeaderSize - catalogChunkHeader
}

// Format writes an empty catalog inside txn and points page 0 at it. Called
// once, when a fresh data file is initialized.
func (c *Catalog) Format(txn bufferpool.TxnContext) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	headID, err := c.bpm.AllocatePage(txn)
	if err != nil {
		return fmt.Errorf("allocating catalog head: %w", err)
	}
	payload, err := json.Marshal(catalogState{Version: catalogStateVersion, Tables: map[string]*TableMeta{}})
	if err != nil {
		return fmt.Errorf("%w: catalog state: %v", dberror.ErrSerialization, err)
	}
	if err := c.writeChunk(txn, headID, pagestore.InvalidPageID, payload); err != nil {
		return err
	}
	if _, err := c.bpm.SystemMutateMeta(func(m *pagestore.Meta) {
		m.CatalogHead = headID
	}); err != nil {
		return err
	}
	c.tables = make(map[string]*TableMeta)
	c.logger.Info("Formatted catalog", zap.Uint64("head_page", uint64(headID)))
	return nil
}

// Load rebuilds the in-memory map from the persisted chain. A file whose
// header has no catalog head loads as empty.
func (c *Catalog) Load() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	meta, err := c.bpm.Meta()
	if err != nil {
		return err
	}
	if meta.CatalogHead == pagestore.InvalidPageID {
		c.tables = make(map[string]*TableMeta)
		return nil
	}

	var payload []byte
	visited := make(map[pagestore.PageID]struct{})
	for pageID := meta.CatalogHead; pageID != pagestore.InvalidPageID; {
		if _, cyc := visited[pageID]; cyc {
			return fmt.Errorf("%w: catalog chain cycles at page %d", dberror.ErrDeserialization, pageID)
		}
		visited[pageID] = struct{}{}
		next, chunk, err := c.readChunk(pageID)
		if err != nil {
			return err
		}
		payload = append(payload, chunk...)
		pageID = next
	}

	var state catalogState
	if err := json.Unmarshal(payload, &state); err != nil {
		return fmt.Errorf("%w: catalog state: %v", dberror.ErrDeserialization, err)
	}
	if state.Tables == nil {
		state.Tables = make(map[string]*TableMeta)
	}
	c.tables = state.Tables
	c.logger.Info("Loaded catalog",
		zap.Int("tables", len(c.tables)),
		zap.Int("pages", len(visited)))
	return nil
}

// Reload re-reads the persisted catalog, discarding the cache. The engine
// calls this after a rollback.
func (c *Catalog) Reload() error { return c.Load() }

// Get returns a snapshot of the named table's metadata.
func (c *Catalog) Get(name string) (TableMeta, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	t, ok := c.tables[name]
	if !ok {
		return TableMeta{}, fmt.Errorf("%w: table %q", dberror.ErrTableNotFound, name)
	}
	return *t, nil
}

// Tables returns all table names, sorted.
func (c *Catalog) Tables() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	names := make([]string, 0, len(c.tables))
	for name := range c.tables {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Put registers a new table and persists the catalog inside txn.
func (c *Catalog) Put(txn bufferpool.TxnContext, meta TableMeta) error {
	if err := ValidateTableName(meta.Name); err != nil {
		return err
	}
	if err := meta.Schema.Validate(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.tables[meta.Name]; exists {
		return fmt.Errorf("%w: table %q already exists", dberror.ErrTableExists, meta.Name)
	}
	c.tables[meta.Name] = &meta
	if err := c.saveLocked(txn); err != nil {
		delete(c.tables, meta.Name)
		return err
	}
	return nil
}

// Update replaces an existing table's metadata and persists the catalog.
// Used for heap tail moves and secondary index additions.
func (c *Catalog) Update(txn bufferpool.TxnContext, meta TableMeta) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	prev, exists := c.tables[meta.Name]
	if !exists {
		return fmt.Errorf("%w: table %q", dberror.ErrTableNotFound, meta.Name)
	}
	c.tables[meta.Name] = &meta
	if err := c.saveLocked(txn); err != nil {
		c.tables[meta.Name] = prev
		return err
	}
	return nil
}

// saveLocked rewrites the chain from the current map: reuse the existing
// pages, extend when the payload outgrew them, free the leftovers when it
// shrank. All page writes go through the transaction, so a rollback restores
// the previous catalog bytes.
func (c *Catalog) saveLocked(txn bufferpool.TxnContext) error {
	meta, err := c.bpm.Meta()
	if err != nil {
		return err
	}
	if meta.CatalogHead == pagestore.InvalidPageID {
		return fmt.Errorf("%w: catalog was never formatted", dberror.ErrIO)
	}

	payload, err := json.Marshal(catalogState{Version: catalogStateVersion, Tables: c.tables})
	if err != nil {
		return fmt.Errorf("%w: catalog state: %v", dberror.ErrSerialization, err)
	}

	var existing []pagestore.PageID
	for pageID := meta.CatalogHead; pageID != pagestore.InvalidPageID; {
		existing = append(existing, pageID)
		next, _, err := c.readChunk(pageID)
		if err != nil {
			return err
		}
		pageID = next
	}

	capacity := catalogChunkCapacity(c.bpm.GetPageSize())
	numPages := (len(payload) + capacity - 1) / capacity
	if numPages == 0 {
		numPages = 1
	}

	pages := existing
	for len(pages) < numPages {
		id, err := c.bpm.AllocatePage(txn)
		if err != nil {
			return fmt.Errorf("extending catalog chain: %w", err)
		}
		pages = append(pages, id)
	}

	for i := 0; i < numPages; i++ {
		lo := i * capacity
		hi := min(lo+capacity, len(payload))
		next := pagestore.InvalidPageID
		if i+1 < numPages {
			next = pages[i+1]
		}
		if err := c.writeChunk(txn, pages[i], next, payload[lo:hi]); err != nil {
			return err
		}
	}
	for _, pageID := range pages[numPages:] {
		if err := c.bpm.FreePage(txn, pageID); err != nil {
			return err
		}
	}
	return nil
}

func (c *Catalog) writeChunk(txn bufferpool.TxnContext, pageID, next pagestore.PageID, chunk []byte) error {
	return c.bpm.MutatePage(txn, pageID, func(page *pagestore.Page) error {
		payload := page.Payload()
		if catalogChunkHeader+len(chunk) > len(payload) {
			return fmt.Errorf("%w: catalog chunk of %d bytes", dberror.ErrValueTooLargeForPage, len(chunk))
		}
		binary.LittleEndian.PutUint64(payload[0:], uint64(next))
		binary.LittleEndian.PutUint32(payload[8:], uint32(len(chunk)))
		copy(payload[catalogChunkHeader:], chunk)
		for i := catalogChunkHeader + len(chunk); i < len(payload); i++ {
			payload[i] = 0
		}
		page.SetType(pagestore.PageTypeCatalog)
		return nil
	})
}

func (c *Catalog) readChunk(pageID pagestore.PageID) (pagestore.PageID, []byte, error) {
	page, err := c.bpm.FetchPage(pageID)
	if err != nil {
		return pagestore.InvalidPageID, nil, err
	}
	page.RLock()
	next, chunk, err := decodeCatalogChunk(page)
	page.RUnlock()
	if unpinErr := c.bpm.UnpinPage(pageID, false); unpinErr != nil && err == nil {
		return pagestore.InvalidPageID, nil, unpinErr
	}
	return next, chunk, err
}

func decodeCatalogChunk(page *pagestore.Page) (pagestore.PageID, []byte, error) {
	if page.Type() != pagestore.PageTypeCatalog {
		return pagestore.InvalidPageID, nil, fmt.Errorf("%w: page %d is %s, want catalog",
			dberror.ErrDeserialization, page.GetPageID(), page.Type())
	}
	payload := page.Payload()
	next := pagestore.PageID(binary.LittleEndian.Uint64(payload[0:]))
	size := int(binary.LittleEndian.Uint32(payload[8:]))
	if size > len(payload)-catalogChunkHeader {
		return pagestore.InvalidPageID, nil, fmt.Errorf("%w: catalog chunk length %d on page %d",
			dberror.ErrDeserialization, size, page.GetPageID())
	}
	chunk := make([]byte, size)
	copy(chunk, payload[catalogChunkHeader:catalogChunkHeader+size])
	return next, chunk, nil
}
