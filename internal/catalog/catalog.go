// Package catalog maps (database, collection-name) <-> UUID <-> live
// collection object, owns view definitions, and enforces the joint mapping
// invariant that, for every live collection, uuid -> Collection,
// nss -> uuid, and (db, name) -> nss all agree.
package catalog

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
)

var (
	ErrNotFound       = errors.New("catalog: collection not found")
	ErrAlreadyExists  = errors.New("catalog: collection already exists")
	ErrInvalidNS      = errors.New("catalog: invalid namespace")
)

// CollectionOptions mirrors the subset of collection creation options the
// oplog application pipeline cares about (capped-collection affinity).
type CollectionOptions struct {
	Capped         bool
	CappedSize     int64
	DefaultCollation string
}

// Collection is the catalog's live handle for one namespace. It holds only
// its UUID and options; it looks up any other collection it needs through
// the owning Catalog rather than holding a back-pointer, so the whole
// catalog stays a flat, cycle-free index keyed by UUID.
type Collection struct {
	NSS                string
	UUID               uuid.UUID
	Options            CollectionOptions
	MinVisibleSnapshot int64
}

// ViewDefinition describes a non-materialized view stored in
// <db>.system.views.
type ViewDefinition struct {
	NSS      string
	ViewOn   string
	Pipeline []map[string]any
	Collation string
}

// Catalog is the shared, read-mostly mapping owned by the pipeline. Writes
// (create/drop/rename) take the caller-held DB lock X; Catalog itself only
// guarantees its own three-map invariant is updated atomically.
type Catalog struct {
	mu sync.RWMutex

	byUUID map[uuid.UUID]*Collection
	byNSS  map[string]uuid.UUID
	byName map[string]string // "db.name" -> nss (identical to nss in this model, kept as a distinct map)

	views     map[string]*ViewDefinition // nss -> view definition
	viewsByDB map[string][]string        // db -> list of view nss, for invalidation sweeps
}

// New creates an empty catalog.
func New() *Catalog {
	return &Catalog{
		byUUID:    make(map[uuid.UUID]*Collection),
		byNSS:     make(map[string]uuid.UUID),
		byName:    make(map[string]string),
		views:     make(map[string]*ViewDefinition),
		viewsByDB: make(map[string][]string),
	}
}

func splitNS(ns string) (db, coll string, err error) {
	i := strings.IndexByte(ns, '.')
	if i <= 0 || i == len(ns)-1 {
		return "", "", fmt.Errorf("%w: %q", ErrInvalidNS, ns)
	}
	return ns[:i], ns[i+1:], nil
}

// Create registers a brand-new collection under the given namespace and
// UUID, establishing all three mappings atomically.
func (c *Catalog) Create(nss string, id uuid.UUID, opts CollectionOptions) (*Collection, error) {
	db, name, err := splitNS(nss)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.byNSS[nss]; exists {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyExists, nss)
	}
	if _, exists := c.byUUID[id]; exists {
		return nil, fmt.Errorf("%w: uuid %s already bound", ErrAlreadyExists, id)
	}

	col := &Collection{NSS: nss, UUID: id, Options: opts}
	c.byUUID[id] = col
	c.byNSS[nss] = id
	c.byName[db+"."+name] = nss

	return col, nil
}

// Drop removes a collection by UUID, clearing all three mappings.
func (c *Catalog) Drop(id uuid.UUID) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	col, ok := c.byUUID[id]
	if !ok {
		return fmt.Errorf("%w: uuid %s", ErrNotFound, id)
	}

	db, name, _ := splitNS(col.NSS)
	delete(c.byUUID, id)
	delete(c.byNSS, col.NSS)
	delete(c.byName, db+"."+name)

	return nil
}

// Rename mutates only the nss mapping (and its derived db.name entry),
// leaving the uuid->Collection binding untouched.
func (c *Catalog) Rename(id uuid.UUID, newNSS string) error {
	newDB, newName, err := splitNS(newNSS)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	col, ok := c.byUUID[id]
	if !ok {
		return fmt.Errorf("%w: uuid %s", ErrNotFound, id)
	}
	if _, exists := c.byNSS[newNSS]; exists {
		return fmt.Errorf("%w: %s", ErrAlreadyExists, newNSS)
	}

	oldDB, oldName, _ := splitNS(col.NSS)
	delete(c.byNSS, col.NSS)
	delete(c.byName, oldDB+"."+oldName)

	col.NSS = newNSS
	c.byNSS[newNSS] = id
	c.byName[newDB+"."+newName] = newNSS

	// A rename invalidates any cached view that references the old name.
	c.invalidateViewsForNSSLocked(oldDB + "." + oldName)

	return nil
}

// LookupByUUID returns the live collection for a UUID.
func (c *Catalog) LookupByUUID(id uuid.UUID) (*Collection, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	col, ok := c.byUUID[id]
	return col, ok
}

// LookupByNSS returns the live collection for a namespace string.
func (c *Catalog) LookupByNSS(nss string) (*Collection, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	id, ok := c.byNSS[nss]
	if !ok {
		return nil, false
	}
	return c.byUUID[id], true
}

// ResolveNSS resolves a namespace either directly, or by UUID when one is
// supplied, mirroring the applier's rule of resolving by UUID whenever an
// op carries one.
func (c *Catalog) ResolveNSS(nss string, id *uuid.UUID) (string, bool) {
	if id != nil {
		if col, ok := c.LookupByUUID(*id); ok {
			return col.NSS, true
		}
		return "", false
	}
	_, ok := c.LookupByNSS(nss)
	return nss, ok
}

// IsCapped reports whether the namespace names a capped collection. Missing
// collections are reported as not capped (caller is expected to have
// already checked existence).
func (c *Catalog) IsCapped(nss string) bool {
	col, ok := c.LookupByNSS(nss)
	return ok && col.Options.Capped
}
