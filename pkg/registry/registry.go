// Package registry owns the in-memory, validated view of the API entry and
// site pools. All mutation goes through its CRUD methods so memory always
// mirrors the row store; structural changes are published on a channel for
// the scheduler.
package registry

import (
	"context"
	"fmt"
	"log"
	"sync"

	"github.com/Zhalslar/api-aggregator/pkg/domain"
)

// Persister is the row store backing the registry
type Persister interface {
	ListEntries(ctx context.Context) ([]*domain.APIEntry, error)
	UpsertEntries(ctx context.Context, entries []*domain.APIEntry) error
	DeleteEntries(ctx context.Context, names []string) error
	SetEntriesValid(ctx context.Context, names []string, valid bool) error
	ListSites(ctx context.Context) ([]*domain.SiteEntry, error)
	UpsertSites(ctx context.Context, sites []*domain.SiteEntry) error
	DeleteSites(ctx context.Context, names []string) error
}

// Update pairs an entry or site name with a partial payload to merge
type Update struct {
	Name    string         `json:"name"`
	Payload map[string]any `json:"payload"`
}

// Registry holds the canonical entry and site pools
type Registry struct {
	store Persister

	mu      sync.RWMutex
	entries []*domain.APIEntry
	sites   []*domain.SiteEntry

	changes chan struct{}
}

// New creates a registry over the given row store
func New(store Persister) *Registry {
	return &Registry{store: store, changes: make(chan struct{}, 1)}
}

// Load rebuilds the in-memory pools from the row store
func (r *Registry) Load(ctx context.Context) error {
	entries, err := r.store.ListEntries(ctx)
	if err != nil {
		return fmt.Errorf("load entries: %w", err)
	}
	sites, err := r.store.ListSites(ctx)
	if err != nil {
		return fmt.Errorf("load sites: %w", err)
	}

	r.mu.Lock()
	r.entries = entries
	r.sites = sites
	r.mu.Unlock()

	log.Printf("[INFO] registry loaded, %d entries, %d sites", len(entries), len(sites))
	return nil
}

// Changes returns the channel signaling structural changes. The channel is
// buffered and coalescing: multiple rapid changes may collapse into one
// notification.
func (r *Registry) Changes() <-chan struct{} {
	return r.changes
}

func (r *Registry) notify() {
	select {
	case r.changes <- struct{}{}:
	default: // a notification is already pending
	}
}

// reloadLocked restores memory from the row store after a failed
// persistence so the two never diverge. Caller must hold the write lock.
func (r *Registry) reloadLocked(ctx context.Context) {
	entries, err := r.store.ListEntries(ctx)
	if err != nil {
		log.Printf("[ERROR] registry reload entries after failed persist: %v", err)
		return
	}
	sites, err := r.store.ListSites(ctx)
	if err != nil {
		log.Printf("[ERROR] registry reload sites after failed persist: %v", err)
		return
	}
	r.entries = entries
	r.sites = sites
}

// Entry returns a clone of the named entry, nil when absent
func (r *Registry) Entry(name string) *domain.APIEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if e := r.findEntry(name); e != nil {
		return e.Clone()
	}
	return nil
}

// findEntry requires the caller to hold the lock
func (r *Registry) findEntry(name string) *domain.APIEntry {
	for _, e := range r.entries {
		if e.Name == name {
			return e
		}
	}
	return nil
}

// Entries returns clones of all entries
func (r *Registry) Entries() []*domain.APIEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	result := make([]*domain.APIEntry, 0, len(r.entries))
	for _, e := range r.entries {
		result = append(result, e.Clone())
	}
	return result
}

// EnabledEntries returns clones of all enabled entries
func (r *Registry) EnabledEntries() []*domain.APIEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var result []*domain.APIEntry
	for _, e := range r.entries {
		if e.Enabled {
			result = append(result, e.Clone())
		}
	}
	return result
}

// Match returns clones of every entry activated by the text and caller:
// enabled, valid, scope allows the caller and a keyword pattern matches.
// Clones are safe for request-scoped parameter overrides.
func (r *Registry) Match(text string, caller domain.Caller) []*domain.APIEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var matched []*domain.APIEntry
	for _, e := range r.entries {
		if e.Activates(text, caller) {
			matched = append(matched, e.Clone())
		}
	}
	return matched
}

// uniqueEntryName suffixes _2, _3, ... until the name is free.
// Caller must hold the lock.
func (r *Registry) uniqueEntryName(name string) string {
	if r.findEntry(name) == nil {
		return name
	}
	for i := 2; ; i++ {
		candidate := fmt.Sprintf("%s_%d", name, i)
		if r.findEntry(candidate) == nil {
			return candidate
		}
	}
}

// AddEntries parses and registers a batch of loose payloads. Colliding
// names get a numeric suffix, the site field is derived from the first
// enabled site vesting the URL.
func (r *Registry) AddEntries(ctx context.Context, payloads []map[string]any) ([]*domain.APIEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	created := make([]*domain.APIEntry, 0, len(payloads))
	for _, payload := range payloads {
		entry, err := domain.ParseEntry(payload)
		if err != nil {
			return nil, err
		}
		renamed := r.uniqueEntryName(entry.Name)
		if renamed != entry.Name {
			// rebuild so default keywords track the final name
			payload["name"] = renamed
			if entry, err = domain.ParseEntry(payload); err != nil {
				return nil, err
			}
		}
		entry.Site = r.siteNameFor(entry.URL)
		r.entries = append(r.entries, entry)
		created = append(created, entry)
	}

	if err := r.store.UpsertEntries(ctx, created); err != nil {
		r.reloadLocked(ctx)
		return nil, fmt.Errorf("persist entries: %w", err)
	}

	for _, e := range created {
		if e.CronEnabled() {
			r.notify()
			break
		}
	}

	clones := make([]*domain.APIEntry, 0, len(created))
	for _, e := range created {
		clones = append(clones, e.Clone())
	}
	return clones, nil
}

// UpdateEntries merges partial payloads into existing entries. Renames to
// an already taken name fail the whole batch.
func (r *Registry) UpdateEntries(ctx context.Context, updates []Update) ([]*domain.APIEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	changed := make([]*domain.APIEntry, 0, len(updates))
	changedIdx := make([]int, 0, len(updates))
	for _, upd := range updates {
		idx := -1
		for i, e := range r.entries {
			if e.Name == upd.Name {
				idx = i
				break
			}
		}
		if idx < 0 {
			return nil, fmt.Errorf("api not found: %s", upd.Name)
		}

		merged, err := domain.MergeEntry(r.entries[idx], upd.Payload)
		if err != nil {
			return nil, err
		}
		if merged.Name != upd.Name && r.findEntry(merged.Name) != nil {
			return nil, fmt.Errorf("api name already exists: %s", merged.Name)
		}
		merged.Site = r.siteNameFor(merged.URL)
		changed = append(changed, merged)
		changedIdx = append(changedIdx, idx)
	}

	for i, idx := range changedIdx {
		r.entries[idx] = changed[i]
	}

	if err := r.store.UpsertEntries(ctx, changed); err != nil {
		r.reloadLocked(ctx)
		return nil, fmt.Errorf("persist entries: %w", err)
	}
	r.notify()

	clones := make([]*domain.APIEntry, 0, len(changed))
	for _, e := range changed {
		clones = append(clones, e.Clone())
	}
	return clones, nil
}

// RemoveEntries deletes entries by name and reports which names were
// removed and which were unknown
func (r *Registry) RemoveEntries(ctx context.Context, names []string) (removed, missing []string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	nameSet := make(map[string]struct{}, len(names))
	for _, n := range names {
		nameSet[n] = struct{}{}
	}

	var remaining []*domain.APIEntry
	removedSet := map[string]struct{}{}
	for _, e := range r.entries {
		if _, hit := nameSet[e.Name]; hit {
			removed = append(removed, e.Name)
			removedSet[e.Name] = struct{}{}
			continue
		}
		remaining = append(remaining, e)
	}
	for _, n := range names {
		if _, hit := removedSet[n]; !hit {
			missing = append(missing, n)
		}
	}
	if len(removed) == 0 {
		return removed, missing, nil
	}

	r.entries = remaining
	if err := r.store.DeleteEntries(ctx, removed); err != nil {
		r.reloadLocked(ctx)
		return nil, nil, fmt.Errorf("delete entries: %w", err)
	}
	r.notify()
	return removed, missing, nil
}

// SetValid flips the validity flag for the named entries, persisting and
// notifying only when something actually changed
func (r *Registry) SetValid(ctx context.Context, names []string, valid bool) (updated, unknown []string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var dirty []string
	for _, name := range names {
		e := r.findEntry(name)
		if e == nil {
			unknown = append(unknown, name)
			continue
		}
		updated = append(updated, name)
		if e.Valid != valid {
			e.Valid = valid
			dirty = append(dirty, name)
		}
	}
	if len(dirty) == 0 {
		return updated, unknown, nil
	}

	if err := r.store.SetEntriesValid(ctx, dirty, valid); err != nil {
		r.reloadLocked(ctx)
		return nil, nil, fmt.Errorf("persist validity: %w", err)
	}
	r.notify()
	return updated, unknown, nil
}
