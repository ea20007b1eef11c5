package registry

import (
	"context"
	"fmt"

	"github.com/Zhalslar/api-aggregator/pkg/domain"
)

// Site returns a clone of the named site, nil when absent
func (r *Registry) Site(name string) *domain.SiteEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if s := r.findSite(name); s != nil {
		return s.Clone()
	}
	return nil
}

// findSite requires the caller to hold the lock
func (r *Registry) findSite(name string) *domain.SiteEntry {
	for _, s := range r.sites {
		if s.Name == name {
			return s
		}
	}
	return nil
}

// Sites returns clones of all sites
func (r *Registry) Sites() []*domain.SiteEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	result := make([]*domain.SiteEntry, 0, len(r.sites))
	for _, s := range r.sites {
		result = append(result, s.Clone())
	}
	return result
}

// ResolveSite returns a clone of the first enabled site whose URL prefix
// vests the full URL, nil when none matches. Implements the fetch client's
// site resolver.
func (r *Registry) ResolveSite(fullURL string) *domain.SiteEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, s := range r.sites {
		if s.Enabled && s.Vests(fullURL) {
			return s.Clone()
		}
	}
	return nil
}

// siteNameFor derives the site field of an entry URL.
// Caller must hold the lock.
func (r *Registry) siteNameFor(fullURL string) string {
	for _, s := range r.sites {
		if s.Enabled && s.Vests(fullURL) {
			return s.Name
		}
	}
	return ""
}

// uniqueSiteName suffixes _2, _3, ... until the name is free.
// Caller must hold the lock.
func (r *Registry) uniqueSiteName(name string) string {
	if r.findSite(name) == nil {
		return name
	}
	for i := 2; ; i++ {
		candidate := fmt.Sprintf("%s_%d", name, i)
		if r.findSite(candidate) == nil {
			return candidate
		}
	}
}

// AddSites parses and registers a batch of loose site payloads, then
// re-derives the site field of every entry
func (r *Registry) AddSites(ctx context.Context, payloads []map[string]any) ([]*domain.SiteEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	created := make([]*domain.SiteEntry, 0, len(payloads))
	for _, payload := range payloads {
		site, err := domain.ParseSite(payload)
		if err != nil {
			return nil, err
		}
		site.Name = r.uniqueSiteName(site.Name)
		r.sites = append(r.sites, site)
		created = append(created, site)
	}

	if err := r.store.UpsertSites(ctx, created); err != nil {
		r.reloadLocked(ctx)
		return nil, fmt.Errorf("persist sites: %w", err)
	}

	if err := r.syncEntrySitesLocked(ctx); err != nil {
		return nil, err
	}

	clones := make([]*domain.SiteEntry, 0, len(created))
	for _, s := range created {
		clones = append(clones, s.Clone())
	}
	return clones, nil
}

// UpdateSites merges partial payloads into existing sites
func (r *Registry) UpdateSites(ctx context.Context, updates []Update) ([]*domain.SiteEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	changed := make([]*domain.SiteEntry, 0, len(updates))
	changedIdx := make([]int, 0, len(updates))
	for _, upd := range updates {
		idx := -1
		for i, s := range r.sites {
			if s.Name == upd.Name {
				idx = i
				break
			}
		}
		if idx < 0 {
			return nil, fmt.Errorf("site not found: %s", upd.Name)
		}

		merged, err := domain.MergeSite(r.sites[idx], upd.Payload)
		if err != nil {
			return nil, err
		}
		if merged.Name != upd.Name && r.findSite(merged.Name) != nil {
			return nil, fmt.Errorf("site name already exists: %s", merged.Name)
		}
		changed = append(changed, merged)
		changedIdx = append(changedIdx, idx)
	}

	for i, idx := range changedIdx {
		r.sites[idx] = changed[i]
	}

	if err := r.store.UpsertSites(ctx, changed); err != nil {
		r.reloadLocked(ctx)
		return nil, fmt.Errorf("persist sites: %w", err)
	}

	if err := r.syncEntrySitesLocked(ctx); err != nil {
		return nil, err
	}

	clones := make([]*domain.SiteEntry, 0, len(changed))
	for _, s := range changed {
		clones = append(clones, s.Clone())
	}
	return clones, nil
}

// RemoveSites deletes sites by name and re-derives entry site fields
func (r *Registry) RemoveSites(ctx context.Context, names []string) (removed, missing []string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	nameSet := make(map[string]struct{}, len(names))
	for _, n := range names {
		nameSet[n] = struct{}{}
	}

	var remaining []*domain.SiteEntry
	removedSet := map[string]struct{}{}
	for _, s := range r.sites {
		if _, hit := nameSet[s.Name]; hit {
			removed = append(removed, s.Name)
			removedSet[s.Name] = struct{}{}
			continue
		}
		remaining = append(remaining, s)
	}
	for _, n := range names {
		if _, hit := removedSet[n]; !hit {
			missing = append(missing, n)
		}
	}
	if len(removed) == 0 {
		return removed, missing, nil
	}

	r.sites = remaining
	if err := r.store.DeleteSites(ctx, removed); err != nil {
		r.reloadLocked(ctx)
		return nil, nil, fmt.Errorf("delete sites: %w", err)
	}

	if err := r.syncEntrySitesLocked(ctx); err != nil {
		return nil, nil, err
	}
	return removed, missing, nil
}

// syncEntrySitesLocked re-derives the site field of every entry after the
// site pool changed, persisting only rows that moved.
// Caller must hold the write lock.
func (r *Registry) syncEntrySitesLocked(ctx context.Context) error {
	var dirty []*domain.APIEntry
	for _, e := range r.entries {
		next := r.siteNameFor(e.URL)
		if e.Site == next {
			continue
		}
		e.Site = next
		dirty = append(dirty, e)
	}
	if len(dirty) == 0 {
		return nil
	}
	if err := r.store.UpsertEntries(ctx, dirty); err != nil {
		r.reloadLocked(ctx)
		return fmt.Errorf("sync entry sites: %w", err)
	}
	return nil
}

// EntryCountBySite counts registered entries per derived site name,
// skipping entries bound to no site
func (r *Registry) EntryCountBySite() map[string]int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	counts := map[string]int{}
	for _, e := range r.entries {
		if e.Site != "" {
			counts[e.Site]++
		}
	}
	return counts
}
