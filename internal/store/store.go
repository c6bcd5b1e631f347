// Package store defines the persisted-state contract this core consumes
// from the external key-value/document store (§1, §6 "Persisted state
// layout"). No session state is persisted; only user profile, app catalog,
// installed-app, gallery, and audit data cross this boundary.
package store

import (
	"context"
	"errors"
	"sync"

	"github.com/sebas/cloudsessioncore/internal/types"
)

var ErrNotFound = errors.New("store: not found")

// AppCatalogEntry describes one installable TPA as recorded by the
// developer portal / app-store collaborator (out of scope, consumed here
// read-only).
type AppCatalogEntry struct {
	PackageName string
	Name        string
	APIKey      string
}

// Store is the full persisted-state contract. A production deployment
// backs this with Postgres/Redis; InMemory below is the default used by
// tests and single-process deployments.
type Store interface {
	// InstalledApps returns the package names a user has installed.
	InstalledApps(ctx context.Context, userID string) ([]string, error)
	// IsInstalled reports whether pkg is in the user's install set,
	// consulted by the router when a TPA connects (§4.3).
	IsInstalled(ctx context.Context, userID, pkg string) (bool, error)

	AppByPackage(ctx context.Context, pkg string) (AppCatalogEntry, error)

	SaveGalleryEntry(ctx context.Context, entry types.GalleryEntry) error
	ListGallery(ctx context.Context, userID string, limit int, cursor string) (entries []types.GalleryEntry, nextCursor string, err error)

	// RecordPhotoRequestAudit is an optional append-only audit trail of
	// completed PhotoRequests; failures here never block the upload flow.
	RecordPhotoRequestAudit(ctx context.Context, req types.PhotoRequest, url string) error
}

// InMemory is a Store implementation backed by in-process maps, suitable
// for tests and small deployments; it has no TTL eviction since temp
// tokens are handled by the auth collaborator, not this store.
type InMemory struct {
	mu        sync.RWMutex
	installed map[string]map[string]bool
	apps      map[string]AppCatalogEntry
	gallery   map[string][]types.GalleryEntry
}

func NewInMemory() *InMemory {
	return &InMemory{
		installed: make(map[string]map[string]bool),
		apps:      make(map[string]AppCatalogEntry),
		gallery:   make(map[string][]types.GalleryEntry),
	}
}

func (m *InMemory) SetInstalled(userID string, pkgs ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	set := make(map[string]bool, len(pkgs))
	for _, p := range pkgs {
		set[p] = true
	}
	m.installed[userID] = set
}

func (m *InMemory) RegisterApp(entry AppCatalogEntry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.apps[entry.PackageName] = entry
}

func (m *InMemory) InstalledApps(_ context.Context, userID string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	set := m.installed[userID]
	out := make([]string, 0, len(set))
	for pkg := range set {
		out = append(out, pkg)
	}
	return out, nil
}

func (m *InMemory) IsInstalled(_ context.Context, userID, pkg string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.installed[userID][pkg], nil
}

func (m *InMemory) AppByPackage(_ context.Context, pkg string) (AppCatalogEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	entry, ok := m.apps[pkg]
	if !ok {
		return AppCatalogEntry{}, ErrNotFound
	}
	return entry, nil
}

func (m *InMemory) SaveGalleryEntry(_ context.Context, entry types.GalleryEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gallery[entry.UserID] = append(m.gallery[entry.UserID], entry)
	return nil
}

func (m *InMemory) ListGallery(_ context.Context, userID string, limit int, cursor string) ([]types.GalleryEntry, string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	all := m.gallery[userID]

	start := 0
	if cursor != "" {
		for i, e := range all {
			if e.RequestID == cursor {
				start = i + 1
				break
			}
		}
	}
	if limit <= 0 || limit > len(all)-start {
		limit = len(all) - start
	}
	if start >= len(all) {
		return nil, "", nil
	}
	page := append([]types.GalleryEntry(nil), all[start:start+limit]...)
	next := ""
	if start+limit < len(all) {
		next = page[len(page)-1].RequestID
	}
	return page, next, nil
}

func (m *InMemory) RecordPhotoRequestAudit(_ context.Context, _ types.PhotoRequest, _ string) error {
	return nil
}

var _ Store = (*InMemory)(nil)
