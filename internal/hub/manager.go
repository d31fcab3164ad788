package hub

import (
	"log/slog"
	"sync"

	"github.com/fazt-sh/fazt/internal/config"
)

// Manager maps site_id to its Hub, creating hubs lazily and isolating every
// site's clients and channels from every other site's.
type Manager struct {
	cfg    config.Hub
	logger *slog.Logger

	mu   sync.Mutex
	hubs map[string]*Hub
}

// NewManager creates a HubManager.
func NewManager(cfg config.Hub, logger *slog.Logger) *Manager {
	return &Manager{
		cfg:    cfg,
		logger: logger,
		hubs:   make(map[string]*Hub),
	}
}

// GetHub returns the hub for site, creating and starting one if it doesn't
// exist yet.
func (m *Manager) GetHub(site string) *Hub {
	m.mu.Lock()
	defer m.mu.Unlock()
	if h, ok := m.hubs[site]; ok {
		return h
	}
	h := New(site, m.cfg, m.logger)
	m.hubs[site] = h
	return h
}

// RemoveHub stops and drops the hub for site, if one exists.
func (m *Manager) RemoveHub(site string) {
	m.mu.Lock()
	h, ok := m.hubs[site]
	if ok {
		delete(m.hubs, site)
	}
	m.mu.Unlock()

	if ok {
		h.Stop()
	}
}

// SiteCount returns the number of sites with a live hub.
func (m *Manager) SiteCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.hubs)
}
