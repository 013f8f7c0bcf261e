package api

import (
	"slices"
	"sync"
	"time"

	"github.com/clbarnes/CATMAID/internal/service"
)

// TableInfo contains information about a table for the API response.
type TableInfo struct {
	ID          string    `json:"id"`
	SkeletonIDs []int64   `json:"skeleton_ids"`
	Rows        int       `json:"rows"`
	CreatedAt   time.Time `json:"created_at"`
}

// TableRegistry holds the services of all open tables.
type TableRegistry struct {
	mu       sync.RWMutex
	services map[string]*service.TableService
	order    []string
	title    string
}

// NewTableRegistry creates a new table registry.
func NewTableRegistry(title string) *TableRegistry {
	return &TableRegistry{
		services: make(map[string]*service.TableService),
		title:    title,
	}
}

// Register adds a table service.
func (r *TableRegistry) Register(svc *service.TableService) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.services[svc.ID()]; !ok {
		r.order = append(r.order, svc.ID())
	}
	r.services[svc.ID()] = svc
}

// Get returns the service of a table, or nil if not found.
func (r *TableRegistry) Get(tableID string) *service.TableService {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.services[tableID]
}

// Remove drops a table. It reports whether the table existed.
func (r *TableRegistry) Remove(tableID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.services[tableID]; !ok {
		return false
	}
	delete(r.services, tableID)
	r.order = slices.DeleteFunc(r.order, func(id string) bool { return id == tableID })
	return true
}

// TableIDs returns all table IDs in creation order.
func (r *TableRegistry) TableIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Clone(r.order)
}

// Title returns the configured site title.
func (r *TableRegistry) Title() string {
	if r.title != "" {
		return r.title
	}
	return "Synapse Detection Table"
}

// Tables returns table info for all registered tables.
func (r *TableRegistry) Tables() []TableInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	infos := make([]TableInfo, 0, len(r.order))
	for _, id := range r.order {
		svc := r.services[id]
		infos = append(infos, TableInfo{
			ID:          id,
			SkeletonIDs: svc.Table().Skeletons(),
			Rows:        len(svc.Table().Rows()),
			CreatedAt:   svc.CreatedAt(),
		})
	}
	return infos
}
