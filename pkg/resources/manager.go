// Package resources manages the bounded pool of typed execution resources
// flows run against: allocation, release, lease enforcement and maintenance.
package resources

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/flowtest/flowtest/pkg/models"
)

const (
	defaultResourceTimeout     = 5 * time.Minute
	defaultMaintenanceInterval = 10 * time.Minute
)

// Config sizes the pool and its timers.
type Config struct {
	// Resources maps each resource type to its fixed pool size.
	Resources map[models.ResourceType]int

	// ResourceTimeout is the lease window after which an allocation that was
	// never released is force-reclaimed.
	ResourceTimeout time.Duration

	// MaintenanceInterval is how often idle resources are cycled through
	// maintenance.
	MaintenanceInterval time.Duration

	// OnLeaseExpired, when set, is called after a lease was force-released
	// with the execution id and the reclaimed resource ids.
	OnLeaseExpired func(executionID string, resourceIDs []string)
}

// PoolStatus is a consistent snapshot of the pool.
type PoolStatus struct {
	Total       int                    `json:"total"`
	Available   int                    `json:"available"`
	Allocated   int                    `json:"allocated"`
	Maintenance int                    `json:"maintenance"`
	Metrics     models.ResourceMetrics `json:"metrics"`
}

// Manager tracks the pool and the per-execution allocation records. The pool
// is fixed at construction; it does not grow.
type Manager struct {
	mu          sync.Mutex
	resources   map[string]*models.Resource
	byType      map[models.ResourceType][]string
	allocations map[string][]string
	allocatedAt map[string]time.Time
	leases      map[string]*time.Timer

	timeout             time.Duration
	maintenanceInterval time.Duration
	onLeaseExpired      func(executionID string, resourceIDs []string)
	logger              *slog.Logger

	stopOnce sync.Once
	stopCh   chan struct{}
}

// NewManager builds the pool from the config. Resource ids are stable
// ("database-1", "api-2", ...).
func NewManager(config Config, logger *slog.Logger) *Manager {
	if config.ResourceTimeout <= 0 {
		config.ResourceTimeout = defaultResourceTimeout
	}

	if config.MaintenanceInterval <= 0 {
		config.MaintenanceInterval = defaultMaintenanceInterval
	}

	m := &Manager{
		resources:           make(map[string]*models.Resource),
		byType:              make(map[models.ResourceType][]string),
		allocations:         make(map[string][]string),
		allocatedAt:         make(map[string]time.Time),
		leases:              make(map[string]*time.Timer),
		timeout:             config.ResourceTimeout,
		maintenanceInterval: config.MaintenanceInterval,
		onLeaseExpired:      config.OnLeaseExpired,
		logger:              logger.With("module", "resource_manager"),
		stopCh:              make(chan struct{}),
	}

	now := time.Now()

	for resourceType, count := range config.Resources {
		for i := 1; i <= count; i++ {
			id := fmt.Sprintf("%s-%d", resourceType, i)
			m.resources[id] = &models.Resource{
				ID:       id,
				Type:     resourceType,
				Status:   models.ResourceStatusAvailable,
				LastUsed: now,
			}
			m.byType[resourceType] = append(m.byType[resourceType], id)
		}
	}

	return m
}

// Allocate atomically reserves the required resources for the execution.
// The check is all-or-nothing: if any type is short the whole allocation
// fails and no resource is marked allocated. An execution that already holds
// resources may allocate again; the new resources join its record and are
// released together under the original lease. On first allocation the
// execution gets a lease that force-releases everything it holds after the
// resource timeout.
func (m *Manager) Allocate(ctx context.Context, executionID string, requirements []models.Requirement) bool {
	if executionID == "" || len(requirements) == 0 {
		return false
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	existing, extending := m.allocations[executionID]

	picked := make([]string, 0, len(requirements))

	for _, req := range requirements {
		found := 0

		for _, id := range m.byType[req.Type] {
			if m.resources[id].Status == models.ResourceStatusAvailable {
				picked = append(picked, id)
				found++

				if found == req.Count {
					break
				}
			}
		}

		if found < req.Count {
			m.logger.DebugContext(ctx, "Insufficient resources",
				"executionId", executionID,
				"type", req.Type,
				"wanted", req.Count,
				"found", found,
			)

			return false
		}
	}

	now := time.Now()

	for _, id := range picked {
		resource := m.resources[id]
		resource.Status = models.ResourceStatusAllocated
		resource.LastUsed = now
		resource.Metrics.TotalAllocations++
	}

	if extending {
		m.allocations[executionID] = append(existing, picked...)
	} else {
		m.allocations[executionID] = picked
		m.allocatedAt[executionID] = now
		m.leases[executionID] = time.AfterFunc(m.timeout, func() {
			m.expireLease(executionID)
		})
	}

	m.logger.DebugContext(ctx, "Allocated resources", "executionId", executionID, "resources", picked)

	return true
}

// Release frees every resource held by the execution and cancels its lease.
// Releasing an id with nothing allocated is a no-op.
func (m *Manager) Release(executionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.releaseLocked(executionID, false)
}

// Holds reports whether the execution currently holds a resource of the
// given type.
func (m *Manager) Holds(executionID string, resourceType models.ResourceType) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, id := range m.allocations[executionID] {
		if m.resources[id].Type == resourceType {
			return true
		}
	}

	return false
}

// Status returns a snapshot of the pool taken under the pool lock.
func (m *Manager) Status() PoolStatus {
	m.mu.Lock()
	defer m.mu.Unlock()

	status := PoolStatus{Total: len(m.resources)}

	for _, resource := range m.resources {
		switch resource.Status {
		case models.ResourceStatusAvailable:
			status.Available++
		case models.ResourceStatusAllocated:
			status.Allocated++
		case models.ResourceStatusMaintenance:
			status.Maintenance++
		}

		status.Metrics.TotalAllocations += resource.Metrics.TotalAllocations
		status.Metrics.TotalUsageTime += resource.Metrics.TotalUsageTime
		status.Metrics.FailureCount += resource.Metrics.FailureCount
	}

	return status
}

// Start runs the maintenance loop until the context ends or Stop is called.
func (m *Manager) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(m.maintenanceInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-m.stopCh:
				return
			case <-ticker.C:
				m.maintain()
			}
		}
	}()
}

// Stop halts the maintenance loop and cancels outstanding lease timers.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() {
		close(m.stopCh)
	})

	m.mu.Lock()
	defer m.mu.Unlock()

	for id, timer := range m.leases {
		timer.Stop()
		delete(m.leases, id)
	}
}

// releaseLocked frees the execution's resources. Caller holds m.mu.
func (m *Manager) releaseLocked(executionID string, expired bool) {
	ids, exists := m.allocations[executionID]
	if !exists {
		return
	}

	now := time.Now()
	held := now.Sub(m.allocatedAt[executionID])

	for _, id := range ids {
		resource := m.resources[id]
		if resource.Status != models.ResourceStatusAllocated {
			continue
		}

		resource.Status = models.ResourceStatusAvailable
		resource.LastUsed = now
		resource.Metrics.TotalUsageTime += held

		if expired {
			resource.Metrics.FailureCount++
		}
	}

	if timer, ok := m.leases[executionID]; ok {
		timer.Stop()
		delete(m.leases, executionID)
	}

	delete(m.allocations, executionID)
	delete(m.allocatedAt, executionID)
}

// expireLease fires when an allocation outlived the resource timeout without
// being released. This is the leak-prevention path: no flow may hold a
// resource indefinitely.
func (m *Manager) expireLease(executionID string) {
	m.mu.Lock()

	ids, exists := m.allocations[executionID]
	if !exists {
		m.mu.Unlock()

		return
	}

	reclaimed := append([]string(nil), ids...)

	m.logger.Warn("Resource lease expired, force-releasing",
		"executionId", executionID,
		"timeout", m.timeout,
	)

	m.releaseLocked(executionID, true)
	m.mu.Unlock()

	if m.onLeaseExpired != nil {
		m.onLeaseExpired(executionID, reclaimed)
	}
}

// maintain cycles idle available resources through maintenance for one
// interval and returns them afterwards. Allocated resources are never
// touched.
func (m *Manager) maintain() {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()

	for _, resource := range m.resources {
		switch resource.Status {
		case models.ResourceStatusMaintenance:
			resource.Status = models.ResourceStatusAvailable
			resource.LastUsed = now
		case models.ResourceStatusAvailable:
			if now.Sub(resource.LastUsed) >= m.maintenanceInterval {
				resource.Status = models.ResourceStatusMaintenance
			}
		}
	}

	m.logger.Debug("Maintenance cycle finished")
}
