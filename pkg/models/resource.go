package models

import "time"

// ResourceType identifies a class of shared execution resource.
type ResourceType string

const (
	ResourceTypeDatabase ResourceType = "database"
	ResourceTypeAPI      ResourceType = "api"
)

// ResourceStatus is the allocation state of a pooled resource.
type ResourceStatus string

const (
	ResourceStatusAvailable   ResourceStatus = "available"
	ResourceStatusAllocated   ResourceStatus = "allocated"
	ResourceStatusMaintenance ResourceStatus = "maintenance"
)

// Resource is one member of the fixed execution resource pool. At most one
// flow holds an allocated resource at a time; every allocation is backed by
// a lease that force-releases it after the resource timeout.
type Resource struct {
	ID       string          `json:"id"`
	Type     ResourceType    `json:"type"`
	Status   ResourceStatus  `json:"status"`
	LastUsed time.Time       `json:"last_used"`
	Metrics  ResourceMetrics `json:"metrics"`
}

// ResourceMetrics accumulates per-resource usage counters.
type ResourceMetrics struct {
	TotalAllocations int64         `json:"total_allocations"`
	TotalUsageTime   time.Duration `json:"total_usage_time"`
	FailureCount     int64         `json:"failure_count"`
}

// Requirement asks for Count resources of one type.
type Requirement struct {
	Type  ResourceType `json:"type"`
	Count int          `json:"count"`
}
