package models

import "time"

// SystemMetrics is a point-in-time summary of service counters.
type SystemMetrics struct {
	CacheHitRatio      float64   `json:"cacheHitRatio"`
	CacheHits          uint64    `json:"cacheHits"`
	CacheMisses        uint64    `json:"cacheMisses"`
	CacheRollbacks     uint64    `json:"cacheRollbacks"`
	RequestsTotal      uint64    `json:"requestsTotal"`
	Resolutions        uint64    `json:"resolutions"`
	AuditAppendFailure uint64    `json:"auditAppendFailures"`
	Goroutines         int       `json:"goroutines"`
	GeneratedAt        time.Time `json:"generatedAt"`
}
