// Package degradation implements staged, fleet-wide feature reduction. When
// system health deteriorates the manager steps through a static catalog of
// service levels, disabling features and tightening performance limits, and
// steps back down one level at a time once conditions stabilize.
package degradation

import (
	"time"
)

// Level is an ordered degradation level. Higher means more degraded.
type Level int

const (
	// LevelFullService - all features available
	LevelFullService Level = iota
	// LevelReducedFeatures - non-essential analytics and reporting disabled
	LevelReducedFeatures
	// LevelEssentialOnly - only core operations remain
	LevelEssentialOnly
	// LevelReadOnly - mutations rejected, reads still served
	LevelReadOnly
	// LevelEmergencyMode - health and status endpoints only
	LevelEmergencyMode
)

// MaxLevel is the most degraded level in the catalog
const MaxLevel = LevelEmergencyMode

func (l Level) String() string {
	switch l {
	case LevelFullService:
		return "full_service"
	case LevelReducedFeatures:
		return "reduced_features"
	case LevelEssentialOnly:
		return "essential_only"
	case LevelReadOnly:
		return "read_only"
	case LevelEmergencyMode:
		return "emergency_mode"
	default:
		return "unknown"
	}
}

// Feature names tracked by the catalog
const (
	FeatureAdvancedAnalytics = "advanced_analytics"
	FeatureReportGeneration  = "report_generation"
	FeatureBatchProcessing   = "batch_processing"
	FeaturePolicySimulation  = "policy_simulation"
	FeatureAuditExport       = "audit_export"
	FeatureAgentScheduling   = "agent_scheduling"
	FeatureWriteOperations   = "write_operations"
	FeatureCoreAPI           = "core_api"
	FeatureHealthChecks      = "health_checks"
)

// PerformanceLimits are the advisory request limits applied at a level
type PerformanceLimits struct {
	MaxConcurrentRequests int           `json:"max_concurrent_requests"`
	MaxRequestBytes       int64         `json:"max_request_bytes"`
	RequestTimeout        time.Duration `json:"request_timeout"`
	RateLimitPerMinute    int           `json:"rate_limit_per_minute"`
}

// TriggerMetric identifies which system health metric fired a trigger
type TriggerMetric string

const (
	MetricErrorRate    TriggerMetric = "error_rate"
	MetricResponseTime TriggerMetric = "response_time"
	MetricCPUUsage     TriggerMetric = "cpu_usage"
	MetricMemoryUsage  TriggerMetric = "memory_usage"
)

// TriggerCondition is a simple threshold test over one health metric
type TriggerCondition struct {
	Metric    TriggerMetric `json:"metric"`
	Threshold float64       `json:"threshold"`
}

// Evaluate reports whether the condition holds against the given metrics.
// Response-time thresholds are in milliseconds.
func (c TriggerCondition) Evaluate(m SystemMetrics) bool {
	switch c.Metric {
	case MetricErrorRate:
		return m.ErrorRate > c.Threshold
	case MetricResponseTime:
		return float64(m.ResponseTime.Milliseconds()) > c.Threshold
	case MetricCPUUsage:
		return m.CPUUsage > c.Threshold
	case MetricMemoryUsage:
		return m.MemoryUsage > c.Threshold
	default:
		return false
	}
}

// FallbackStrategy is activated when a level is applied and its trigger holds
type FallbackStrategy struct {
	Name    string           `json:"name"`
	Trigger TriggerCondition `json:"trigger"`
}

// LevelSpec is one static catalog entry
type LevelSpec struct {
	Level            Level              `json:"level"`
	Name             string             `json:"name"`
	Description      string             `json:"description"`
	EnabledFeatures  []string           `json:"enabled_features"`
	DisabledFeatures []string           `json:"disabled_features"`
	Limits           PerformanceLimits  `json:"performance_limits"`
	Fallbacks        []FallbackStrategy `json:"fallback_strategies"`
}

// Catalog returns the static five-level catalog
func Catalog() []LevelSpec {
	return []LevelSpec{
		{
			Level:       LevelFullService,
			Name:        "Full Service",
			Description: "All features available at normal limits",
			EnabledFeatures: []string{
				FeatureAdvancedAnalytics, FeatureReportGeneration, FeatureBatchProcessing,
				FeaturePolicySimulation, FeatureAuditExport, FeatureAgentScheduling,
				FeatureWriteOperations, FeatureCoreAPI, FeatureHealthChecks,
			},
			Limits: PerformanceLimits{
				MaxConcurrentRequests: 1000,
				MaxRequestBytes:       10 << 20,
				RequestTimeout:        30 * time.Second,
				RateLimitPerMinute:    6000,
			},
		},
		{
			Level:       LevelReducedFeatures,
			Name:        "Reduced Features",
			Description: "Analytics and reporting suspended to shed load",
			EnabledFeatures: []string{
				FeatureBatchProcessing, FeaturePolicySimulation, FeatureAuditExport,
				FeatureAgentScheduling, FeatureWriteOperations, FeatureCoreAPI, FeatureHealthChecks,
			},
			DisabledFeatures: []string{
				FeatureAdvancedAnalytics, FeatureReportGeneration,
			},
			Limits: PerformanceLimits{
				MaxConcurrentRequests: 500,
				MaxRequestBytes:       5 << 20,
				RequestTimeout:        20 * time.Second,
				RateLimitPerMinute:    3000,
			},
			Fallbacks: []FallbackStrategy{
				{Name: "cached_analytics", Trigger: TriggerCondition{Metric: MetricResponseTime, Threshold: 5000}},
			},
		},
		{
			Level:       LevelEssentialOnly,
			Name:        "Essential Only",
			Description: "Background and batch workloads suspended",
			EnabledFeatures: []string{
				FeatureAgentScheduling, FeatureWriteOperations, FeatureCoreAPI, FeatureHealthChecks,
			},
			DisabledFeatures: []string{
				FeatureAdvancedAnalytics, FeatureReportGeneration, FeatureBatchProcessing,
				FeaturePolicySimulation, FeatureAuditExport,
			},
			Limits: PerformanceLimits{
				MaxConcurrentRequests: 200,
				MaxRequestBytes:       1 << 20,
				RequestTimeout:        15 * time.Second,
				RateLimitPerMinute:    1000,
			},
			Fallbacks: []FallbackStrategy{
				{Name: "queue_deferral", Trigger: TriggerCondition{Metric: MetricCPUUsage, Threshold: 85}},
			},
		},
		{
			Level:       LevelReadOnly,
			Name:        "Read Only",
			Description: "Mutations rejected, read paths still served",
			EnabledFeatures: []string{
				FeatureCoreAPI, FeatureHealthChecks,
			},
			DisabledFeatures: []string{
				FeatureAdvancedAnalytics, FeatureReportGeneration, FeatureBatchProcessing,
				FeaturePolicySimulation, FeatureAuditExport, FeatureAgentScheduling,
				FeatureWriteOperations,
			},
			Limits: PerformanceLimits{
				MaxConcurrentRequests: 100,
				MaxRequestBytes:       512 << 10,
				RequestTimeout:        10 * time.Second,
				RateLimitPerMinute:    500,
			},
			Fallbacks: []FallbackStrategy{
				{Name: "stale_reads", Trigger: TriggerCondition{Metric: MetricErrorRate, Threshold: 0.15}},
			},
		},
		{
			Level:       LevelEmergencyMode,
			Name:        "Emergency Mode",
			Description: "Health and status endpoints only",
			EnabledFeatures: []string{
				FeatureHealthChecks,
			},
			DisabledFeatures: []string{
				FeatureAdvancedAnalytics, FeatureReportGeneration, FeatureBatchProcessing,
				FeaturePolicySimulation, FeatureAuditExport, FeatureAgentScheduling,
				FeatureWriteOperations, FeatureCoreAPI,
			},
			Limits: PerformanceLimits{
				MaxConcurrentRequests: 25,
				MaxRequestBytes:       64 << 10,
				RequestTimeout:        5 * time.Second,
				RateLimitPerMinute:    100,
			},
			Fallbacks: []FallbackStrategy{
				{Name: "static_status_page", Trigger: TriggerCondition{Metric: MetricMemoryUsage, Threshold: 90}},
			},
		},
	}
}
