package resource

import (
	"fmt"
	"strings"

	"loom/internal/config"
	"loom/internal/coorderr"
	"loom/internal/sysprobe"
)

// ErrResourceLimitExceeded marks a usage reading above a configured limit.
var ErrResourceLimitExceeded = coorderr.ErrResourceLimitExceeded

// Metric names used in violations and limits.
const (
	MetricMemoryMB      = "memory_mb"
	MetricMemoryPercent = "memory_percent"
	MetricCPUPercent    = "cpu_percent"
	MetricOpenFiles     = "open_files"
	MetricNumThreads    = "num_threads"
)

// Limits bounds a single worker. A zero field disables that check.
type Limits struct {
	MemoryMB      float64 `json:"memory_mb"`
	MemoryPercent float64 `json:"memory_percent"`
	CPUPercent    float64 `json:"cpu_percent"`
	OpenFiles     int     `json:"open_files"`
	NumThreads    int     `json:"num_threads"`
}

// DefaultLimits returns the per-worker defaults.
func DefaultLimits() Limits {
	return Limits{
		MemoryMB:      512,
		MemoryPercent: 5,
		CPUPercent:    25,
		OpenFiles:     100,
		NumThreads:    10,
	}
}

// LimitsFromConfig reads per-worker limits from cfg.
func LimitsFromConfig(cfg *config.Config) Limits {
	return Limits{
		MemoryMB:      cfg.Resource.MemoryMB,
		MemoryPercent: cfg.Resource.MemoryPercent,
		CPUPercent:    cfg.Resource.CPUPercent,
		OpenFiles:     cfg.Resource.OpenFiles,
		NumThreads:    cfg.Resource.NumThreads,
	}
}

// Violation is one metric over its limit.
type Violation struct {
	Metric string  `json:"metric"`
	Value  float64 `json:"value"`
	Limit  float64 `json:"limit"`
	// Projected is set when the violation is a trend projection rather than a
	// measured breach.
	Projected bool `json:"projected,omitempty"`
}

// Err converts the violation to an error wrapping ErrResourceLimitExceeded.
func (v Violation) Err() error {
	kind := "measured"
	if v.Projected {
		kind = "projected"
	}
	return coorderr.Wrap(ErrResourceLimitExceeded, "resource", "limit",
		fmt.Sprintf("%s %s %.2f exceeds %.2f", kind, v.Metric, v.Value, v.Limit), nil)
}

// Check returns every metric of usage above limits, in a fixed metric order.
func (l Limits) Check(usage sysprobe.Usage) []Violation {
	var out []Violation
	check := func(metric string, value, limit float64) {
		if limit > 0 && value > limit {
			out = append(out, Violation{Metric: metric, Value: value, Limit: limit})
		}
	}
	check(MetricMemoryMB, usage.MemoryMB, l.MemoryMB)
	check(MetricMemoryPercent, usage.MemoryPercent, l.MemoryPercent)
	check(MetricCPUPercent, usage.CPUPercent, l.CPUPercent)
	check(MetricOpenFiles, float64(usage.OpenFiles), float64(l.OpenFiles))
	check(MetricNumThreads, float64(usage.NumThreads), float64(l.NumThreads))
	return out
}

func describe(violations []Violation) string {
	parts := make([]string, 0, len(violations))
	for _, v := range violations {
		parts = append(parts, v.Metric)
	}
	return strings.Join(parts, ",")
}
