package resource

// projectNext fits a least-squares line through values and returns the
// predicted next value. ok is false unless values are strictly increasing.
func projectNext(values []float64) (next float64, ok bool) {
	n := len(values)
	if n < 2 {
		return 0, false
	}
	for i := 1; i < n; i++ {
		if values[i] <= values[i-1] {
			return 0, false
		}
	}
	var sumX, sumY, sumXY, sumXX float64
	for i, y := range values {
		x := float64(i)
		sumX += x
		sumY += y
		sumXY += x * y
		sumXX += x * x
	}
	fn := float64(n)
	slope := (fn*sumXY - sumX*sumY) / (fn*sumXX - sumX*sumX)
	intercept := (sumY - slope*sumX) / fn
	return intercept + slope*fn, true
}

// projectViolations reports the metrics whose strictly rising trend over
// history is projected to cross its limit on the next sample.
func projectViolations(limits Limits, history []Sample) []Violation {
	mem := make([]float64, len(history))
	memPct := make([]float64, len(history))
	cpu := make([]float64, len(history))
	for i, s := range history {
		mem[i] = s.MemoryMB
		memPct[i] = s.MemoryPercent
		cpu[i] = s.CPUPercent
	}
	var out []Violation
	project := func(metric string, values []float64, limit float64) {
		if limit <= 0 {
			return
		}
		if next, ok := projectNext(values); ok && next > limit {
			out = append(out, Violation{Metric: metric, Value: next, Limit: limit, Projected: true})
		}
	}
	project(MetricMemoryMB, mem, limits.MemoryMB)
	project(MetricMemoryPercent, memPct, limits.MemoryPercent)
	project(MetricCPUPercent, cpu, limits.CPUPercent)
	return out
}
