package telemetry

import "go.opentelemetry.io/otel/sdk/metric/metricdata"

// SumCounter adds up every data point of the int64 counter called name.
func SumCounter(collected metricdata.ResourceMetrics, name string) int64 {
	var total int64
	for _, scope := range collected.ScopeMetrics {
		for _, instrument := range scope.Metrics {
			if instrument.Name != name {
				continue
			}
			sum, ok := instrument.Data.(metricdata.Sum[int64])
			if !ok {
				continue
			}
			for _, point := range sum.DataPoints {
				total += point.Value
			}
		}
	}
	return total
}
