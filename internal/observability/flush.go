package observability

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

// FlushTelemetry logs a final ranking summary and flushes the logger. Prometheus is
// pull-based so nothing is pushed; call after in-flight requests have drained.
func FlushTelemetry(ctx context.Context, logger *zap.Logger) error {
	if logger == nil {
		return nil
	}
	if ctx.Err() == nil {
		logger.Info("ranking summary", summaryFields()...)
	}
	if err := logger.Sync(); err != nil {
		return fmt.Errorf("flush logs: %w", err)
	}
	return nil
}

// summaryFields reads outcome and cache counters back from the registry.
func summaryFields() []zap.Field {
	families, err := registry.Gather()
	if err != nil {
		return []zap.Field{zap.Error(err)}
	}
	var fields []zap.Field
	for _, mf := range families {
		switch mf.GetName() {
		case "rankingsTotal":
			for _, m := range mf.GetMetric() {
				for _, lp := range m.GetLabel() {
					if lp.GetName() == "outcome" {
						fields = append(fields, zap.Float64("rankings_"+lp.GetValue(), m.GetCounter().GetValue()))
					}
				}
			}
		case "cacheHitsTotal", "cacheMissesTotal", "marineDegradedTotal":
			for _, m := range mf.GetMetric() {
				fields = append(fields, zap.Float64(mf.GetName(), m.GetCounter().GetValue()))
			}
		}
	}
	return fields
}
