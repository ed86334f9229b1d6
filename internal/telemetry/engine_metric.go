package internaltelemetry

import (
	"go.opentelemetry.io/otel/metric"
)

// EngineMetrics holds all the metric instruments for the storage engine's
// operation API.
type EngineMetrics struct {
	OpsStartedCounter    metric.Int64Counter
	OpsHandledCounter    metric.Int64Counter
	OpLatencyHistogram   metric.Int64Histogram
	ActiveTxnsUpDown     metric.Int64UpDownCounter
	CommitsCounter       metric.Int64Counter
	RollbacksCounter     metric.Int64Counter
	DeadlockAbortCounter metric.Int64Counter
}

// NewEngineMetrics creates and registers all the metrics for the engine.
func NewEngineMetrics(meter metric.Meter) (*EngineMetrics, error) {
	opsStartedCounter, err := meter.Int64Counter(
		"granite.engine.ops.started_total",
		metric.WithDescription("Total number of engine operations started."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	opsHandledCounter, err := meter.Int64Counter(
		"granite.engine.ops.handled_total",
		metric.WithDescription("Total number of engine operations completed."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	opLatencyHistogram, err := meter.Int64Histogram(
		"granite.engine.ops.duration",
		metric.WithDescription("The latency of engine operations."),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	activeTxnsUpDown, err := meter.Int64UpDownCounter(
		"granite.engine.txn.active",
		metric.WithDescription("Number of transactions currently active."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	commitsCounter, err := meter.Int64Counter(
		"granite.engine.txn.commits_total",
		metric.WithDescription("Total number of committed transactions."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	rollbacksCounter, err := meter.Int64Counter(
		"granite.engine.txn.rollbacks_total",
		metric.WithDescription("Total number of rolled-back transactions."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	deadlockAbortCounter, err := meter.Int64Counter(
		"granite.engine.txn.deadlock_aborts_total",
		metric.WithDescription("Total number of transactions aborted by lock timeout."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	return &EngineMetrics{
		OpsStartedCounter:    opsStartedCounter,
		OpsHandledCounter:    opsHandledCounter,
		OpLatencyHistogram:   opLatencyHistogram,
		ActiveTxnsUpDown:     activeTxnsUpDown,
		CommitsCounter:       commitsCounter,
		RollbacksCounter:     rollbacksCounter,
		DeadlockAbortCounter: deadlockAbortCounter,
	}, nil
}
