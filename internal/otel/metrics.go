package otel

import "go.opentelemetry.io/otel/metric"

// Metrics holds all Tangle metric instruments.
type Metrics struct {
	TasksCreated    metric.Int64Counter
	TasksCompleted  metric.Int64Counter
	TasksDeleted    metric.Int64Counter
	TagsEnsured     metric.Int64Counter
	LogsAppended    metric.Int64Counter
	CommandDuration metric.Float64Histogram
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.TasksCreated, err = meter.Int64Counter("tangle.tasks.created",
		metric.WithDescription("Tasks created"),
	)
	if err != nil {
		return nil, err
	}

	m.TasksCompleted, err = meter.Int64Counter("tangle.tasks.completed",
		metric.WithDescription("Tasks marked completed"),
	)
	if err != nil {
		return nil, err
	}

	m.TasksDeleted, err = meter.Int64Counter("tangle.tasks.deleted",
		metric.WithDescription("Tasks deleted"),
	)
	if err != nil {
		return nil, err
	}

	m.TagsEnsured, err = meter.Int64Counter("tangle.tags.ensured",
		metric.WithDescription("Tag find-or-create operations"),
	)
	if err != nil {
		return nil, err
	}

	m.LogsAppended, err = meter.Int64Counter("tangle.logs.appended",
		metric.WithDescription("Log entries appended"),
	)
	if err != nil {
		return nil, err
	}

	m.CommandDuration, err = meter.Float64Histogram("tangle.command.duration",
		metric.WithDescription("CLI command duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}
