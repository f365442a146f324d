package service

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/baja5b/claude-workflow-system/internal/log"
	"github.com/baja5b/claude-workflow-system/pkg/models"
)

const instrumentationName = "github.com/baja5b/claude-workflow-system/pkg/service"

var tracer = otel.Tracer(instrumentationName)

type instruments struct {
	transitions   metric.Int64Counter
	notifications metric.Int64Counter
	testRuns      metric.Int64Counter
}

var (
	instrumentsOnce sync.Once
	inst            instruments
)

// meters are created lazily from the global provider, which forwards to
// whatever provider observability.InitMetrics installs.
func getInstruments() instruments {
	instrumentsOnce.Do(func() {
		inst = newInstruments(otel.Meter(instrumentationName))
	})
	return inst
}

// newInstruments leaves a counter nil when the meter refuses it; recording
// on a nil counter is skipped.
func newInstruments(meter metric.Meter) instruments {
	counter := func(name, description string) metric.Int64Counter {
		c, err := meter.Int64Counter(name, metric.WithDescription(description))
		if err != nil {
			log.GetLogger().Errorf("Failed to create counter %s: %v", name, err)
			return nil
		}
		return c
	}
	return instruments{
		transitions:   counter("workflow_transitions_total", "Workflow status transitions by outcome"),
		notifications: counter("workflow_notifications_total", "Notification delivery attempts by type and outcome"),
		testRuns:      counter("workflow_test_results_total", "Recorded test results by type and outcome"),
	}
}

func outcome(ok bool) string {
	if ok {
		return "success"
	}
	return "failure"
}

func recordTransition(ctx context.Context, graph string, from, to models.WorkflowStatus, err error) {
	c := getInstruments().transitions
	if c == nil {
		return
	}
	c.Add(ctx, 1, metric.WithAttributes(
		attribute.String("graph", graph),
		attribute.String("from", string(from)),
		attribute.String("to", string(to)),
		attribute.String("outcome", outcome(err == nil)),
	))
}

func recordNotification(ctx context.Context, typ models.NotificationType, delivered bool) {
	c := getInstruments().notifications
	if c == nil {
		return
	}
	c.Add(ctx, 1, metric.WithAttributes(
		attribute.String("type", string(typ)),
		attribute.String("outcome", outcome(delivered)),
	))
}

func recordTestResult(ctx context.Context, testType string, passed bool) {
	c := getInstruments().testRuns
	if c == nil {
		return
	}
	c.Add(ctx, 1, metric.WithAttributes(
		attribute.String("test_type", testType),
		attribute.String("outcome", outcome(passed)),
	))
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
