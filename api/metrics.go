package api

import (
	"context"
	"net/http"
	"time"

	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	tracerName         = "prism-core/api"
	requestSpanName    = "prism.api.request"
	requestEventName   = "prism.api.request"
	requestEventDomain = "prism.api"
	observabilityEvent = "observability.event"
	attrPrefix         = "prism.request."
)

// requestMetrics times one API request and reports it both as a span and as
// a structured log entry.
type requestMetrics struct {
	logger *log.Logger
	span   trace.Span
	route  string
	start  time.Time

	authDuration  time.Duration
	applyDuration time.Duration
	commands      int
	applied       int
	duplicates    int
	items         int
	errorStage    string
}

func newRequestMetrics(ctx context.Context, logger *log.Logger, route string) (*requestMetrics, context.Context) {
	spanCtx, span := otel.Tracer(tracerName).Start(ctx, requestSpanName,
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(attribute.String("http.route", route)))
	return &requestMetrics{logger: logger, span: span, route: route, start: time.Now()}, spanCtx
}

func (m *requestMetrics) ObserveAuth(d time.Duration) {
	if d > 0 {
		m.authDuration = d
	}
}

func (m *requestMetrics) ObserveApply(d time.Duration) {
	if d > 0 {
		m.applyDuration += d
	}
}

func (m *requestMetrics) SetCommands(n int)      { m.commands = max(n, 0) }
func (m *requestMetrics) AddApplied()            { m.applied++ }
func (m *requestMetrics) AddDuplicate()          { m.duplicates++ }
func (m *requestMetrics) SetItemsReturned(n int) { m.items = max(n, 0) }

func (m *requestMetrics) SetErrorStage(stage string) {
	if stage != "" {
		m.errorStage = stage
	}
}

func severityForStatus(status int, err error) (string, int) {
	switch {
	case status >= http.StatusInternalServerError, status == 0 && err != nil:
		return "ERROR", 17
	case status >= http.StatusBadRequest:
		return "WARN", 13
	default:
		return "INFO", 9
	}
}

func (m *requestMetrics) attributes(status int) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		attribute.String("http.route", m.route),
		attribute.Int("http.status_code", status),
		attribute.Float64(attrPrefix+"total_ms", durationToMillis(time.Since(m.start))),
		attribute.Int(attrPrefix+"commands", m.commands),
		attribute.Int(attrPrefix+"applied", m.applied),
		attribute.Int(attrPrefix+"duplicates", m.duplicates),
		attribute.Int(attrPrefix+"items_returned", m.items),
	}
	if m.authDuration > 0 {
		attrs = append(attrs, attribute.Float64(attrPrefix+"auth_ms", durationToMillis(m.authDuration)))
	}
	if m.applyDuration > 0 {
		attrs = append(attrs, attribute.Float64(attrPrefix+"apply_ms", durationToMillis(m.applyDuration)))
	}
	if m.errorStage != "" {
		attrs = append(attrs, attribute.String(attrPrefix+"error_stage", m.errorStage))
	}
	return attrs
}

// Log ends the span and writes the observability event.
func (m *requestMetrics) Log(status int, err error) {
	if m == nil {
		return
	}
	severity, number := severityForStatus(status, err)
	attrs := m.attributes(status)

	eventAttrs := append([]attribute.KeyValue{
		attribute.String("event.name", requestEventName),
		attribute.String("event.domain", requestEventDomain),
		attribute.String("severity_text", severity),
		attribute.Int("severity_number", number),
	}, attrs...)
	if err != nil {
		eventAttrs = append(eventAttrs, attribute.String("error.message", err.Error()))
	}
	m.span.SetAttributes(attrs...)
	m.span.AddEvent(observabilityEvent, trace.WithAttributes(eventAttrs...))
	if severity == "ERROR" {
		desc := http.StatusText(status)
		if err != nil {
			desc = err.Error()
		}
		m.span.SetStatus(codes.Error, desc)
	} else {
		m.span.SetStatus(codes.Ok, "")
	}
	sc := m.span.SpanContext()
	m.span.End()

	if m.logger == nil {
		return
	}
	attrMap := make(map[string]any, len(attrs))
	for _, kv := range attrs {
		attrMap[string(kv.Key)] = kv.Value.AsInterface()
	}
	fields := log.Fields{
		"event.name":      requestEventName,
		"event.domain":    requestEventDomain,
		"severity_text":   severity,
		"severity_number": number,
		"attributes":      attrMap,
	}
	if sc.HasTraceID() {
		fields["trace_id"] = sc.TraceID().String()
		fields["span_id"] = sc.SpanID().String()
	}
	entry := m.logger.WithFields(fields)
	if err != nil {
		entry = entry.WithError(err)
	}
	switch severity {
	case "ERROR":
		entry.Error(observabilityEvent)
	case "WARN":
		entry.Warn(observabilityEvent)
	default:
		entry.Info(observabilityEvent)
	}
}

func durationToMillis(d time.Duration) float64 {
	if d <= 0 {
		return 0
	}
	return float64(d) / float64(time.Millisecond)
}
