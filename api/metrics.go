package api

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "prism-pipeline/api"

type requestMetrics struct {
	logger       *log.Logger
	span         trace.Span
	route        string
	start        time.Time
	authDuration time.Duration
	userID       string
	itemID       string
	column       string
	result       string
	errorStage   string
	failure      error
}

func newRequestMetrics(ctx context.Context, logger *log.Logger, route string) (*requestMetrics, context.Context) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "http "+route, trace.WithSpanKind(trace.SpanKindServer))
	return &requestMetrics{
		logger: logger,
		span:   span,
		route:  route,
		start:  time.Now(),
	}, ctx
}

func (m *requestMetrics) ObserveAuth(d time.Duration) {
	if d <= 0 {
		return
	}
	m.authDuration = d
}

func (m *requestMetrics) SetUser(id string) { m.userID = id }
func (m *requestMetrics) SetItem(id string) { m.itemID = id }
func (m *requestMetrics) SetColumn(c string) { m.column = c }
func (m *requestMetrics) SetResult(r string) { m.result = r }

func (m *requestMetrics) SetErrorStage(stage string) {
	if stage == "" {
		return
	}
	m.errorStage = stage
}

// Fail records the error that shaped the response when the handler itself returns nil.
func (m *requestMetrics) Fail(stage string, err error) {
	m.SetErrorStage(stage)
	m.failure = err
}

// Log ends the span and writes one structured entry for the request.
func (m *requestMetrics) Log(status int, err error) {
	if m == nil {
		return
	}
	if err == nil {
		err = m.failure
	}
	if m.span != nil {
		m.span.SetAttributes(
			attribute.String("http.route", m.route),
			attribute.Int("http.status_code", status),
		)
		if m.itemID != "" {
			m.span.SetAttributes(attribute.String("board.item_id", m.itemID))
		}
		if m.result != "" {
			m.span.SetAttributes(attribute.String("board.move_result", m.result))
		}
		if err != nil || status >= 500 {
			m.span.SetStatus(codes.Error, m.errorStage)
			if err != nil {
				m.span.RecordError(err)
			}
		}
		m.span.End()
	}
	if m.logger == nil {
		return
	}
	fields := log.Fields{
		"route":    m.route,
		"status":   status,
		"total_ms": durationToMillis(time.Since(m.start)),
	}
	if m.authDuration > 0 {
		fields["auth_ms"] = durationToMillis(m.authDuration)
	}
	if m.userID != "" {
		fields["user_id"] = m.userID
	}
	if m.itemID != "" {
		fields["item_id"] = m.itemID
	}
	if m.column != "" {
		fields["column"] = m.column
	}
	if m.result != "" {
		fields["result"] = m.result
	}
	if m.errorStage != "" {
		fields["error_stage"] = m.errorStage
	}
	if err != nil {
		fields["error"] = err.Error()
	}
	m.logger.WithFields(fields).Info("board.request.metrics")
}

func durationToMillis(d time.Duration) float64 {
	if d <= 0 {
		return 0
	}
	return float64(d) / float64(time.Millisecond)
}
