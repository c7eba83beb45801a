// Package trace is the Trace Recorder: it opens an OpenTelemetry span for
// every llm_call/tool_call/mcp_call/workflow_step activity (so the process
// still exports to whatever OTLP/stdout backend is configured) and, on
// Finish, persists the same activity as a model.TraceSpan row through
// pkg/store so the control plane's own session/workflow-run views work
// without an external trace backend.
package trace

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/agentmesh/controlplane/pkg/model"
	"github.com/agentmesh/controlplane/pkg/store"
)

// previewLimit bounds the input/output preview persisted on a span row.
const previewLimit = 500

// Config configures the OTel side of the recorder. Exporter is one of
// "otlp", "stdout", or "none" (spans are still persisted, just never
// exported to a collector).
type Config struct {
	Enabled        bool
	ServiceName    string
	Exporter       string
	Endpoint       string
	Insecure       bool
	SamplingRate   float64
	CapturePayload bool
}

func (c *Config) setDefaults() {
	if c.ServiceName == "" {
		c.ServiceName = "controlplane"
	}
	if c.Exporter == "" {
		c.Exporter = "none"
	}
	if c.SamplingRate <= 0 {
		c.SamplingRate = 1.0
	}
}

// Recorder pairs an OTel tracer with the Store's SpanRepo.
type Recorder struct {
	provider       *sdktrace.TracerProvider
	tracer         trace.Tracer
	store          *store.Store
	capturePayload bool
}

// NewRecorder builds a Recorder. If cfg is nil or disabled, OTel export is
// skipped but spans still persist through s — the control plane's own
// trace views never depend on a collector being reachable.
func NewRecorder(ctx context.Context, s *store.Store, cfg *Config) (*Recorder, error) {
	if cfg == nil {
		cfg = &Config{}
	}
	cfg.setDefaults()

	r := &Recorder{store: s, capturePayload: cfg.CapturePayload, tracer: trace.NewNoopTracerProvider().Tracer("noop")}
	if !cfg.Enabled || cfg.Exporter == "none" {
		return r, nil
	}

	exporter, err := createExporter(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create trace exporter: %w", err)
	}

	res, err := resource.Merge(resource.Default(),
		resource.NewWithAttributes(semconv.SchemaURL, semconv.ServiceName(cfg.ServiceName)))
	if err != nil {
		return nil, fmt.Errorf("build trace resource: %w", err)
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.TraceIDRatioBased(cfg.SamplingRate)),
		sdktrace.WithBatcher(exporter),
	)
	otel.SetTracerProvider(provider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))

	r.provider = provider
	r.tracer = provider.Tracer(cfg.ServiceName)
	return r, nil
}

func createExporter(ctx context.Context, cfg *Config) (sdktrace.SpanExporter, error) {
	switch cfg.Exporter {
	case "stdout":
		return stdouttrace.New(stdouttrace.WithPrettyPrint())
	case "otlp":
		opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.Endpoint)}
		if cfg.Insecure {
			opts = append(opts, otlptracegrpc.WithDialOption(grpc.WithTransportCredentials(insecure.NewCredentials())), otlptracegrpc.WithInsecure())
		}
		return otlptracegrpc.New(ctx, opts...)
	default:
		return nil, fmt.Errorf("unsupported trace exporter %q", cfg.Exporter)
	}
}

func (r *Recorder) Shutdown(ctx context.Context) error {
	if r == nil || r.provider == nil {
		return nil
	}
	return r.provider.Shutdown(ctx)
}

// Span is one in-flight activity: an OTel span plus the fields that will
// become a persisted model.TraceSpan row on Finish.
type Span struct {
	otel    trace.Span
	rec     *Recorder
	start   time.Time
	row     model.TraceSpan
}

// Start begins a span of the given type. sessionID/workflowRunID follow
// model.TraceSpan's "optional session or workflow_run link" — callers pass
// whichever applies and leave the other empty.
func (r *Recorder) Start(ctx context.Context, spanType model.SpanType, name, sessionID, workflowRunID string, roundNumber int) (context.Context, *Span) {
	ctx, otelSpan := r.tracer.Start(ctx, name, trace.WithAttributes(
		attribute.String("span.type", string(spanType)),
		attribute.String("session.id", sessionID),
	))

	seq := 0
	if r.store != nil && sessionID != "" {
		if n, err := r.store.Spans().NextSequence(sessionID); err == nil {
			seq = n
		}
	}

	sp := &Span{
		otel:  otelSpan,
		rec:   r,
		start: time.Now(),
		row: model.TraceSpan{
			ID:            uuid.NewString(),
			SessionID:     sessionID,
			WorkflowRunID: workflowRunID,
			Type:          spanType,
			Name:          name,
			Sequence:      seq,
			RoundNumber:   roundNumber,
		},
	}
	return ctx, sp
}

// SetModel records the model/provider pair an llm_call span targeted.
func (s *Span) SetModel(modelName, provider string) {
	if s == nil {
		return
	}
	s.row.Model, s.row.Provider = modelName, provider
	s.otel.SetAttributes(attribute.String("gen_ai.request.model", modelName), attribute.String("gen_ai.system", provider))
}

// SetPreview attaches truncated input/output previews, used by the Tool
// Executor/MCP Connector/Provider Adapter callers so the persisted row
// never carries a full (possibly huge) payload.
func (s *Span) SetPreview(input, output string) {
	if s == nil {
		return
	}
	s.row.InputPreview = truncate(input)
	s.row.OutputPreview = truncate(output)
	if s.rec.capturePayload {
		s.otel.SetAttributes(attribute.String("controlplane.input", input), attribute.String("controlplane.output", output))
	}
}

func truncate(s string) string {
	if len(s) <= previewLimit {
		return s
	}
	return s[:previewLimit]
}

// Finish closes the OTel span, stamps duration/status, persists the row,
// and returns the assigned span id (so the Stream Engine can later
// back-fill message_id across every span opened this round).
func (s *Span) Finish(inputTokens, outputTokens int, status model.SpanStatus, finishErr error) string {
	if s == nil {
		return ""
	}
	duration := time.Since(s.start)
	s.row.InputTokens, s.row.OutputTokens = inputTokens, outputTokens
	s.row.DurationMS = duration.Milliseconds()
	s.row.Status = status
	s.row.CreatedAt = time.Now()

	if finishErr != nil {
		s.otel.RecordError(finishErr)
		s.otel.SetAttributes(attribute.String("error.message", finishErr.Error()))
	}
	s.otel.SetAttributes(
		attribute.Int("gen_ai.usage.input_tokens", inputTokens),
		attribute.Int("gen_ai.usage.output_tokens", outputTokens),
	)
	s.otel.End()

	if s.rec.store != nil {
		_ = s.rec.store.Spans().Record(&s.row)
	}
	return s.row.ID
}

// BackfillMessageID back-fills message_id on every span recorded this round
// once the assistant message has been persisted, per invariant 2.
func (r *Recorder) BackfillMessageID(sessionID string, fromSequence int, messageID string) error {
	if r.store == nil {
		return nil
	}
	return r.store.Spans().BackfillMessageID(sessionID, fromSequence, messageID)
}
