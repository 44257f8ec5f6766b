package otel

import (
	"context"
	"fmt"

	config "github.com/agentwire/a2a/server/config"
	types "github.com/agentwire/a2a/types"
	otel "go.opentelemetry.io/otel"
	attribute "go.opentelemetry.io/otel/attribute"
	prometheus "go.opentelemetry.io/otel/exporters/prometheus"
	metric "go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	resource "go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.32.0"
	zap "go.uber.org/zap"
)

// OpenTelemetry defines the operations for telemetry
type OpenTelemetry interface {
	// Transport level metrics
	RecordRequestCount(ctx context.Context, method string)
	RecordResponseStatus(ctx context.Context, method, requestPath string, statusCode int)
	RecordRequestDuration(ctx context.Context, method, requestPath string, durationMs float64)

	// Task pipeline metrics
	RecordTaskCreated(ctx context.Context)
	RecordTransition(ctx context.Context, from, to types.TaskState)
	RecordDroppedTransition(ctx context.Context, from, to types.TaskState)

	// Webhook delivery metrics
	RecordWebhookDelivery(ctx context.Context, success bool)

	// Shutdown the telemetry system
	ShutDown(ctx context.Context) error
}

type OpenTelemetryImpl struct {
	logger        *zap.Logger
	meterProvider *sdkmetric.MeterProvider
	meter         metric.Meter

	// Metrics
	requestCounter           metric.Int64Counter
	responseStatusCounter    metric.Int64Counter
	requestDurationHistogram metric.Float64Histogram
	taskCreatedCounter       metric.Int64Counter
	transitionCounter        metric.Int64Counter
	droppedTransitionCounter metric.Int64Counter
	webhookDeliveryCounter   metric.Int64Counter
}

// NewOpenTelemetry creates a new OpenTelemetry implementation with proper dependency injection
func NewOpenTelemetry(cfg *config.Config, logger *zap.Logger) (OpenTelemetry, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}

	o := &OpenTelemetryImpl{
		logger: logger,
	}

	if err := o.initialize(cfg); err != nil {
		return nil, fmt.Errorf("failed to initialize opentelemetry: %w", err)
	}

	return o, nil
}

func (o *OpenTelemetryImpl) initialize(cfg *config.Config) error {
	o.logger.Info("initializing opentelemetry",
		zap.String("agent_name", cfg.AgentName),
		zap.String("version", cfg.AgentVersion))

	exporter, err := prometheus.New()
	if err != nil {
		o.logger.Error("failed to create prometheus exporter", zap.Error(err))
		return err
	}

	res := resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(cfg.AgentName),
		semconv.ServiceVersion(cfg.AgentVersion),
	)

	histogramBoundaries := []float64{1, 5, 10, 25, 50, 75, 100, 250, 500, 750, 1000, 2500, 5000, 7500, 10000}

	latencyView := sdkmetric.NewView(
		sdkmetric.Instrument{
			Kind: sdkmetric.InstrumentKindHistogram,
		},
		sdkmetric.Stream{
			Aggregation: sdkmetric.AggregationExplicitBucketHistogram{
				Boundaries: histogramBoundaries,
			},
		},
	)

	o.meterProvider = sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(exporter),
		sdkmetric.WithView(latencyView),
	)
	otel.SetMeterProvider(o.meterProvider)

	o.meter = o.meterProvider.Meter(cfg.AgentName)

	if err := o.initializeMetrics(); err != nil {
		o.logger.Error("failed to initialize metrics", zap.Error(err))
		return err
	}

	o.logger.Info("opentelemetry initialized successfully")
	return nil
}

func (o *OpenTelemetryImpl) RecordRequestCount(ctx context.Context, method string) {
	o.requestCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("method", method),
	))
}

func (o *OpenTelemetryImpl) RecordResponseStatus(ctx context.Context, method, requestPath string, statusCode int) {
	o.responseStatusCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("request_method", method),
		attribute.String("request_path", requestPath),
		attribute.Int("status_code", statusCode),
	))
}

func (o *OpenTelemetryImpl) RecordRequestDuration(ctx context.Context, method, requestPath string, durationMs float64) {
	o.requestDurationHistogram.Record(ctx, durationMs, metric.WithAttributes(
		attribute.String("request_method", method),
		attribute.String("request_path", requestPath),
	))
}

func (o *OpenTelemetryImpl) RecordTaskCreated(ctx context.Context) {
	o.taskCreatedCounter.Add(ctx, 1)
}

func (o *OpenTelemetryImpl) RecordTransition(ctx context.Context, from, to types.TaskState) {
	o.transitionCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("from_state", string(from)),
		attribute.String("to_state", string(to)),
	))
}

func (o *OpenTelemetryImpl) RecordDroppedTransition(ctx context.Context, from, to types.TaskState) {
	o.droppedTransitionCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("from_state", string(from)),
		attribute.String("to_state", string(to)),
	))
}

func (o *OpenTelemetryImpl) RecordWebhookDelivery(ctx context.Context, success bool) {
	o.webhookDeliveryCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.Bool("success", success),
	))
}

func (o *OpenTelemetryImpl) ShutDown(ctx context.Context) error {
	return o.meterProvider.Shutdown(ctx)
}

// initializeMetrics initializes all the OpenTelemetry metrics
func (o *OpenTelemetryImpl) initializeMetrics() error {
	var err error

	o.requestCounter, err = o.meter.Int64Counter(
		"a2a.requests.total",
		metric.WithDescription("Total number of A2A requests processed"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return fmt.Errorf("failed to create request counter: %w", err)
	}

	o.responseStatusCounter, err = o.meter.Int64Counter(
		"a2a.response_status.total",
		metric.WithDescription("Total number of responses by status code"),
		metric.WithUnit("{response}"),
	)
	if err != nil {
		return fmt.Errorf("failed to create response status counter: %w", err)
	}

	o.requestDurationHistogram, err = o.meter.Float64Histogram(
		"a2a.request_duration",
		metric.WithDescription("Duration of A2A request processing"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return fmt.Errorf("failed to create request duration histogram: %w", err)
	}

	o.taskCreatedCounter, err = o.meter.Int64Counter(
		"a2a.tasks.created.total",
		metric.WithDescription("Total number of tasks created"),
		metric.WithUnit("{task}"),
	)
	if err != nil {
		return fmt.Errorf("failed to create task created counter: %w", err)
	}

	o.transitionCounter, err = o.meter.Int64Counter(
		"a2a.task_transitions.total",
		metric.WithDescription("Total number of applied task state transitions"),
		metric.WithUnit("{transition}"),
	)
	if err != nil {
		return fmt.Errorf("failed to create transition counter: %w", err)
	}

	o.droppedTransitionCounter, err = o.meter.Int64Counter(
		"a2a.task_transitions.dropped.total",
		metric.WithDescription("Total number of dropped illegal task state transitions"),
		metric.WithUnit("{transition}"),
	)
	if err != nil {
		return fmt.Errorf("failed to create dropped transition counter: %w", err)
	}

	o.webhookDeliveryCounter, err = o.meter.Int64Counter(
		"a2a.webhook_deliveries.total",
		metric.WithDescription("Total number of webhook delivery attempts"),
		metric.WithUnit("{delivery}"),
	)
	if err != nil {
		return fmt.Errorf("failed to create webhook delivery counter: %w", err)
	}

	o.logger.Debug("all opentelemetry metrics initialized successfully")
	return nil
}
