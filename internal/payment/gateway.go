package payment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/smallbiznis/pawbill/internal/config"
	"github.com/smallbiznis/pawbill/internal/observability/metrics"
	"github.com/smallbiznis/pawbill/internal/observability/tracing"
	"github.com/smallbiznis/pawbill/internal/payment/adapters"
	paymentdomain "github.com/smallbiznis/pawbill/internal/payment/domain"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

type GatewayParams struct {
	fx.In

	Config   config.Config
	Registry *adapters.Registry
	Log      *zap.Logger
	Metrics  *metrics.Metrics `optional:"true"`
}

// NewGateway builds the configured adapter and wraps it with tracing and
// charge metrics.
func NewGateway(p GatewayParams) (paymentdomain.Gateway, error) {
	provider := p.Config.Payment.Provider
	if provider == "sandbox" && p.Config.IsProduction() {
		return nil, fmt.Errorf("%w: sandbox payments are not allowed in production", paymentdomain.ErrInvalidConfig)
	}

	if !p.Registry.ProviderExists(provider) {
		return nil, fmt.Errorf("%w: unknown payment provider %q", paymentdomain.ErrProviderNotFound, provider)
	}

	gateway, err := p.Registry.NewAdapter(provider, paymentdomain.AdapterConfig{
		APILoginID:     p.Config.Payment.APILoginID,
		TransactionKey: p.Config.Payment.TransactionKey,
		Environment:    p.Config.Payment.Environment,
		Timeout:        p.Config.Payment.Timeout,
		HTTPClient:     tracing.WrapHTTPClient(nil),
	})
	if err != nil {
		return nil, fmt.Errorf("payment gateway %q: %w", provider, err)
	}

	log := p.Log.Named("payment.gateway")
	if !gateway.IsConfigured() {
		log.Warn("payment gateway credentials missing; charges will be refused", zap.String("provider", gateway.Provider()))
	}
	return Instrument(gateway, p.Metrics, log), nil
}

// Instrument decorates a gateway with a span and a charge counter per call.
func Instrument(gateway paymentdomain.Gateway, m *metrics.Metrics, log *zap.Logger) paymentdomain.Gateway {
	if log == nil {
		log = zap.NewNop()
	}
	return &instrumentedGateway{next: gateway, metrics: m, log: log}
}

type instrumentedGateway struct {
	next    paymentdomain.Gateway
	metrics *metrics.Metrics
	log     *zap.Logger
}

func (g *instrumentedGateway) Provider() string {
	return g.next.Provider()
}

func (g *instrumentedGateway) IsConfigured() bool {
	return g.next.IsConfigured()
}

func (g *instrumentedGateway) ChargeCustomerProfile(ctx context.Context, req paymentdomain.ChargeRequest) (*paymentdomain.ChargeResult, error) {
	ctx, span := tracing.Tracer().Start(ctx, "payment.charge_customer_profile",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(tracing.SafeAttributes(
			attribute.String("payment.provider", g.next.Provider()),
			attribute.String("invoice.number", req.InvoiceNumber),
			attribute.Int64("payment.amount_cents", req.AmountCents),
		)...),
	)
	defer span.End()

	start := time.Now()
	result, err := g.next.ChargeCustomerProfile(ctx, req)
	elapsed := time.Since(start)

	outcome := "approved"
	switch {
	case err == nil:
		span.SetAttributes(attribute.String("payment.transaction_id", result.TransactionID))
	case paymentdomain.IsDecline(err):
		outcome = "declined"
		span.SetStatus(codes.Error, "declined")
	case errors.Is(err, context.DeadlineExceeded):
		outcome = "timeout"
		span.RecordError(tracing.SafeError(err))
		span.SetStatus(codes.Error, "timeout")
	default:
		outcome = "error"
		span.RecordError(tracing.SafeError(err))
		span.SetStatus(codes.Error, "gateway error")
	}
	g.metrics.RecordGatewayCharge(ctx, g.next.Provider(), outcome, elapsed)

	g.log.Debug("gateway charge finished",
		zap.String("provider", g.next.Provider()),
		zap.String("invoice_number", req.InvoiceNumber),
		zap.String("result", outcome),
		zap.Duration("duration", elapsed),
	)
	return result, err
}
