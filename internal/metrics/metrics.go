// Package metrics exposes Prometheus instrumentation for coin operations and gateway calls.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/MarkoPoloResearchLab/storycoins/pkg/coins"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	namespace   = "storycoins"
	maxLabelLen = 64

	gatewayMethodCheckout = "create_checkout"
	gatewayMethodCallback = "parse_callback"
	gatewayMethodPoll     = "poll_status"

	gatewayResultUnavailable = "unavailable"
	gatewayResultRejected    = "rejected"
	gatewayResultSignature   = "invalid_signature"
	gatewayResultError       = "error"
)

// Metrics owns a registry and the collectors registered on it.
type Metrics struct {
	registry          *prometheus.Registry
	operations        *prometheus.CounterVec
	topUpCoins        prometheus.Counter
	chaptersUnlocked  *prometheus.CounterVec
	gatewayCalls      *prometheus.CounterVec
	gatewayLatency    *prometheus.HistogramVec
	insufficientFunds prometheus.Counter
}

// New creates collectors on a fresh registry, including Go and process collectors.
func New() *Metrics {
	registry := prometheus.NewRegistry()
	metrics := &Metrics{
		registry: registry,
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "operations_total",
			Help:      "Coin operations by name, status and outcome",
		}, []string{"operation", "status", "outcome"}),
		topUpCoins: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "topup_coins_settled_total",
			Help:      "Coins credited by settled top-ups",
		}),
		chaptersUnlocked: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chapters_unlocked_total",
			Help:      "Premium chapters unlocked, by outcome",
		}, []string{"outcome"}),
		gatewayCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "gateway",
			Name:      "calls_total",
			Help:      "Payment gateway calls by method and result",
		}, []string{"method", "result"}),
		gatewayLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "gateway",
			Name:      "call_duration_seconds",
			Help:      "Payment gateway call latency",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method"}),
		insufficientFunds: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "insufficient_funds_total",
			Help:      "Chapter purchases refused for insufficient balance",
		}),
	}
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		metrics.operations,
		metrics.topUpCoins,
		metrics.chaptersUnlocked,
		metrics.gatewayCalls,
		metrics.gatewayLatency,
		metrics.insufficientFunds,
	)
	return metrics
}

// Registry returns the underlying registry.
func (metrics *Metrics) Registry() *prometheus.Registry {
	return metrics.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (metrics *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(metrics.registry, promhttp.HandlerOpts{Registry: metrics.registry})
}

// LogOperation implements coins.OperationLogger.
func (metrics *Metrics) LogOperation(_ context.Context, entry coins.OperationLog) {
	metrics.operations.WithLabelValues(sanitizeLabel(entry.Operation), sanitizeLabel(entry.Status), sanitizeLabel(entry.Outcome)).Inc()
	if entry.Error != nil {
		if entry.Operation == coins.OperationPurchaseChapter && errors.Is(entry.Error, coins.ErrInsufficientFunds) {
			metrics.insufficientFunds.Inc()
		}
		return
	}
	switch entry.Operation {
	case coins.OperationGatewayEvent:
		if entry.Outcome == coins.LogOutcomeSettled && entry.Amount > 0 {
			metrics.topUpCoins.Add(float64(entry.Amount))
		}
	case coins.OperationPurchaseChapter:
		if entry.Outcome == coins.LogOutcomeApplied || entry.Outcome == coins.LogOutcomeReconciled {
			metrics.chaptersUnlocked.WithLabelValues(entry.Outcome).Inc()
		}
	}
}

// InstrumentGateway wraps gateway so every call is counted and timed.
func (metrics *Metrics) InstrumentGateway(gateway coins.PaymentGateway) coins.PaymentGateway {
	return &instrumentedGateway{next: gateway, metrics: metrics}
}

type instrumentedGateway struct {
	next    coins.PaymentGateway
	metrics *Metrics
}

func (gateway *instrumentedGateway) CreateCheckout(ctx context.Context, request coins.CheckoutRequest) (coins.Checkout, error) {
	started := time.Now()
	checkout, err := gateway.next.CreateCheckout(ctx, request)
	gateway.metrics.observeGateway(gatewayMethodCheckout, started, "created", err)
	return checkout, err
}

func (gateway *instrumentedGateway) ParseCallback(ctx context.Context, rawPayload []byte) (coins.GatewayEvent, error) {
	started := time.Now()
	event, err := gateway.next.ParseCallback(ctx, rawPayload)
	gateway.metrics.observeGateway(gatewayMethodCallback, started, strings.ToLower(event.Outcome.String()), err)
	return event, err
}

func (gateway *instrumentedGateway) PollStatus(ctx context.Context, orderRef coins.OrderRef) (coins.GatewayEvent, error) {
	started := time.Now()
	event, err := gateway.next.PollStatus(ctx, orderRef)
	gateway.metrics.observeGateway(gatewayMethodPoll, started, strings.ToLower(event.Outcome.String()), err)
	return event, err
}

func (metrics *Metrics) observeGateway(method string, started time.Time, result string, err error) {
	metrics.gatewayLatency.WithLabelValues(method).Observe(time.Since(started).Seconds())
	if err != nil {
		result = gatewayErrorResult(err)
	}
	metrics.gatewayCalls.WithLabelValues(method, sanitizeLabel(result)).Inc()
}

func gatewayErrorResult(err error) string {
	switch {
	case errors.Is(err, coins.ErrGatewayUnavailable):
		return gatewayResultUnavailable
	case errors.Is(err, coins.ErrGatewayRejected):
		return gatewayResultRejected
	case errors.Is(err, coins.ErrInvalidSignature):
		return gatewayResultSignature
	default:
		return gatewayResultError
	}
}

func sanitizeLabel(value string) string {
	if value == "" {
		return "none"
	}
	value = strings.ReplaceAll(value, " ", "_")
	if len(value) > maxLabelLen {
		value = value[:maxLabelLen]
	}
	return value
}
