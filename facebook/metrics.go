package facebook

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics counts parse and exchange outcomes. A nil *Metrics records nothing.
type Metrics struct {
	parses    metric.Int64Counter
	exchanges metric.Int64Counter
}

// NewMetrics registers the counters on meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	parses, err := meter.Int64Counter(
		"fbauth.parse",
		metric.WithDescription("Signed payload parse attempts by format and outcome"),
		metric.WithUnit("{parse}"),
	)
	if err != nil {
		return nil, err
	}
	exchanges, err := meter.Int64Counter(
		"fbauth.exchange",
		metric.WithDescription("Authorization code exchanges by outcome"),
		metric.WithUnit("{exchange}"),
	)
	if err != nil {
		return nil, err
	}
	return &Metrics{parses: parses, exchanges: exchanges}, nil
}

func (m *Metrics) recordParse(ctx context.Context, format Format, err error) {
	if m == nil {
		return
	}
	m.parses.Add(ctx, 1, metric.WithAttributes(
		attribute.String("format", format.String()),
		attribute.String("outcome", outcome(err)),
	))
}

func (m *Metrics) recordExchange(ctx context.Context, err error) {
	if m == nil {
		return
	}
	m.exchanges.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome(err))))
}

// outcome maps an error to a low-cardinality label.
func outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrMissingCredentials):
		return "missing_credentials"
	case errors.Is(err, ErrExchange):
		return "exchange_error"
	case errors.Is(err, ErrUnsupportedAlgorithm):
		return "unsupported_algorithm"
	case errors.Is(err, ErrSignatureMismatch):
		return "signature_mismatch"
	case errors.Is(err, ErrDecode):
		return "decode_error"
	default:
		return "error"
	}
}
