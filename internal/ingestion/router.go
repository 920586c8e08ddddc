package ingestion

import (
	"MemePerp/internal/apperr"
	"MemePerp/internal/core"
	"MemePerp/internal/event"
	"MemePerp/internal/observability"
	"MemePerp/internal/order"
	"MemePerp/internal/state"
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
)

// Applier is the part of the exchange inbound events are applied to.
type Applier interface {
	ApplyMarkPrice(ctx context.Context, u *event.MarkPriceUpdate) (bool, error)
	ApplyDeposit(d *event.Deposit) error
	ApplyWithdrawal(w *event.Withdrawal) error
	SubmitRequest(ctx context.Context, req *order.SubmitRequest) (*core.SubmitResult, error)
	UpdateParams(ctx context.Context, u *event.RiskParamUpdate) (state.MarketParams, error)
}

// Ingest results, used as the "result" metric label.
const (
	ResultOK       = "ok"
	ResultStale    = "stale"
	ResultInvalid  = "invalid"
	ResultRejected = "rejected"
	ResultError    = "error"
)

// Router parses raw events and applies them to the exchange.
//
// A message is acked once it is applied or rejected with a coded error,
// since redelivery cannot change the outcome. Unparseable messages are
// terminated. Anything else is nak'd for redelivery.
type Router struct {
	app     Applier
	metrics *observability.Metrics
	log     zerolog.Logger
}

func NewRouter(app Applier, metrics *observability.Metrics, logger zerolog.Logger) *Router {
	return &Router{app: app, metrics: metrics, log: logger}
}

// Run handles events until ctx is cancelled or in is closed.
func (r *Router) Run(ctx context.Context, in <-chan RawEvent) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case raw, ok := <-in:
			if !ok {
				return nil
			}
			r.Handle(ctx, raw)
		}
	}
}

// Handle processes one event and settles its delivery. It returns the
// result label.
func (r *Router) Handle(ctx context.Context, raw RawEvent) string {
	parsed, err := ParseRawEvent(raw, raw.Kind)
	if err != nil {
		r.log.Warn().Err(err).Str("subject", raw.Subject).Str("kind", string(raw.Kind)).Msg("unparseable event")
		r.finish(raw, ResultInvalid)
		return ResultInvalid
	}

	result, err := r.Apply(ctx, parsed)
	switch {
	case err == nil:
	case isFinal(err):
		result = ResultRejected
		r.log.Info().Err(err).Str("subject", raw.Subject).Msg("event rejected")
	default:
		result = ResultError
		r.log.Error().Err(err).Str("subject", raw.Subject).Msg("event apply failed")
	}
	r.finish(raw, result)
	return result
}

// Apply dispatches an already parsed event.
func (r *Router) Apply(ctx context.Context, parsed any) (string, error) {
	switch e := parsed.(type) {
	case *event.MarkPriceUpdate:
		applied, err := r.app.ApplyMarkPrice(ctx, e)
		if err != nil {
			return "", err
		}
		if !applied {
			return ResultStale, nil
		}
	case *event.Deposit:
		if err := r.app.ApplyDeposit(e); err != nil {
			return "", err
		}
	case *event.Withdrawal:
		if err := r.app.ApplyWithdrawal(e); err != nil {
			return "", err
		}
	case *event.RiskParamUpdate:
		if _, err := r.app.UpdateParams(ctx, e); err != nil {
			return "", err
		}
	case *order.SubmitRequest:
		res, err := r.app.SubmitRequest(ctx, e)
		if err != nil {
			return "", err
		}
		r.log.Debug().Str("order_id", res.OrderID.String()).Str("status", res.Status.String()).Msg("order ingested")
	default:
		return "", fmt.Errorf("unhandled event type %T", parsed)
	}
	return ResultOK, nil
}

func (r *Router) finish(raw RawEvent, result string) {
	if r.metrics != nil {
		r.metrics.IngestMessages.WithLabelValues(string(raw.Kind), result).Inc()
	}
	var f func()
	switch result {
	case ResultInvalid:
		f = raw.TermFunc
	case ResultError:
		f = raw.NakFunc
	}
	if f == nil {
		f = raw.AckFunc
	}
	if f != nil {
		f()
	}
}

func isFinal(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, core.ErrWorkerStopped) {
		return false
	}
	var ae *apperr.Error
	return errors.As(err, &ae) && ae.Code != apperr.CodeInternal
}

// ForwardChainLogs applies deposit and withdrawal logs emitted by a chain
// client until ctx is cancelled or logs is closed.
func (r *Router) ForwardChainLogs(ctx context.Context, logs <-chan event.Event) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case e, ok := <-logs:
			if !ok {
				return nil
			}
			kind := KindDeposit
			if _, w := e.(*event.Withdrawal); w {
				kind = KindWithdrawal
			}
			result, err := r.Apply(ctx, e)
			if err != nil {
				result = ResultRejected
				r.log.Warn().Err(err).Str("kind", string(kind)).Msg("chain log not applied")
			}
			if r.metrics != nil {
				r.metrics.IngestMessages.WithLabelValues(string(kind), result).Inc()
			}
		}
	}
}
