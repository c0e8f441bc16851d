package trace

import (
	"context"
)

type contextKey int

const (
	requestKey contextKey = iota
	spanKey
)

// ContextWithRequest returns a copy of ctx carrying request as the
// current request.
func ContextWithRequest(ctx context.Context, request *Request) context.Context {
	return context.WithValue(ctx, requestKey, request)
}

// RequestFromContext returns the current request, or nil.
func RequestFromContext(ctx context.Context) *Request {
	request, _ := ctx.Value(requestKey).(*Request)
	return request
}

// ContextWithSpan returns a copy of ctx carrying span as the current span
// and its request as the current request.
func ContextWithSpan(ctx context.Context, span *Span) context.Context {
	if RequestFromContext(ctx) != span.request {
		ctx = ContextWithRequest(ctx, span.request)
	}
	return context.WithValue(ctx, spanKey, span)
}

// SpanFromContext returns the current span, or nil.
func SpanFromContext(ctx context.Context) *Span {
	span, _ := ctx.Value(spanKey).(*Span)
	return span
}

// StartSpan starts a span under the current span, or under the current
// request when no span is current, and returns a context carrying it.
func StartSpan(ctx context.Context, operation string) (context.Context, *Span, error) {
	request := RequestFromContext(ctx)
	if request == nil {
		return ctx, nil, ErrNoRequest
	}

	var (
		span *Span
		err  error
	)
	if parent := SpanFromContext(ctx); parent != nil && parent.request == request {
		span, err = parent.StartChildSpan(operation)
	} else {
		span, err = request.StartChildSpan(operation)
	}
	if err != nil {
		return ctx, nil, err
	}
	return ContextWithSpan(ctx, span), span, nil
}

// Instrument runs fn inside a new span named operation. Without a current
// request, one is started for the call and sent when fn returns. The span
// is stopped when fn returns or panics, and an error or panic is tagged
// on it. A span nested in a caller's request is not sent here; it goes
// out when that request is sent. An owned request is stopped and sent
// even if fn panics, and the panic is then re-raised. fn's error is
// returned unchanged and a failed send is only logged.
func (t *Tracer) Instrument(ctx context.Context, operation string, fn func(ctx context.Context) error) (err error) {
	owned := RequestFromContext(ctx) == nil
	var request *Request
	if owned {
		request = t.StartRequest()
		ctx = ContextWithRequest(ctx, request)
	} else {
		request = RequestFromContext(ctx)
	}

	spanCtx, span, spanErr := StartSpan(ctx, operation)
	if spanErr != nil {
		t.logger.Warn("running operation untraced", "operation", operation, "error", spanErr)
		return fn(ctx)
	}

	defer func() {
		recovered := recover()
		if recovered != nil {
			_ = span.AddTag("error", "panic")
		} else if err != nil {
			_ = span.AddTag("error", err.Error())
		}
		span.Stop()

		if owned {
			request.Stop()
			if sendErr := request.Send(context.WithoutCancel(ctx)); sendErr != nil {
				t.logger.Warn("failed to send request", "request_id", request.ID(), "error", sendErr)
			}
		}

		if recovered != nil {
			panic(recovered)
		}
	}()

	return fn(spanCtx)
}
