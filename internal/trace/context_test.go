package trace

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harry-kp/apm-agent/internal/protocol"
)

func TestStartSpanRequiresRequest(t *testing.T) {
	_, _, err := StartSpan(context.Background(), "Job/run")
	assert.ErrorIs(t, err, ErrNoRequest)
}

func TestStartSpanNestsUnderCurrentSpan(t *testing.T) {
	tracer, _ := newTracer()
	request := tracer.StartRequest()
	ctx := ContextWithRequest(context.Background(), request)

	ctx, outer, err := StartSpan(ctx, "Controller/index")
	require.NoError(t, err)
	assert.Nil(t, outer.Parent())
	assert.Same(t, outer, SpanFromContext(ctx))

	_, inner, err := StartSpan(ctx, "SQL/query")
	require.NoError(t, err)
	assert.Same(t, outer, inner.Parent())
	assert.Same(t, request, inner.Request())
}

func TestInstrumentOwnsRequestWhenNoneIsCurrent(t *testing.T) {
	tracer, sender := newTracer(WithStackFrameLimit(0))

	var seen *Span
	err := tracer.Instrument(context.Background(), "Job/run", func(ctx context.Context) error {
		seen = SpanFromContext(ctx)
		require.NotNil(t, RequestFromContext(ctx))
		return nil
	})
	require.NoError(t, err)
	require.NotNil(t, seen)

	assert.True(t, seen.IsStopped())
	assert.True(t, seen.Request().IsSent())
	assert.Equal(t, []string{
		"StartRequest " + seen.Request().ID(),
		"StartSpan " + seen.ID(),
		"StopSpan " + seen.ID(),
		"FinishRequest " + seen.Request().ID(),
	}, sender.wire())
}

func TestInstrumentLeavesCurrentRequestUnsent(t *testing.T) {
	tracer, sender := newTracer()
	request := tracer.StartRequest()
	ctx := ContextWithRequest(context.Background(), request)

	err := tracer.Instrument(ctx, "Job/run", func(context.Context) error { return nil })
	require.NoError(t, err)

	require.Len(t, request.Spans(), 1)
	assert.True(t, request.Spans()[0].IsStopped())
	assert.False(t, request.IsStopped())
	assert.Empty(t, sender.sent())
}

func TestInstrumentSendsNestedFailureWithItsRequest(t *testing.T) {
	tracer, sender := newTracer(WithStackFrameLimit(0))
	request := tracer.StartRequest()
	ctx := ContextWithRequest(context.Background(), request)

	boom := errors.New("boom")
	var span *Span
	err := tracer.Instrument(ctx, "SQL/Query", func(ctx context.Context) error {
		span = SpanFromContext(ctx)
		return boom
	})
	require.ErrorIs(t, err, boom)
	require.NotNil(t, span)

	assert.True(t, span.IsStopped())
	assert.False(t, span.IsSent())
	assert.Empty(t, sender.sent())

	require.NoError(t, request.Send(context.Background()))
	assert.True(t, span.IsSent())
	assert.Equal(t, []string{
		"StartRequest " + request.ID(),
		"StartSpan " + span.ID(),
		"TagSpan " + span.ID() + " error",
		"StopSpan " + span.ID(),
		"FinishRequest " + request.ID(),
	}, sender.wire())
}

func TestInstrumentNestsAndRestoresContext(t *testing.T) {
	tracer, _ := newTracer()

	var outer, inner *Span
	err := tracer.Instrument(context.Background(), "Controller/index", func(ctx context.Context) error {
		outer = SpanFromContext(ctx)
		err := tracer.Instrument(ctx, "SQL/query", func(ctx context.Context) error {
			inner = SpanFromContext(ctx)
			return nil
		})
		assert.Same(t, outer, SpanFromContext(ctx))
		return err
	})
	require.NoError(t, err)

	assert.Same(t, outer, inner.Parent())
	assert.Same(t, outer.Request(), inner.Request())
	assert.True(t, inner.IsStopped())
	assert.False(t, inner.EndTime().After(outer.EndTime()))
}

func TestInstrumentReturnsFunctionError(t *testing.T) {
	tracer, sender := newTracer(WithStackFrameLimit(0))
	boom := errors.New("card declined")

	var span *Span
	err := tracer.Instrument(context.Background(), "Payment/charge", func(ctx context.Context) error {
		span = SpanFromContext(ctx)
		return boom
	})
	assert.Same(t, boom, err)

	tags := span.Tags()
	require.Len(t, tags, 1)
	assert.Equal(t, "error", tags[0].Name)
	assert.Equal(t, "card declined", tags[0].Value)
	assert.True(t, span.Request().IsSent())
	assert.Len(t, sender.sent(), 5)
}

func TestInstrumentReraisesPanicAfterSending(t *testing.T) {
	tracer, sender := newTracer(WithStackFrameLimit(0))

	var span *Span
	assert.PanicsWithValue(t, "kaboom", func() {
		_ = tracer.Instrument(context.Background(), "Job/explode", func(ctx context.Context) error {
			span = SpanFromContext(ctx)
			panic("kaboom")
		})
	})

	require.NotNil(t, span)
	assert.True(t, span.IsStopped())
	assert.True(t, span.Request().IsSent())
	assert.Len(t, sender.sent(), 5)
}

func TestInstrumentSendFailureDoesNotReplaceResult(t *testing.T) {
	tracer, sender := newTracer()
	sender.reply = func(protocol.Message) (protocol.Response, error) {
		return protocol.Response{}, errors.New("collector gone")
	}

	err := tracer.Instrument(context.Background(), "Job/run", func(context.Context) error { return nil })
	assert.NoError(t, err)
}

func TestInstrumentRunsUntracedUnderFinishedRequest(t *testing.T) {
	tracer, _ := newTracer()
	request := tracer.StartRequest()
	request.Stop()
	ctx := ContextWithRequest(context.Background(), request)

	ran := false
	err := tracer.Instrument(ctx, "Job/late", func(ctx context.Context) error {
		ran = true
		assert.Nil(t, SpanFromContext(ctx))
		return nil
	})
	require.NoError(t, err)
	assert.True(t, ran)
}
