package speech

import (
	"context"
	"net/http"

	"connectrpc.com/connect"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
)

const tracerName = "github.com/chorushq/chorus/pkg/speech"

// clientInterceptor attaches auth metadata and trace context to outgoing
// calls. Unary calls get a span each; streams only propagate the caller's
// context, their lifetime is traced by the orchestration layer.
type clientInterceptor struct {
	token string
}

func newClientInterceptor(token string) *clientInterceptor {
	return &clientInterceptor{token: token}
}

func (i *clientInterceptor) WrapUnary(next connect.UnaryFunc) connect.UnaryFunc {
	return func(ctx context.Context, req connect.AnyRequest) (connect.AnyResponse, error) {
		ctx, span := otel.Tracer(tracerName).Start(ctx, req.Spec().Procedure)
		defer span.End()
		i.decorate(ctx, req.Header())
		resp, err := next(ctx, req)
		if err != nil {
			span.SetStatus(codes.Error, err.Error())
		}
		return resp, err
	}
}

func (i *clientInterceptor) WrapStreamingClient(next connect.StreamingClientFunc) connect.StreamingClientFunc {
	return func(ctx context.Context, spec connect.Spec) connect.StreamingClientConn {
		conn := next(ctx, spec)
		i.decorate(ctx, conn.RequestHeader())
		return conn
	}
}

func (i *clientInterceptor) WrapStreamingHandler(next connect.StreamingHandlerFunc) connect.StreamingHandlerFunc {
	return next
}

func (i *clientInterceptor) decorate(ctx context.Context, header http.Header) {
	if i.token != "" {
		header.Set("Authorization", "Bearer "+i.token)
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(header))
}
