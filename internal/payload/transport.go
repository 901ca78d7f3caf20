package payload

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/fyrsmithlabs/codebundle/internal/payload"

// Transport sends one request worth of items to the analysis backend and
// returns the HTTP status code it received. Retry policy belongs to the
// transport.
type Transport interface {
	Upload(ctx context.Context, bundleID string, items []Item) (int, error)
}

// StatusError is returned when the backend answers with a non-2xx status.
type StatusError struct {
	StatusCode int
	Chunk      int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("upload of chunk %d failed with status %d", e.Chunk, e.StatusCode)
}

// Upload sends b through t. An Unchunked batch is one request; a Chunked
// batch is one request per chunk, in order, stopping at the first failure.
// Each request runs in its own span under the span carried by ctx.
func Upload(ctx context.Context, t Transport, bundleID string, b Batch) error {
	var requests [][]Item
	switch v := b.(type) {
	case Unchunked:
		requests = [][]Item{v}
	case Chunked:
		requests = v
	default:
		return fmt.Errorf("unknown batch type %T", b)
	}

	tracer := trace.SpanFromContext(ctx).TracerProvider().Tracer(tracerName)
	for i, items := range requests {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := uploadChunk(ctx, tracer, t, bundleID, i, items); err != nil {
			return err
		}
	}
	return nil
}

func uploadChunk(ctx context.Context, tracer trace.Tracer, t Transport, bundleID string, i int, items []Item) error {
	ctx, span := tracer.Start(ctx, "payload.UploadChunk", trace.WithAttributes(
		attribute.String("bundle.id", bundleID),
		attribute.Int("chunk.index", i),
		attribute.Int("chunk.items", len(items)),
	))
	defer span.End()

	status, err := t.Upload(ctx, bundleID, items)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "upload failed")
		return fmt.Errorf("uploading chunk %d: %w", i, err)
	}
	span.SetAttributes(attribute.Int("http.status_code", status))
	if status < 200 || status > 299 {
		err := &StatusError{StatusCode: status, Chunk: i}
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	return nil
}
