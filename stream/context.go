package stream

import "context"

type writerKey struct{}

// WithWriter returns a context carrying w.
func WithWriter(ctx context.Context, w *Writer) context.Context {
	return context.WithValue(ctx, writerKey{}, w)
}

// WriterFrom returns the run writer carried by ctx. Step bodies use it to
// stream output; such writes are repeated if the step is retried.
func WriterFrom(ctx context.Context) (*Writer, bool) {
	w, ok := ctx.Value(writerKey{}).(*Writer)
	return w, ok
}
