package a2a

import "context"

type requestKey struct{}

// ContextWithRequest attaches the inbound request being handled to ctx.
func ContextWithRequest(ctx context.Context, req *Envelope) context.Context {
	return context.WithValue(ctx, requestKey{}, req)
}

// RequestFromContext returns the inbound request a handler is serving.
func RequestFromContext(ctx context.Context) (*Envelope, bool) {
	req, ok := ctx.Value(requestKey{}).(*Envelope)
	return req, ok
}

// SessionFromContext returns the session of the request being served, if any.
func SessionFromContext(ctx context.Context) string {
	if req, ok := RequestFromContext(ctx); ok {
		return req.SessionID
	}
	return ""
}
