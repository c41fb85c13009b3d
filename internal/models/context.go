package models

import (
	"context"
)

type requestMetaKey struct{}

// RequestMeta carries caller details through context so lower layers can
// log them without widening every signature.
type RequestMeta struct {
	RequestId      string
	UserId         string
	IP             string
	AdmissionToken string
}

// WithRequestMeta attaches request metadata to a context.
func WithRequestMeta(ctx context.Context, meta *RequestMeta) context.Context {
	return context.WithValue(ctx, requestMetaKey{}, meta)
}

// GetRequestMeta retrieves request metadata from context, or nil if absent.
func GetRequestMeta(ctx context.Context) *RequestMeta {
	meta, _ := ctx.Value(requestMetaKey{}).(*RequestMeta)
	return meta
}
