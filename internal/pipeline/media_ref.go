package pipeline

import (
	"context"
	"io"

	"github.com/memohai/concierge/internal/channel"
)

// MediaRefResolver lets the media service download channel media references.
type MediaRefResolver struct {
	resolver channel.MediaResolver
}

func NewMediaRefResolver(resolver channel.MediaResolver) *MediaRefResolver {
	return &MediaRefResolver{resolver: resolver}
}

func (r *MediaRefResolver) OpenRef(ctx context.Context, ref string) (io.ReadCloser, string, error) {
	return r.resolver.OpenMedia(ctx, ref)
}
