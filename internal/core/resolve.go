package core

import (
	"mime"
	"strings"

	"github.com/kilupskalvis/blobview/internal/models"
)

// DefaultRenderCeiling is the largest blob rendered inline.
const DefaultRenderCeiling = 512 << 10

// Decision reasons.
const (
	ReasonBinary   = "cannot render as text"
	ReasonTooLarge = "too large to render inline"
	ReasonRich     = "rendered document"
	ReasonText     = "plain text"
	ReasonEmpty    = "no content"
)

// Resolver chooses a viewer for fetched content. It holds only configuration,
// so one Resolver can be shared by any number of viewers.
type Resolver struct {
	renderCeiling int64
	rich          map[string]struct{}
}

// NewResolver creates a Resolver. richTypes are mime types shown rendered
// rather than as source.
func NewResolver(renderCeiling int64, richTypes []string) *Resolver {
	if renderCeiling <= 0 {
		renderCeiling = DefaultRenderCeiling
	}
	rich := make(map[string]struct{}, len(richTypes))
	for _, t := range richTypes {
		if mt := normalizeMime(t); mt != "" {
			rich[mt] = struct{}{}
		}
	}
	return &Resolver{renderCeiling: renderCeiling, rich: rich}
}

// RenderCeiling returns the inline render limit in bytes.
func (r *Resolver) RenderCeiling() int64 {
	return r.renderCeiling
}

// Resolve returns the viewer decision for content. Binary beats size, and size
// beats mime type.
func (r *Resolver) Resolve(content *models.BlobContent) models.ViewerDecision {
	if content == nil {
		return models.ViewerDecision{Kind: models.ViewerSimple, Reason: ReasonEmpty}
	}
	if content.IsBinary {
		return models.ViewerDecision{Kind: models.ViewerBinaryOnly, Reason: ReasonBinary}
	}
	if content.SizeBytes > r.renderCeiling {
		return models.ViewerDecision{Kind: models.ViewerBinaryOnly, Reason: ReasonTooLarge}
	}
	if _, ok := r.rich[normalizeMime(content.MimeTypeHint)]; ok {
		return models.ViewerDecision{Kind: models.ViewerRendered, Reason: ReasonRich}
	}
	return models.ViewerDecision{Kind: models.ViewerSimple, Reason: ReasonText}
}

// normalizeMime lowercases a media type and strips its parameters.
func normalizeMime(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	if mt, _, err := mime.ParseMediaType(s); err == nil {
		return mt
	}
	if i := strings.IndexByte(s, ';'); i >= 0 {
		s = s[:i]
	}
	return strings.ToLower(strings.TrimSpace(s))
}
