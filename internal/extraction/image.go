package extraction

import (
	"context"
	"fmt"
	"strings"

	"github.com/solosway/webscout/api/schemas"
)

// ImageExtractor produces structured findings from the images of a page.
type ImageExtractor interface {
	ExtractImages(ctx context.Context, page schemas.PageState, goal schemas.SubGoal) ([]Candidate, error)
}

// PageImageExtractor selects content images from the page state. Decorative
// images (tiny, tracking pixels, icons) are ignored.
type PageImageExtractor struct {
	MinWidth, MinHeight int
	MaxImages           int
}

// NewPageImageExtractor returns an extractor with sensible size limits.
func NewPageImageExtractor() *PageImageExtractor {
	return &PageImageExtractor{MinWidth: 120, MinHeight: 90, MaxImages: 10}
}

var decorativeHints = []string{"logo", "icon", "sprite", "pixel", "spacer", "avatar", "badge"}

// ExtractImages implements ImageExtractor.
func (p *PageImageExtractor) ExtractImages(ctx context.Context, page schemas.PageState, goal schemas.SubGoal) ([]Candidate, error) {
	goalKeywords := keywords(goal.Description)
	var out []Candidate
	for _, img := range page.Images {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		if p.MaxImages > 0 && len(out) >= p.MaxImages {
			break
		}
		if !p.isContentImage(img) {
			continue
		}

		alt := strings.TrimSpace(img.Alt)
		confidence := 0.5
		if alt != "" && altMatches(alt, goalKeywords) {
			confidence = 0.75
		}
		label := alt
		if label == "" {
			label = "untitled image"
		}
		out = append(out, Candidate{
			Fact:       fmt.Sprintf("Image: %s (%s)", label, img.Src),
			Confidence: confidence,
			Method:     schemas.MethodVision,
			Metadata: map[string]any{
				"image": map[string]any{
					"src":    img.Src,
					"alt":    alt,
					"width":  img.Width,
					"height": img.Height,
				},
				"page_url": page.URL,
			},
		})
	}
	return out, nil
}

func (p *PageImageExtractor) isContentImage(img schemas.ImageRef) bool {
	src := strings.ToLower(img.Src)
	if src == "" || strings.HasPrefix(src, "data:") {
		return false
	}
	for _, hint := range decorativeHints {
		if strings.Contains(src, hint) {
			return false
		}
	}
	// Unknown dimensions are accepted; the static driver cannot measure layout.
	if img.Width > 0 && img.Width < p.MinWidth {
		return false
	}
	if img.Height > 0 && img.Height < p.MinHeight {
		return false
	}
	return true
}

func altMatches(alt string, goalKeywords []string) bool {
	lower := strings.ToLower(alt)
	for _, k := range goalKeywords {
		if strings.Contains(lower, k) {
			return true
		}
	}
	return false
}
