package schemas

import (
	"errors"
	"fmt"
	"strings"
)

// DefaultUserAgent is used by drivers when no user agent is configured.
const DefaultUserAgent = "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Safari/537.36"

// ErrElementNotFound is wrapped by drivers when a ref or selector matches nothing.
var ErrElementNotFound = errors.New("element not found")

// -- Page State Schemas --

// ElementRef describes one interactive element of a snapshot. Ref is the handle
// the driver accepts for Click and Type.
type ElementRef struct {
	Ref   string `json:"ref"`
	Role  string `json:"role"`            // link, button, textbox, checkbox, combobox...
	Label string `json:"label"`           // Visible text, aria-label, placeholder or name.
	Href  string `json:"href,omitempty"`  // Absolute target for links.
	Value string `json:"value,omitempty"` // Current value of form fields.
}

// ImageRef describes an image visible on the page.
type ImageRef struct {
	Src    string `json:"src"`
	Alt    string `json:"alt,omitempty"`
	Width  int    `json:"width,omitempty"`
	Height int    `json:"height,omitempty"`
}

// PageState is the structured state of the page a driver is on.
type PageState struct {
	URL      string       `json:"url"`
	Title    string       `json:"title"`
	Text     string       `json:"text"`
	Elements []ElementRef `json:"elements,omitempty"`
	Images   []ImageRef   `json:"images,omitempty"`
}

// IsBlank reports whether the driver has not loaded any document yet.
func (p PageState) IsBlank() bool {
	return p.URL == "" || p.URL == "about:blank"
}

// Render produces the structured snapshot text handed to the judgment service.
func (p PageState) Render() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Page: %s\nURL: %s\n", p.Title, p.URL)

	if len(p.Elements) > 0 {
		b.WriteString("\nInteractive elements:\n")
		for _, el := range p.Elements {
			fmt.Fprintf(&b, "[%s] %s %q", el.Ref, el.Role, el.Label)
			if el.Href != "" {
				fmt.Fprintf(&b, " -> %s", el.Href)
			}
			if el.Value != "" {
				fmt.Fprintf(&b, " value=%q", el.Value)
			}
			b.WriteByte('\n')
		}
	}

	if len(p.Images) > 0 {
		b.WriteString("\nImages:\n")
		for i, img := range p.Images {
			fmt.Fprintf(&b, "[img%d] %q %s", i+1, img.Alt, img.Src)
			if img.Width > 0 && img.Height > 0 {
				fmt.Fprintf(&b, " (%dx%d)", img.Width, img.Height)
			}
			b.WriteByte('\n')
		}
	}

	if text := strings.TrimSpace(p.Text); text != "" {
		b.WriteString("\nContent:\n")
		b.WriteString(text)
		b.WriteByte('\n')
	}
	return b.String()
}

// Element looks up an interactive element by ref.
func (p PageState) Element(ref string) (ElementRef, bool) {
	for _, el := range p.Elements {
		if el.Ref == ref {
			return el, true
		}
	}
	return ElementRef{}, false
}
