package httpdriver

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"github.com/solosway/webscout/api/schemas"
)

const (
	maxTextChars = 50000
	maxElements  = 200
	maxImages    = 40
	maxLabel     = 120
)

// document is a parsed page plus the handles the driver needs to act on it.
type document struct {
	base    *url.URL
	state   schemas.PageState
	targets map[string]*target
}

type targetKind int

const (
	kindLink targetKind = iota
	kindButton
	kindField
	kindCheckable
	kindSelect
)

// target is the actionable node behind a ref.
type target struct {
	kind targetKind
	node *html.Node
	form *html.Node
	href string
}

var skipText = map[atom.Atom]bool{
	atom.Script: true, atom.Style: true, atom.Noscript: true, atom.Template: true,
	atom.Head: true, atom.Svg: true, atom.Iframe: true,
}

var blockElements = map[atom.Atom]bool{
	atom.P: true, atom.Div: true, atom.Br: true, atom.Li: true, atom.Tr: true,
	atom.H1: true, atom.H2: true, atom.H3: true, atom.H4: true, atom.H5: true, atom.H6: true,
	atom.Section: true, atom.Article: true, atom.Header: true, atom.Footer: true,
	atom.Table: true, atom.Ul: true, atom.Ol: true, atom.Dd: true, atom.Dt: true,
	atom.Form: true, atom.Main: true, atom.Nav: true, atom.Aside: true, atom.Blockquote: true,
}

func parseDocument(root *html.Node, base *url.URL) *document {
	doc := &document{
		base:    base,
		targets: make(map[string]*target),
		state:   schemas.PageState{URL: base.String()},
	}

	var text strings.Builder
	var walk func(n *html.Node, form *html.Node)
	walk = func(n *html.Node, form *html.Node) {
		switch n.Type {
		case html.TextNode:
			if text.Len() < maxTextChars {
				text.WriteString(n.Data)
			}
			return
		case html.ElementNode:
			if n.DataAtom == atom.Head {
				doc.state.Title = findTitle(n)
				return
			}
			if n.DataAtom == atom.Form {
				form = n
			}
			doc.visit(n, form)
			if skipText[n.DataAtom] || hidden(n) {
				return
			}
			if blockElements[n.DataAtom] {
				text.WriteByte('\n')
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c, form)
		}
		if n.Type == html.ElementNode && blockElements[n.DataAtom] {
			text.WriteByte('\n')
		}
	}
	walk(root, nil)

	doc.state.Text = truncate(normalizeText(text.String()), maxTextChars)
	return doc
}

// visit registers interactive elements and images.
func (d *document) visit(n *html.Node, form *html.Node) {
	if n.DataAtom == atom.Img {
		d.addImage(n)
		return
	}
	if len(d.state.Elements) >= maxElements || hidden(n) {
		return
	}

	var (
		role string
		t    = &target{node: n, form: form}
	)
	switch n.DataAtom {
	case atom.A:
		href, ok := d.resolve(attr(n, "href"))
		if !ok {
			return
		}
		role, t.kind, t.href = "link", kindLink, href
	case atom.Button:
		role, t.kind = "button", kindButton
	case atom.Textarea:
		role, t.kind = "textbox", kindField
	case atom.Select:
		role, t.kind = "combobox", kindSelect
	case atom.Input:
		switch strings.ToLower(attr(n, "type")) {
		case "hidden":
			return
		case "submit", "image", "button", "reset":
			role, t.kind = "button", kindButton
		case "checkbox", "radio":
			role, t.kind = strings.ToLower(attr(n, "type")), kindCheckable
		default:
			role, t.kind = "textbox", kindField
		}
	default:
		return
	}
	if r := attr(n, "role"); r != "" {
		role = r
	}

	ref := fmt.Sprintf("e%d", len(d.state.Elements)+1)
	d.targets[ref] = t
	el := schemas.ElementRef{Ref: ref, Role: role, Label: labelOf(n), Href: t.href}
	if t.kind == kindField {
		el.Value = truncate(fieldValue(n), maxLabel)
	}
	d.state.Elements = append(d.state.Elements, el)
}

func (d *document) addImage(n *html.Node) {
	if len(d.state.Images) >= maxImages {
		return
	}
	src, ok := d.resolve(firstNonEmpty(attr(n, "src"), attr(n, "data-src")))
	if !ok {
		return
	}
	width, _ := strconv.Atoi(attr(n, "width"))
	height, _ := strconv.Atoi(attr(n, "height"))
	d.state.Images = append(d.state.Images, schemas.ImageRef{
		Src:    src,
		Alt:    collapse(attr(n, "alt")),
		Width:  width,
		Height: height,
	})
}

// resolve makes a reference absolute and drops schemes the driver cannot follow.
func (d *document) resolve(ref string) (string, bool) {
	ref = strings.TrimSpace(ref)
	if ref == "" || strings.HasPrefix(ref, "#") {
		return "", false
	}
	u, err := d.base.Parse(ref)
	if err != nil {
		return "", false
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", false
	}
	return u.String(), true
}

func findTitle(n *html.Node) string {
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if c.Type == html.ElementNode && c.DataAtom == atom.Title {
			return collapse(textContent(c))
		}
	}
	return ""
}

func labelOf(n *html.Node) string {
	value := attr(n, "value")
	if t := strings.ToLower(attr(n, "type")); t == "checkbox" || t == "radio" {
		value = ""
	}
	for _, candidate := range []string{
		attr(n, "aria-label"),
		textContent(n),
		value,
		attr(n, "placeholder"),
		attr(n, "title"),
		attr(n, "name"),
		imageAlt(n),
	} {
		if c := collapse(candidate); c != "" {
			return truncate(c, maxLabel)
		}
	}
	return ""
}

func imageAlt(n *html.Node) string {
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if c.Type == html.ElementNode && c.DataAtom == atom.Img {
			return attr(c, "alt")
		}
		if alt := imageAlt(c); alt != "" {
			return alt
		}
	}
	return ""
}

func fieldValue(n *html.Node) string {
	if n.DataAtom == atom.Textarea {
		return textContent(n)
	}
	return attr(n, "value")
}

func hidden(n *html.Node) bool {
	if n.Type != html.ElementNode {
		return false
	}
	if hasAttr(n, "hidden") || strings.EqualFold(attr(n, "aria-hidden"), "true") {
		return true
	}
	style := strings.ReplaceAll(strings.ToLower(attr(n, "style")), " ", "")
	return strings.Contains(style, "display:none") || strings.Contains(style, "visibility:hidden")
}

func textContent(n *html.Node) string {
	var b strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.TextNode {
			b.WriteString(n.Data)
		}
		if n.Type == html.ElementNode && skipText[n.DataAtom] {
			return
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return b.String()
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

func hasAttr(n *html.Node, key string) bool {
	for _, a := range n.Attr {
		if a.Key == key {
			return true
		}
	}
	return false
}

func collapse(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// normalizeText collapses runs of spaces within lines and drops blank lines.
func normalizeText(s string) string {
	lines := strings.Split(s, "\n")
	out := lines[:0]
	for _, line := range lines {
		if line = collapse(line); line != "" {
			out = append(out, line)
		}
	}
	return strings.Join(out, "\n")
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
