// Package httpdriver is a web-automation driver that fetches pages over HTTP and
// interprets them without a browser. Links and forms work; scripts never run.
package httpdriver

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
	"golang.org/x/net/html/charset"
	"golang.org/x/net/publicsuffix"

	"github.com/solosway/webscout/api/schemas"
	"github.com/solosway/webscout/internal/config"
)

const defaultMaxBodyBytes = 5 << 20

// Driver keeps the current document plus any form state entered since it loaded.
type Driver struct {
	client    *http.Client
	userAgent string
	maxBody   int64
	logger    *zap.Logger

	mu      sync.Mutex
	doc     *document
	values  map[*html.Node]string
	checked map[*html.Node]bool
}

var _ schemas.Driver = (*Driver)(nil)

// New builds a driver with its own cookie jar.
func New(cfg config.BrowserConfig, transport http.RoundTripper, logger *zap.Logger) (*Driver, error) {
	jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	if err != nil {
		return nil, fmt.Errorf("cookie jar: %w", err)
	}
	ua := cfg.UserAgent
	if ua == "" {
		ua = schemas.DefaultUserAgent
	}
	maxBody := cfg.MaxBodyBytes
	if maxBody <= 0 {
		maxBody = defaultMaxBodyBytes
	}
	return &Driver{
		client:    &http.Client{Transport: newCompressionTransport(transport), Jar: jar},
		userAgent: ua,
		maxBody:   maxBody,
		logger:    logger,
	}, nil
}

// Navigate fetches the URL with GET.
func (d *Driver) Navigate(ctx context.Context, rawURL string) (schemas.ActionResult, error) {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return d.failure("invalid URL"), fmt.Errorf("navigate: unsupported URL %q", rawURL)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return d.failure("invalid request"), fmt.Errorf("navigate: %w", err)
	}
	return d.load(req, "navigated")
}

// Snapshot returns the current document state.
func (d *Driver) Snapshot(ctx context.Context) (schemas.PageState, error) {
	if err := ctx.Err(); err != nil {
		return schemas.PageState{}, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.doc == nil {
		return schemas.PageState{URL: "about:blank"}, nil
	}
	state := d.doc.state
	state.Elements = append([]schemas.ElementRef(nil), d.doc.state.Elements...)
	state.Images = append([]schemas.ImageRef(nil), d.doc.state.Images...)
	return state, nil
}

// Click follows links, submits forms from their buttons and toggles checkboxes.
func (d *Driver) Click(ctx context.Context, ref string) (schemas.ActionResult, error) {
	t, err := d.lookup(ref)
	if err != nil {
		return d.failure(err.Error()), err
	}

	switch t.kind {
	case kindLink:
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.href, nil)
		if err != nil {
			return d.failure("invalid link"), fmt.Errorf("click %q: %w", ref, err)
		}
		return d.load(req, "followed "+ref)
	case kindButton:
		if t.form == nil {
			return d.failure("button has no form"), fmt.Errorf("click %q: button is not part of a form", ref)
		}
		if strings.EqualFold(attr(t.node, "type"), "reset") {
			d.resetForm(t.form)
			return d.success("reset form"), nil
		}
		req, err := d.formRequest(ctx, t.form, t.node)
		if err != nil {
			return d.failure("form submission failed"), fmt.Errorf("click %q: %w", ref, err)
		}
		return d.load(req, "submitted form via "+ref)
	case kindCheckable:
		d.toggle(t)
		return d.success("toggled " + ref), nil
	default:
		return d.success("focused " + ref), nil
	}
}

// Type sets a field value and optionally submits its form.
func (d *Driver) Type(ctx context.Context, ref, text string, submit bool) (schemas.ActionResult, error) {
	t, err := d.lookup(ref)
	if err != nil {
		return d.failure(err.Error()), err
	}
	if t.kind != kindField && t.kind != kindSelect {
		return d.failure("element is not editable"), fmt.Errorf("type into %q: element is not editable", ref)
	}
	d.setValue(ref, t.node, text)

	if !submit {
		return d.success("typed into " + ref), nil
	}
	if t.form == nil {
		return d.failure("field has no form"), fmt.Errorf("type into %q: nothing to submit", ref)
	}
	req, err := d.formRequest(ctx, t.form, nil)
	if err != nil {
		return d.failure("form submission failed"), fmt.Errorf("type into %q: %w", ref, err)
	}
	return d.load(req, "typed into "+ref+" and submitted")
}

// Scroll succeeds without effect; the whole document is always in the snapshot.
func (d *Driver) Scroll(ctx context.Context, direction schemas.ScrollDirection, amount int) (schemas.ActionResult, error) {
	return d.success(fmt.Sprintf("scrolled %s %d", direction, amount)), nil
}

// CurrentURL returns the URL of the loaded document.
func (d *Driver) CurrentURL() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.doc == nil {
		return "about:blank"
	}
	return d.doc.state.URL
}

// Close releases idle connections.
func (d *Driver) Close() error {
	d.client.CloseIdleConnections()
	return nil
}

// load performs the request and replaces the current document with the response.
func (d *Driver) load(req *http.Request, msg string) (schemas.ActionResult, error) {
	req.Header.Set("User-Agent", d.userAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml;q=0.9,*/*;q=0.8")
	if ref := d.CurrentURL(); ref != "about:blank" {
		req.Header.Set("Referer", ref)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return d.failure("request failed"), fmt.Errorf("%s %s: %w", req.Method, req.URL, err)
	}
	defer resp.Body.Close()

	doc, err := d.readDocument(resp)
	if err != nil {
		return d.failure("unreadable response"), err
	}

	d.mu.Lock()
	d.doc = doc
	d.values = make(map[*html.Node]string)
	d.checked = make(map[*html.Node]bool)
	d.mu.Unlock()

	d.logger.Debug("Loaded page.", zap.String("url", doc.state.URL), zap.Int("status", resp.StatusCode))
	if resp.StatusCode >= http.StatusBadRequest {
		return d.failure("server returned " + resp.Status), fmt.Errorf("%s %s: status %d", req.Method, doc.state.URL, resp.StatusCode)
	}
	return d.success(msg), nil
}

func (d *Driver) readDocument(resp *http.Response) (*document, error) {
	body := io.LimitReader(resp.Body, d.maxBody)
	final := resp.Request.URL

	contentType := resp.Header.Get("Content-Type")
	mediaType, _, _ := mime.ParseMediaType(contentType)
	if mediaType != "" && mediaType != "text/html" && mediaType != "application/xhtml+xml" {
		raw, err := io.ReadAll(body)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", final, err)
		}
		doc := &document{base: final, targets: map[string]*target{}, state: schemas.PageState{URL: final.String()}}
		if strings.HasPrefix(mediaType, "text/") || strings.Contains(mediaType, "json") || strings.Contains(mediaType, "xml") {
			doc.state.Text = truncate(strings.TrimSpace(string(raw)), maxTextChars)
		}
		return doc, nil
	}

	utf8Body, err := charset.NewReader(body, contentType)
	if err != nil {
		return nil, fmt.Errorf("decode charset of %s: %w", final, err)
	}
	root, err := html.Parse(utf8Body)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", final, err)
	}
	return parseDocument(root, final), nil
}

func (d *Driver) lookup(ref string) (*target, error) {
	ref = strings.Trim(strings.TrimSpace(ref), "[]")
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.doc == nil {
		return nil, fmt.Errorf("%w: %s (no page loaded)", schemas.ErrElementNotFound, ref)
	}
	t, ok := d.doc.targets[ref]
	if !ok {
		return nil, fmt.Errorf("%w: %s", schemas.ErrElementNotFound, ref)
	}
	return t, nil
}

func (d *Driver) setValue(ref string, node *html.Node, text string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.values[node] = text
	for i := range d.doc.state.Elements {
		if d.doc.state.Elements[i].Ref == ref {
			d.doc.state.Elements[i].Value = truncate(text, maxLabel)
		}
	}
}

func (d *Driver) toggle(t *target) {
	d.mu.Lock()
	defer d.mu.Unlock()
	on := !d.isChecked(t.node)
	if strings.EqualFold(attr(t.node, "type"), "radio") {
		name := attr(t.node, "name")
		for _, other := range d.doc.targets {
			if other.kind == kindCheckable && other.form == t.form && attr(other.node, "name") == name {
				d.checked[other.node] = false
			}
		}
		on = true
	}
	d.checked[t.node] = on
}

func (d *Driver) resetForm(form *html.Node) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for node := range d.values {
		if within(node, form) {
			delete(d.values, node)
		}
	}
	for node := range d.checked {
		if within(node, form) {
			delete(d.checked, node)
		}
	}
}

// isChecked must be called with d.mu held.
func (d *Driver) isChecked(n *html.Node) bool {
	if v, ok := d.checked[n]; ok {
		return v
	}
	return hasAttr(n, "checked")
}

// formRequest encodes the form the way a browser would for the given submitter.
func (d *Driver) formRequest(ctx context.Context, form, submitter *html.Node) (*http.Request, error) {
	d.mu.Lock()
	values := d.formValues(form, submitter)
	base := d.doc.base
	d.mu.Unlock()

	action := base
	if a := strings.TrimSpace(attr(form, "action")); a != "" {
		parsed, err := base.Parse(a)
		if err != nil {
			return nil, fmt.Errorf("form action %q: %w", a, err)
		}
		action = parsed
	}
	if action.Scheme != "http" && action.Scheme != "https" {
		return nil, errors.New("form action is not an http URL")
	}

	target := *action
	target.Fragment = ""
	if strings.EqualFold(attr(form, "method"), http.MethodPost) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, target.String(), strings.NewReader(values.Encode()))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		return req, nil
	}
	target.RawQuery = values.Encode()
	return http.NewRequestWithContext(ctx, http.MethodGet, target.String(), nil)
}

// formValues must be called with d.mu held.
func (d *Driver) formValues(form, submitter *html.Node) url.Values {
	values := url.Values{}
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && !hasAttr(n, "disabled") {
			if name := attr(n, "name"); name != "" {
				switch n.DataAtom {
				case atom.Input:
					d.addInput(values, n, name, submitter)
				case atom.Button:
					if n == submitter {
						values.Add(name, attr(n, "value"))
					}
				case atom.Textarea:
					values.Add(name, d.valueOf(n, textContent(n)))
				case atom.Select:
					values.Add(name, d.valueOf(n, selectedOption(n)))
				}
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(form)
	return values
}

func (d *Driver) addInput(values url.Values, n *html.Node, name string, submitter *html.Node) {
	switch strings.ToLower(attr(n, "type")) {
	case "submit", "image", "button":
		if n == submitter {
			values.Add(name, attr(n, "value"))
		}
	case "reset", "file":
	case "checkbox", "radio":
		if d.isChecked(n) {
			values.Add(name, firstNonEmpty(attr(n, "value"), "on"))
		}
	default:
		values.Add(name, d.valueOf(n, attr(n, "value")))
	}
}

func (d *Driver) valueOf(n *html.Node, fallback string) string {
	if v, ok := d.values[n]; ok {
		return v
	}
	return fallback
}

func (d *Driver) success(msg string) schemas.ActionResult {
	d.mu.Lock()
	defer d.mu.Unlock()
	res := schemas.ActionResult{Success: true, Message: msg, URL: "about:blank"}
	if d.doc != nil {
		res.URL, res.Title = d.doc.state.URL, d.doc.state.Title
	}
	return res
}

func (d *Driver) failure(msg string) schemas.ActionResult {
	res := d.success(msg)
	res.Success = false
	return res
}

func selectedOption(sel *html.Node) string {
	var first, selected string
	var found, haveFirst bool
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if found {
			return
		}
		if n.Type == html.ElementNode && n.DataAtom == atom.Option {
			v := attr(n, "value")
			if !hasAttr(n, "value") {
				v = collapse(textContent(n))
			}
			if !haveFirst {
				first, haveFirst = v, true
			}
			if hasAttr(n, "selected") {
				selected, found = v, true
				return
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(sel)
	if found {
		return selected
	}
	return first
}

func within(n, ancestor *html.Node) bool {
	for p := n; p != nil; p = p.Parent {
		if p == ancestor {
			return true
		}
	}
	return false
}

// Factory hands out drivers sharing one transport.
type Factory struct {
	cfg       config.BrowserConfig
	transport http.RoundTripper
	logger    *zap.Logger
}

var _ schemas.DriverFactory = (*Factory)(nil)

// NewFactory creates a factory. A nil transport uses a clone of http.DefaultTransport.
func NewFactory(cfg config.BrowserConfig, transport http.RoundTripper, logger *zap.Logger) *Factory {
	if transport == nil {
		t := http.DefaultTransport.(*http.Transport).Clone()
		if cfg.IgnoreTLSErrors {
			t.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec // opt-in via config
		}
		transport = t
	}
	return &Factory{cfg: cfg, transport: transport, logger: logger.Named("httpdriver")}
}

// NewDriver returns a driver with an empty cookie jar.
func (f *Factory) NewDriver(ctx context.Context) (schemas.Driver, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	d, err := New(f.cfg, f.transport, f.logger)
	if err != nil {
		return nil, err
	}
	return d, nil
}
