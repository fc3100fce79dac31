package agent

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/stretchr/testify/mock"

	"github.com/solosway/webscout/api/schemas"
)

// -- Judgment Service Mock --

// MockLLMClient mocks the schemas.LLMClient interface.
type MockLLMClient struct {
	mock.Mock
}

func (m *MockLLMClient) Generate(ctx context.Context, req schemas.GenerationRequest) (string, error) {
	args := m.Called(ctx, req)
	return args.String(0), args.Error(1)
}

func (m *MockLLMClient) Close() error { return nil }

// role matches requests by the module named in the system contract.
func role(module string) any {
	return mock.MatchedBy(func(req schemas.GenerationRequest) bool {
		return strings.Contains(req.SystemPrompt, "the "+module+" module")
	})
}

// -- Driver Mock --

// MockDriver mocks the schemas.Driver interface.
type MockDriver struct {
	mock.Mock
}

func (m *MockDriver) Navigate(ctx context.Context, url string) (schemas.ActionResult, error) {
	args := m.Called(ctx, url)
	return args.Get(0).(schemas.ActionResult), args.Error(1)
}

func (m *MockDriver) Snapshot(ctx context.Context) (schemas.PageState, error) {
	args := m.Called(ctx)
	return args.Get(0).(schemas.PageState), args.Error(1)
}

func (m *MockDriver) Click(ctx context.Context, ref string) (schemas.ActionResult, error) {
	args := m.Called(ctx, ref)
	return args.Get(0).(schemas.ActionResult), args.Error(1)
}

func (m *MockDriver) Type(ctx context.Context, ref, text string, submit bool) (schemas.ActionResult, error) {
	args := m.Called(ctx, ref, text, submit)
	return args.Get(0).(schemas.ActionResult), args.Error(1)
}

func (m *MockDriver) Scroll(ctx context.Context, direction schemas.ScrollDirection, amount int) (schemas.ActionResult, error) {
	args := m.Called(ctx, direction, amount)
	return args.Get(0).(schemas.ActionResult), args.Error(1)
}

func (m *MockDriver) CurrentURL() string {
	return m.Called().String(0)
}

func (m *MockDriver) Close() error {
	return m.Called().Error(0)
}

// -- Scripted Browser --

// fakeBrowser serves a fixed set of pages. Unknown URLs load a short generic page.
type fakeBrowser struct {
	mu      sync.Mutex
	pages   map[string]schemas.PageState
	current string
	calls   []string
	closed  bool
}

func newFakeBrowser(pages ...schemas.PageState) *fakeBrowser {
	b := &fakeBrowser{pages: make(map[string]schemas.PageState)}
	for _, p := range pages {
		b.pages[p.URL] = p
	}
	return b
}

func (b *fakeBrowser) page(url string) schemas.PageState {
	if p, ok := b.pages[url]; ok {
		return p
	}
	return schemas.PageState{URL: url, Title: "Results", Text: "No results"}
}

func (b *fakeBrowser) Navigate(ctx context.Context, url string) (schemas.ActionResult, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls = append(b.calls, "navigate "+url)
	if err := ctx.Err(); err != nil {
		return schemas.ActionResult{Message: err.Error()}, err
	}
	b.current = url
	p := b.page(url)
	return schemas.ActionResult{Success: true, URL: p.URL, Title: p.Title}, nil
}

func (b *fakeBrowser) Snapshot(context.Context) (schemas.PageState, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.current == "" {
		return schemas.PageState{URL: "about:blank"}, nil
	}
	return b.page(b.current), nil
}

func (b *fakeBrowser) Click(ctx context.Context, ref string) (schemas.ActionResult, error) {
	b.mu.Lock()
	b.calls = append(b.calls, "click "+ref)
	el, ok := b.page(b.current).Element(ref)
	url := b.current
	b.mu.Unlock()

	if !ok {
		return schemas.ActionResult{Message: "no element " + ref}, fmt.Errorf("%w: %s", schemas.ErrElementNotFound, ref)
	}
	if el.Href != "" {
		return b.Navigate(ctx, el.Href)
	}
	return schemas.ActionResult{Success: true, URL: url}, nil
}

func (b *fakeBrowser) Type(_ context.Context, ref, text string, _ bool) (schemas.ActionResult, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls = append(b.calls, "type "+ref+" "+text)
	return schemas.ActionResult{Success: true, URL: b.currentLocked()}, nil
}

func (b *fakeBrowser) Scroll(_ context.Context, direction schemas.ScrollDirection, amount int) (schemas.ActionResult, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls = append(b.calls, fmt.Sprintf("scroll %s %d", direction, amount))
	return schemas.ActionResult{Success: true, URL: b.currentLocked()}, nil
}

func (b *fakeBrowser) currentLocked() string {
	if b.current == "" {
		return "about:blank"
	}
	return b.current
}

func (b *fakeBrowser) CurrentURL() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.currentLocked()
}

func (b *fakeBrowser) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}

func (b *fakeBrowser) history() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.calls...)
}

func (b *fakeBrowser) isClosed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

type fakeFactory struct {
	driver schemas.Driver
	err    error
}

func (f fakeFactory) NewDriver(context.Context) (schemas.Driver, error) {
	return f.driver, f.err
}
