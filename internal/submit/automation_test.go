package submit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakePage describes what a fakeSession renders.
type fakePage struct {
	elements   map[Selector]string // selector -> tag name
	noForm     bool
	afterClick string // location after a successful click
	content    string
	clickErr   map[Selector]error
}

type fakeSession struct {
	page     fakePage
	mu       sync.Mutex
	location string
	filled   map[string]string // selector -> value
	clicked  []Selector
	closed   bool
}

func (s *fakeSession) Navigate(_ context.Context, url string) error {
	s.location = url
	return nil
}

func (s *fakeSession) WaitVisible(_ context.Context, css string) error {
	if s.page.noForm {
		return context.DeadlineExceeded
	}
	return nil
}

func (s *fakeSession) Find(_ context.Context, sel Selector) (Element, bool, error) {
	tag, ok := s.page.elements[sel]
	if !ok {
		return Element{}, false, nil
	}
	return Element{Selector: sel, Tag: tag}, true, nil
}

func (s *fakeSession) Fill(_ context.Context, el Element, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.filled[el.Selector.Query] = value
	return nil
}

func (s *fakeSession) Click(_ context.Context, el Element) error {
	if err := s.page.clickErr[el.Selector]; err != nil {
		return err
	}
	s.clicked = append(s.clicked, el.Selector)
	s.location = s.page.afterClick
	return nil
}

func (s *fakeSession) Location(context.Context) (string, error) { return s.location, nil }

func (s *fakeSession) Content(context.Context) (string, error) { return s.page.content, nil }

func (s *fakeSession) Channels(context.Context) ([]string, error) {
	return ChannelsInHTML(s.page.content), nil
}

func (s *fakeSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

type fakePool struct {
	page       fakePage
	acquireErr error
	mu         sync.Mutex
	sessions   []*fakeSession
	acquires   int
	closed     bool
}

func (p *fakePool) Acquire(context.Context) (Session, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.acquires++
	if p.acquireErr != nil {
		return nil, p.acquireErr
	}
	s := &fakeSession{page: p.page, filled: map[string]string{}}
	p.sessions = append(p.sessions, s)
	return s, nil
}

func (p *fakePool) Close() error {
	p.closed = true
	return nil
}

func (p *fakePool) allClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, s := range p.sessions {
		if !s.closed {
			return false
		}
	}
	return true
}

var fixedNow = func() time.Time { return time.Date(2025, 3, 14, 10, 0, 0, 0, time.UTC) }

func TestAutomationSubmitFillsFirstMatchingCandidates(t *testing.T) {
	pool := &fakePool{page: fakePage{
		elements: map[Selector]string{
			CSS(`input[type="date"]`):     "input",
			CSS(`input[name="name"]`):     "input",
			CSS(`input[id*="name"]`):      "input",
			CSS(`input[type="tel"]`):      "input",
			CSS(`select[name="wilaya"]`):  "select",
			CSS(`input[name="quantity"]`): "input",
			ButtonText("Order"):           "button",
			CSS(`button.order`):           "button",
		},
		afterClick: "https://shop.example/merci",
		content:    `<script>ttq.track('CompletePayment')</script>`,
	}}
	a := NewAutomation(pool, WithAutomationPolicy(noWait(2)), WithClock(fixedNow))

	res := a.Submit(context.Background(), "https://shop.example/p/1", testRecord)

	require.True(t, res.Success, "err: %v", res.Err)
	assert.Equal(t, TierAutomation, res.Tier)
	assert.Equal(t, []string{"tiktok"}, res.Channels)

	require.Len(t, pool.sessions, 1)
	s := pool.sessions[0]
	assert.Equal(t, map[string]string{
		`input[type="date"]`:     "2025-03-14",
		`input[name="name"]`:     "Amine",
		`input[type="tel"]`:      "0551234567",
		`select[name="wilaya"]`:  "Oran",
		`input[name="quantity"]`: "1",
	}, s.filled)
	assert.Equal(t, []Selector{ButtonText("Order")}, s.clicked)
	assert.True(t, s.closed)
}

func TestAutomationSubmitSkipsFailingSubmitControl(t *testing.T) {
	pool := &fakePool{page: fakePage{
		elements: map[Selector]string{
			CSS(`button[type="submit"]`): "button",
			CSS(`input[type="submit"]`):  "input",
		},
		clickErr:   map[Selector]error{CSS(`button[type="submit"]`): errors.New("not clickable")},
		afterClick: "https://shop.example/thank-you",
	}}
	a := NewAutomation(pool, WithAutomationPolicy(noWait(2)), WithClock(fixedNow))

	res := a.Submit(context.Background(), "https://shop.example/p/1", testRecord)

	require.True(t, res.Success, "err: %v", res.Err)
	assert.Equal(t, []Selector{CSS(`input[type="submit"]`)}, pool.sessions[0].clicked)
}

func TestAutomationSubmitWithoutSubmitControl(t *testing.T) {
	pool := &fakePool{page: fakePage{
		elements: map[Selector]string{CSS(`input[name="phone"]`): "input"},
	}}
	sink := &countingSink{}
	a := NewAutomation(pool, WithAutomationPolicy(noWait(2)), WithAutomationMetrics(sink))

	res := a.Submit(context.Background(), "https://shop.example/p/1", testRecord)

	require.False(t, res.Success)
	assert.ErrorIs(t, res.Err, ErrSubmitNotFound)
	assert.Equal(t, 2, pool.acquires)
	assert.True(t, pool.allClosed())
	assert.EqualValues(t, 2, sink.failed.Load())
}

func TestAutomationSubmitWithoutForm(t *testing.T) {
	pool := &fakePool{page: fakePage{noForm: true}}
	a := NewAutomation(pool, WithAutomationPolicy(noWait(2)))

	res := a.Submit(context.Background(), "https://shop.example/p/1", testRecord)

	require.False(t, res.Success)
	assert.ErrorIs(t, res.Err, context.DeadlineExceeded)
	assert.True(t, pool.allClosed())
}

func TestAutomationSubmitSessionUnavailable(t *testing.T) {
	pool := &fakePool{acquireErr: errors.New("browser crashed")}
	a := NewAutomation(pool, WithAutomationPolicy(noWait(2)))

	res := a.Submit(context.Background(), "https://shop.example/p/1", testRecord)

	require.False(t, res.Success)
	assert.ErrorIs(t, res.Err, ErrSessionUnavailable)
	assert.Equal(t, 2, pool.acquires)
}

func TestAutomationSubmitWithoutSuccessIndicator(t *testing.T) {
	pool := &fakePool{page: fakePage{
		elements:   map[Selector]string{CSS(`button[type="submit"]`): "button"},
		afterClick: "https://shop.example/p/1",
		content:    "<p>Try again</p>",
	}}
	a := NewAutomation(pool, WithAutomationPolicy(noWait(1)))

	res := a.Submit(context.Background(), "https://shop.example/p/1", testRecord)

	require.False(t, res.Success)
	assert.ErrorIs(t, res.Err, ErrNoSuccessIndicator)
}

func TestAutomationPolicySchedule(t *testing.T) {
	p := AutomationPolicy()
	assert.Equal(t, 2, p.Attempts)
	assert.Equal(t, []time.Duration{2 * time.Second}, p.Delays())
}
