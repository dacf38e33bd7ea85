// Package browser implements the automation resource on top of headless
// Chrome via chromedp. An Allocator launches one Chrome allocator per job;
// every session acquired from it runs in its own browser instance.
package browser

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"

	"github.com/ahmethakanbesel/campaign-runner/internal/submit"
)

var ErrPoolClosed = errors.New("browser pool closed")

// Config controls how Chrome is launched.
type Config struct {
	ExecPath      string
	Headless      bool
	UserAgent     string
	LaunchTimeout time.Duration
}

func (c Config) options() []chromedp.ExecAllocatorOption {
	opts := append([]chromedp.ExecAllocatorOption{}, chromedp.DefaultExecAllocatorOptions[:]...)
	opts = append(opts,
		chromedp.Flag("headless", c.Headless),
		chromedp.NoSandbox,
		chromedp.DisableGPU,
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.WindowSize(1920, 1080),
	)
	if c.UserAgent != "" {
		opts = append(opts, chromedp.UserAgent(c.UserAgent))
	}
	if c.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(c.ExecPath))
	}
	return opts
}

// Allocator opens a Pool per job.
type Allocator struct {
	cfg Config
}

func NewAllocator(cfg Config) *Allocator {
	if cfg.LaunchTimeout <= 0 {
		cfg.LaunchTimeout = 30 * time.Second
	}
	return &Allocator{cfg: cfg}
}

// Allocate starts the Chrome allocator and verifies a browser can actually be
// launched before handing the pool out.
func (a *Allocator) Allocate(ctx context.Context) (submit.Pool, error) {
	allocCtx, cancel := chromedp.NewExecAllocator(ctx, a.cfg.options()...)

	probeCtx, probeTimeout := context.WithTimeout(allocCtx, a.cfg.LaunchTimeout)
	bctx, closeProbe := chromedp.NewContext(probeCtx)
	err := chromedp.Run(bctx)
	closeProbe()
	probeTimeout()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("launch browser: %w", err)
	}

	slog.Info("browser: pool ready", "headless", a.cfg.Headless)
	return &Pool{allocCtx: allocCtx, cancel: cancel, launchTimeout: a.cfg.LaunchTimeout}, nil
}

// Pool hands out isolated browser sessions for one job.
type Pool struct {
	allocCtx      context.Context
	cancel        context.CancelFunc
	launchTimeout time.Duration

	mu     sync.Mutex
	closed bool
}

func (p *Pool) Acquire(ctx context.Context) (submit.Session, error) {
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return nil, ErrPoolClosed
	}

	bctx, cancel := chromedp.NewContext(p.allocCtx)
	s := &Session{ctx: bctx, cancel: cancel}

	// The first Run launches the browser and binds it to the context it gets,
	// so it must not carry a deadline of its own.
	timer := time.AfterFunc(p.launchTimeout, cancel)
	stop := context.AfterFunc(ctx, cancel)
	err := chromedp.Run(bctx)
	timer.Stop()
	stop()
	if err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("start session: %w", err)
	}
	return s, nil
}

func (p *Pool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	p.cancel()
	return nil
}

// channelProbe lists the analytics libraries initialized on the page.
const channelProbe = `(() => {
  const c = [];
  if (typeof window.fbq === 'function') c.push('facebook');
  if (window.ttq && typeof window.ttq === 'object') c.push('tiktok');
  if (typeof window.gtag === 'function') c.push('google');
  return c;
})()`

// Session is one browser instance.
type Session struct {
	ctx    context.Context
	cancel context.CancelFunc
	once   sync.Once
}

// run executes actions in the browser. They are aborted when the caller's ctx
// is done or timeout elapses, without tearing the browser down.
func (s *Session) run(ctx context.Context, timeout time.Duration, actions ...chromedp.Action) error {
	rctx, cancel := context.WithCancel(s.ctx)
	defer cancel()
	if timeout > 0 {
		var tcancel context.CancelFunc
		rctx, tcancel = context.WithTimeout(rctx, timeout)
		defer tcancel()
	}
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	if err := chromedp.Run(rctx, actions...); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return err
	}
	return nil
}

func (s *Session) Navigate(ctx context.Context, url string) error {
	return s.run(ctx, 0, chromedp.Navigate(url))
}

func (s *Session) WaitVisible(ctx context.Context, css string) error {
	return s.run(ctx, 0, chromedp.WaitVisible(css, chromedp.ByQuery))
}

func (s *Session) Find(ctx context.Context, sel submit.Selector) (submit.Element, bool, error) {
	q, by := query(sel)
	var nodes []*cdp.Node
	if err := s.run(ctx, 0, chromedp.Nodes(q, &nodes, by, chromedp.AtLeast(0))); err != nil {
		return submit.Element{}, false, err
	}
	if len(nodes) == 0 {
		return submit.Element{}, false, nil
	}
	return submit.Element{Selector: sel, Tag: strings.ToLower(nodes[0].NodeName)}, true, nil
}

func (s *Session) Fill(ctx context.Context, el submit.Element, value string) error {
	q, by := query(el.Selector)
	if el.Tag == "select" {
		return s.run(ctx, 0, chromedp.SetValue(q, value, by))
	}
	return s.run(ctx, 0,
		chromedp.Clear(q, by),
		chromedp.SendKeys(q, value, by),
	)
}

// Click clicks el and waits until the next page has loaded.
func (s *Session) Click(ctx context.Context, el submit.Element) error {
	q, by := query(el.Selector)

	loaded := make(chan struct{}, 1)
	lctx, stop := context.WithCancel(s.ctx)
	defer stop()
	chromedp.ListenTarget(lctx, func(ev any) {
		if _, ok := ev.(*page.EventLoadEventFired); ok {
			select {
			case loaded <- struct{}{}:
			default:
			}
		}
	})

	if err := s.run(ctx, 0, chromedp.Click(q, by, chromedp.NodeVisible)); err != nil {
		return err
	}
	select {
	case <-loaded:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("wait for navigation: %w", ctx.Err())
	}
}

func (s *Session) Location(ctx context.Context) (string, error) {
	var loc string
	err := s.run(ctx, 0, chromedp.Location(&loc))
	return loc, err
}

func (s *Session) Content(ctx context.Context) (string, error) {
	var html string
	err := s.run(ctx, 0, chromedp.OuterHTML("html", &html, chromedp.ByQuery))
	return html, err
}

func (s *Session) Channels(ctx context.Context) ([]string, error) {
	var channels []string
	err := s.run(ctx, 0, chromedp.Evaluate(channelProbe, &channels))
	return channels, err
}

// Close shuts the browser down. It is safe to call more than once.
func (s *Session) Close() error {
	var err error
	s.once.Do(func() {
		err = chromedp.Cancel(s.ctx)
		s.cancel()
	})
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func query(sel submit.Selector) (string, chromedp.QueryOption) {
	if sel.ByText {
		return buttonXPath(sel.Query), chromedp.BySearch
	}
	return sel.Query, chromedp.ByQuery
}

// buttonXPath matches a button whose visible text contains label.
func buttonXPath(label string) string {
	return fmt.Sprintf("//button[contains(normalize-space(.), %s)]", xpathLiteral(label))
}

func xpathLiteral(s string) string {
	if !strings.Contains(s, `"`) {
		return `"` + s + `"`
	}
	if !strings.Contains(s, "'") {
		return "'" + s + "'"
	}
	parts := strings.Split(s, `"`)
	for i, p := range parts {
		parts[i] = `"` + p + `"`
	}
	return "concat(" + strings.Join(parts, `, '"', `) + ")"
}
