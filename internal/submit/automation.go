package submit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ahmethakanbesel/campaign-runner/internal/customer"
	"github.com/ahmethakanbesel/campaign-runner/internal/retry"
)

// Selector is one candidate locator for a page element. Text selectors
// match a button by its visible label instead of a CSS query.
type Selector struct {
	Query  string
	ByText bool
}

func CSS(q string) Selector        { return Selector{Query: q} }
func ButtonText(t string) Selector { return Selector{Query: t, ByText: true} }

func (s Selector) String() string {
	if s.ByText {
		return fmt.Sprintf("button[text=%q]", s.Query)
	}
	return s.Query
}

// Element is a matched element on the current page.
type Element struct {
	Selector Selector
	Tag      string
}

// Session is one isolated browser session. Close must be safe to call on
// every exit path.
type Session interface {
	Navigate(ctx context.Context, url string) error
	WaitVisible(ctx context.Context, css string) error
	// Find reports whether sel matches an element on the current page.
	Find(ctx context.Context, sel Selector) (Element, bool, error)
	// Fill types value into an input or picks it in a select.
	Fill(ctx context.Context, el Element, value string) error
	// Click clicks el and waits for the resulting navigation.
	Click(ctx context.Context, el Element) error
	Location(ctx context.Context) (string, error)
	Content(ctx context.Context) (string, error)
	// Channels lists the analytics channels active on the current page.
	Channels(ctx context.Context) ([]string, error)
	Close() error
}

// Pool hands out sessions backed by one job's automation resource.
type Pool interface {
	Acquire(ctx context.Context) (Session, error)
	Close() error
}

// Allocator opens the automation resource of one job.
type Allocator interface {
	Allocate(ctx context.Context) (Pool, error)
}

// FieldChain is an ordered list of selector candidates for one logical form
// field. The first candidate that matches wins.
type FieldChain struct {
	Field      string
	Candidates []Selector
	// Warn marks fields whose absence is worth a warning.
	Warn  bool
	Value func(rec customer.Record, now time.Time) string
}

// Resolve returns the first element matched by the chain. Lookup errors on a
// candidate are treated as a miss.
func (c FieldChain) Resolve(ctx context.Context, s Session) (Element, bool) {
	for _, sel := range c.Candidates {
		el, ok, err := s.Find(ctx, sel)
		if err != nil {
			slog.Debug("automation: selector lookup failed", "field", c.Field, "selector", sel.String(), "error", err)
			continue
		}
		if ok {
			return el, true
		}
	}
	return Element{}, false
}

func cssAll(qs ...string) []Selector {
	out := make([]Selector, len(qs))
	for i, q := range qs {
		out[i] = CSS(q)
	}
	return out
}

// DefaultFieldChains are the form fields filled by the browser tier, in the
// order they are filled.
var DefaultFieldChains = []FieldChain{
	{
		Field: "date",
		Candidates: cssAll(
			`input[type="date"]`, `input[name*="date"]`, `input[name*="Date"]`,
			`input[placeholder*="تاريخ"]`, `input[placeholder*="Date"]`, `input[id*="date"]`,
		),
		Value: func(_ customer.Record, now time.Time) string { return now.Format(time.DateOnly) },
	},
	{
		Field: "first_name",
		Candidates: cssAll(
			`input[name="first_name"]`, `input[name="firstName"]`, `input[name="name"]`, `input[name="prenom"]`,
			`input[placeholder*="اسم"]`, `input[placeholder*="الاسم"]`, `input[placeholder*="First"]`,
			`input[placeholder*="Name"]`, `input[id*="first"]`, `input[id*="name"]`,
		),
		Value: func(r customer.Record, _ time.Time) string { return firstNameOr(r, "Customer") },
	},
	{
		Field: "last_name",
		Candidates: cssAll(
			`input[name="last_name"]`, `input[name="lastName"]`, `input[name="nom"]`,
			`input[placeholder*="Last"]`, `input[placeholder*="العائلة"]`, `input[id*="last"]`,
		),
		Value: func(r customer.Record, _ time.Time) string { return lastNameOr(r, "Order") },
	},
	{
		Field: "phone",
		Candidates: cssAll(
			`input[name="phone"]`, `input[name="telephone"]`, `input[name="tel"]`, `input[type="tel"]`,
			`input[placeholder*="هاتف"]`, `input[placeholder*="رقم"]`, `input[placeholder*="Phone"]`,
			`input[placeholder*="Tel"]`, `input[id*="phone"]`, `input[id*="tel"]`,
		),
		Warn:  true,
		Value: func(r customer.Record, _ time.Time) string { return r.Phone },
	},
	{
		Field: "city",
		Candidates: cssAll(
			`select[name="region"]`, `select[name="city"]`, `select[name="wilaya"]`, `select[name="ville"]`,
			`input[name="region"]`, `input[name="city"]`, `input[name="wilaya"]`,
			`input[placeholder*="ولاية"]`, `input[placeholder*="المدينة"]`, `input[placeholder*="City"]`,
			`select[id*="region"]`, `select[id*="city"]`,
		),
		Value: func(r customer.Record, _ time.Time) string { return cityOr(r, defaultCity) },
	},
	{
		Field: "commune",
		Candidates: cssAll(
			`select[name="commune"]`, `select[name="city"]`, `input[name="commune"]`,
			`input[name="address"]`, `select[id*="commune"]`,
		),
		Value: func(r customer.Record, _ time.Time) string { return cityOr(r, defaultCity) },
	},
	{
		Field: "quantity",
		Candidates: cssAll(
			`input[name="quantity"]`, `input[name="qty"]`, `input[type="number"]`, `select[name="quantity"]`,
		),
		Value: func(customer.Record, time.Time) string { return "1" },
	},
}

// DefaultSubmitCandidates are tried in order; the first one found and
// clicked submits the form.
var DefaultSubmitCandidates = []Selector{
	CSS(`button[type="submit"]`),
	CSS(`input[type="submit"]`),
	ButtonText("طلب"),
	ButtonText("تأكيد"),
	ButtonText("Order"),
	ButtonText("Submit"),
	ButtonText("Confirm"),
	CSS(`button.submit`),
	CSS(`button.order`),
	CSS(`input.submit`),
}

// AutomationPolicy is the default retry budget of the browser tier: two
// attempts two seconds apart.
func AutomationPolicy() retry.Policy {
	return retry.Policy{Name: TierAutomation, Attempts: 2, Backoff: retry.Constant(2 * time.Second)}
}

// Automation fills and submits the order form in a browser. Every attempt
// acquires its own session from the pool and closes it before returning.
type Automation struct {
	pool          Pool
	policy        retry.Policy
	chains        []FieldChain
	submits       []Selector
	navTimeout    time.Duration
	formTimeout   time.Duration
	submitTimeout time.Duration
	metrics       MetricsSink
	now           func() time.Time
}

type AutomationOption func(*Automation)

func WithAutomationPolicy(p retry.Policy) AutomationOption {
	return func(a *Automation) { a.policy = p }
}

func WithFieldChains(c []FieldChain) AutomationOption {
	return func(a *Automation) { a.chains = c }
}

func WithSubmitCandidates(s []Selector) AutomationOption {
	return func(a *Automation) { a.submits = s }
}

func WithTimeouts(navigation, form time.Duration) AutomationOption {
	return func(a *Automation) {
		a.navTimeout = navigation
		a.formTimeout = form
	}
}

func WithAutomationMetrics(m MetricsSink) AutomationOption {
	return func(a *Automation) { a.metrics = m }
}

func WithClock(now func() time.Time) AutomationOption {
	return func(a *Automation) { a.now = now }
}

func NewAutomation(pool Pool, opts ...AutomationOption) *Automation {
	a := &Automation{
		pool:          pool,
		policy:        AutomationPolicy(),
		chains:        DefaultFieldChains,
		submits:       DefaultSubmitCandidates,
		navTimeout:    30 * time.Second,
		formTimeout:   10 * time.Second,
		submitTimeout: 30 * time.Second,
		now:           time.Now,
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

func (a *Automation) Submit(ctx context.Context, target string, rec customer.Record) Result {
	var res Result
	err := a.policy.Do(ctx, func(ctx context.Context, attempt int) error {
		r, err := a.attempt(ctx, target, rec)
		if a.metrics != nil {
			a.metrics.TierAttempt(TierAutomation, err == nil)
		}
		if err != nil {
			slog.Warn("automation: attempt failed", "attempt", attempt, "customer", rec.Name, "error", err)
			return err
		}
		res = r
		return nil
	})
	if err != nil {
		return Result{Tier: TierAutomation, Err: err}
	}
	return res
}

func (a *Automation) attempt(ctx context.Context, target string, rec customer.Record) (Result, error) {
	sess, err := a.pool.Acquire(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrSessionUnavailable, err)
	}
	defer func() {
		if cerr := sess.Close(); cerr != nil {
			slog.Warn("automation: closing session", "error", cerr)
		}
	}()

	if err := withTimeout(ctx, a.navTimeout, func(ctx context.Context) error {
		return sess.Navigate(ctx, target)
	}); err != nil {
		return Result{}, fmt.Errorf("navigate: %w", err)
	}
	if err := withTimeout(ctx, a.formTimeout, func(ctx context.Context) error {
		return sess.WaitVisible(ctx, "form")
	}); err != nil {
		return Result{}, fmt.Errorf("wait for form: %w", err)
	}

	now := a.now()
	for _, c := range a.chains {
		el, ok := c.Resolve(ctx, sess)
		if !ok {
			if c.Warn {
				slog.Warn("automation: field not found", "field", c.Field, "url", target)
			}
			continue
		}
		if err := sess.Fill(ctx, el, c.Value(rec, now)); err != nil {
			return Result{}, fmt.Errorf("fill %s: %w", c.Field, err)
		}
	}

	if err := a.clickSubmit(ctx, sess); err != nil {
		return Result{}, err
	}

	loc, err := sess.Location(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("read location: %w", err)
	}
	content, err := sess.Content(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("read content: %w", err)
	}
	det := DetectSuccess(loc, content)
	if det == DetectedNone {
		return Result{}, fmt.Errorf("%w at %s", ErrNoSuccessIndicator, loc)
	}

	channels, err := sess.Channels(ctx)
	if err != nil {
		slog.Warn("automation: reading channels", "error", err)
		channels = ChannelsInHTML(content)
	}
	slog.Info("automation: order placed", "customer", rec.Name, "final_url", loc, "detection", det)
	return Result{Success: true, Tier: TierAutomation, Channels: channels}, nil
}

func (a *Automation) clickSubmit(ctx context.Context, sess Session) error {
	var clickErr error
	for _, sel := range a.submits {
		el, ok, err := sess.Find(ctx, sel)
		if err != nil || !ok {
			continue
		}
		err = withTimeout(ctx, a.submitTimeout, func(ctx context.Context) error {
			return sess.Click(ctx, el)
		})
		if err != nil {
			clickErr = errors.Join(clickErr, fmt.Errorf("%s: %w", sel, err))
			continue
		}
		return nil
	}
	if clickErr != nil {
		return fmt.Errorf("%w: %w", ErrSubmitNotFound, clickErr)
	}
	return ErrSubmitNotFound
}

func withTimeout(ctx context.Context, d time.Duration, fn func(context.Context) error) error {
	if d <= 0 {
		return fn(ctx)
	}
	ctx, cancel := context.WithTimeout(ctx, d)
	defer cancel()
	return fn(ctx)
}
