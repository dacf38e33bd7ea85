package submit

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/ahmethakanbesel/campaign-runner/internal/customer"
	"github.com/ahmethakanbesel/campaign-runner/internal/retry"
)

const (
	defaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36"
	defaultCountry   = "الجزائر"
	defaultCity      = "أدرار"
	customDateValue  = "01/01/2000"
	maxPageBytes     = 5 << 20
)

var tokenPatterns = []*regexp.Regexp{
	regexp.MustCompile(`name="_token"\s+value="([^"]+)"`),
	regexp.MustCompile(`name='_token'\s+value='([^']+)'`),
	regexp.MustCompile(`<input[^>]*name="_token"[^>]*value="([^"]+)"`),
	regexp.MustCompile(`<input[^>]*value="([^"]+)"[^>]*name="_token"`),
	regexp.MustCompile(`(?i)csrf[_-]?token["']?\s*[:=]\s*["']([^"']+)["']`),
}

var customFieldPattern = regexp.MustCompile(`name="(extra_fields\[custom_field_[^\]]+\])"`)

// FastPathPolicy is the default retry budget of the HTTP tier: three
// attempts with waits doubling from one second.
func FastPathPolicy() retry.Policy {
	return retry.Policy{Name: TierFast, Attempts: 3, Backoff: retry.Exponential(time.Second)}
}

// FastPath replays the order form over plain HTTP: it fetches the page,
// extracts the submission token and posts the form back.
type FastPath struct {
	client    *http.Client
	timeout   time.Duration
	policy    retry.Policy
	userAgent string
	metrics   MetricsSink
}

type FastPathOption func(*FastPath)

func WithClient(c *http.Client) FastPathOption {
	return func(f *FastPath) { f.client = c }
}

// WithRequestTimeout bounds each individual HTTP request.
func WithRequestTimeout(d time.Duration) FastPathOption {
	return func(f *FastPath) { f.timeout = d }
}

func WithFastPathPolicy(p retry.Policy) FastPathOption {
	return func(f *FastPath) { f.policy = p }
}

func WithUserAgent(ua string) FastPathOption {
	return func(f *FastPath) { f.userAgent = ua }
}

func WithFastPathMetrics(m MetricsSink) FastPathOption {
	return func(f *FastPath) { f.metrics = m }
}

func NewFastPath(opts ...FastPathOption) *FastPath {
	f := &FastPath{
		client:    &http.Client{},
		timeout:   30 * time.Second,
		policy:    FastPathPolicy(),
		userAgent: defaultUserAgent,
	}
	for _, o := range opts {
		o(f)
	}
	return f
}

func (f *FastPath) Submit(ctx context.Context, target string, rec customer.Record) Result {
	var res Result
	err := f.policy.Do(ctx, func(ctx context.Context, attempt int) error {
		r, err := f.attempt(ctx, target, rec)
		if f.metrics != nil {
			f.metrics.TierAttempt(TierFast, err == nil)
		}
		if err != nil {
			slog.Warn("fastpath: attempt failed", "attempt", attempt, "customer", rec.Name, "error", err)
			return err
		}
		res = r
		return nil
	})
	if err != nil {
		return Result{Tier: TierFast, Err: err}
	}
	return res
}

func (f *FastPath) attempt(ctx context.Context, target string, rec customer.Record) (Result, error) {
	page, _, err := f.do(ctx, http.MethodGet, target, nil, nil)
	if err != nil {
		return Result{}, fmt.Errorf("fetch page: %w", err)
	}

	token := extractToken(page)
	if token == "" {
		return Result{}, ErrTokenNotFound
	}

	form := buildForm(page, token, rec)

	u, err := url.Parse(target)
	if err != nil {
		return Result{}, retry.Permanent(fmt.Errorf("parse target: %w", err))
	}
	headers := http.Header{}
	headers.Set("Content-Type", "application/x-www-form-urlencoded")
	headers.Set("Referer", target)
	headers.Set("Origin", u.Scheme+"://"+u.Host)

	body, finalURL, err := f.do(ctx, http.MethodPost, target, strings.NewReader(form.Encode()), headers)
	if err != nil {
		return Result{}, fmt.Errorf("submit form: %w", err)
	}

	det := DetectSuccess(finalURL, body)
	if det == DetectedNone {
		return Result{}, fmt.Errorf("%w at %s", ErrNoSuccessIndicator, finalURL)
	}
	slog.Info("fastpath: order placed", "customer", rec.Name, "final_url", finalURL, "detection", det)
	return Result{Success: true, Tier: TierFast, Channels: ChannelsInHTML(body)}, nil
}

// do performs one request and returns the body and the URL the response
// finally came from after redirects.
func (f *FastPath) do(ctx context.Context, method, target string, body io.Reader, headers http.Header) (string, string, error) {
	if f.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, f.timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return "", "", retry.Permanent(err)
	}
	for k, vs := range headers {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	req.Header.Set("User-Agent", f.userAgent)

	resp, err := f.client.Do(req)
	if err != nil {
		return "", "", err
	}
	defer resp.Body.Close()

	b, err := io.ReadAll(io.LimitReader(resp.Body, maxPageBytes))
	if err != nil {
		return "", "", fmt.Errorf("read body: %w", err)
	}
	finalURL := target
	if resp.Request != nil && resp.Request.URL != nil {
		finalURL = resp.Request.URL.String()
	}
	return string(b), finalURL, nil
}

func extractToken(page string) string {
	for _, p := range tokenPatterns {
		if m := p.FindStringSubmatch(page); m != nil {
			return m[1]
		}
	}
	return ""
}

func buildForm(page, token string, rec customer.Record) url.Values {
	form := url.Values{}
	form.Set("_token", token)
	form.Set("first_name", firstNameOr(rec, "Customer"))
	form.Set("last_name", lastNameOr(rec, "Order"))
	form.Set("phone", rec.Phone)
	form.Set("country", defaultCountry)
	form.Set("region", cityOr(rec, defaultCity))
	// The store's "city" field is the commune. Records carry no commune, so it
	// repeats the region, as the browser tier's commune chain does.
	form.Set("city", cityOr(rec, defaultCity))

	if strings.Contains(page, `name="quantity"`) {
		form.Set("quantity", strconv.Itoa(1))
	}
	if m := customFieldPattern.FindStringSubmatch(page); m != nil {
		form.Set(m[1], customDateValue)
	}
	return form
}
