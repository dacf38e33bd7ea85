// Package submit places a single synthetic order on a target page.
//
// Two tiers are tried in order: a fast path that replays the order form over
// plain HTTP, and a browser fallback that fills and submits the form in an
// isolated browser session. Each tier carries its own retry policy.
package submit

import (
	"context"
	"errors"
	"io"
	"regexp"
	"strings"

	"github.com/ahmethakanbesel/campaign-runner/internal/customer"
)

const (
	TierFast       = "fast"
	TierAutomation = "automation"
)

var (
	// ErrSessionUnavailable means no browser session could be allocated.
	// Callers may retry the whole order when they see it.
	ErrSessionUnavailable = errors.New("browser session unavailable")
	ErrTokenNotFound      = errors.New("submission token not found")
	ErrNoSuccessIndicator = errors.New("no success indicators found")
	ErrSubmitNotFound     = errors.New("submit control not found")
)

// Result is the outcome of one order. Err is set only when Success is false.
type Result struct {
	Success  bool
	Tier     string
	Channels []string
	Err      error
}

// Strategy places one order. Implementations never panic and never return
// errors other than through Result.Err.
type Strategy interface {
	Submit(ctx context.Context, target string, rec customer.Record) Result
}

// Provider opens a Strategy bound to the automation resources of one job.
// The returned Closer releases those resources.
type Provider interface {
	Open(ctx context.Context) (Strategy, io.Closer, error)
}

// MetricsSink records per-tier attempt outcomes. Methods must not block.
type MetricsSink interface {
	TierAttempt(tier string, success bool)
}

var (
	successURLKeywords     = []string{"thank", "success", "merci", "confirmation"}
	successContentKeywords = []string{"thank", "success", "merci", "شكرا", "confirmation"}
)

// Detection names where a success indicator was found.
type Detection string

const (
	DetectedNone    Detection = ""
	DetectedURL     Detection = "url"
	DetectedContent Detection = "content"
)

// DetectSuccess applies the keyword heuristic shared by both tiers to the
// page an order landed on. It is approximate by nature: unfamiliar pages can
// produce false positives and negatives.
func DetectSuccess(finalURL, content string) Detection {
	u := strings.ToLower(finalURL)
	for _, k := range successURLKeywords {
		if strings.Contains(u, k) {
			return DetectedURL
		}
	}
	c := strings.ToLower(content)
	for _, k := range successContentKeywords {
		if strings.Contains(c, k) {
			return DetectedContent
		}
	}
	return DetectedNone
}

type channelPattern struct {
	name string
	re   *regexp.Regexp
}

var channelPatterns = []channelPattern{
	{"facebook", regexp.MustCompile(`\bfbq\s*\(|connect\.facebook\.net/[^"']*fbevents\.js`)},
	{"tiktok", regexp.MustCompile(`\bttq\s*\.\s*(?:load|page|track)\b|analytics\.tiktok\.com`)},
	{"google", regexp.MustCompile(`\bgtag\s*\(|googletagmanager\.com/gtag/js`)},
}

// ChannelsInHTML lists the analytics channels whose tags are present in page.
func ChannelsInHTML(page string) []string {
	var out []string
	for _, p := range channelPatterns {
		if p.re.MatchString(page) {
			out = append(out, p.name)
		}
	}
	return out
}

func firstNameOr(rec customer.Record, fallback string) string {
	if v := rec.FirstName(); v != "" {
		return v
	}
	return fallback
}

func lastNameOr(rec customer.Record, fallback string) string {
	if v := rec.LastName(); v != "" {
		return v
	}
	return fallback
}

func cityOr(rec customer.Record, fallback string) string {
	if rec.City != "" {
		return rec.City
	}
	return fallback
}
