// Package tracer walks redirect chains (HTTP 3xx, meta refresh, script
// redirects) and extracts the tracking parameters of a designated hop.
package tracer

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/sifan077/PowerSuffix/internal/app/model"
	"github.com/sifan077/PowerSuffix/internal/infra/prometheus"
	"go.uber.org/zap"
)

const (
	DefaultMaxRedirects = 20
	DefaultTimeout      = 60 * time.Second
	DefaultRetryLimit   = 3
	DefaultRetryDelay   = 2 * time.Second
)

var (
	// ErrTraceTimeout marks a chain closed because the trace deadline passed.
	ErrTraceTimeout = errors.New("tracer: timeout exceeded")
	// ErrMaxRedirectsExceeded marks a chain closed at the redirect limit.
	ErrMaxRedirectsExceeded = errors.New("tracer: max redirects exceeded")
	// ErrFetchFailed marks a chain closed after fetch retries were exhausted.
	ErrFetchFailed = errors.New("tracer: fetch failed")

	// ErrInvalidURL rejects a start URL that is not absolute http(s).
	ErrInvalidURL = errors.New("tracer: invalid start url")
	// ErrUnknownMode rejects an unknown tracer mode.
	ErrUnknownMode = errors.New("tracer: unknown mode")
	// ErrStrategyUnavailable rejects a mode whose fetcher is not configured.
	ErrStrategyUnavailable = errors.New("tracer: strategy unavailable")
)

// FailureKind classifies why a trace did not reach a final hop.
type FailureKind string

const (
	FailureNone         FailureKind = ""
	FailureTimeout      FailureKind = "timeout"
	FailureMaxRedirects FailureKind = "max_redirects"
	FailureFetch        FailureKind = "fetch"
)

// Options configures one trace. Zero values take the package defaults;
// RetryLimit and RetryDelay are pointers because zero is meaningful for both.
type Options struct {
	MaxRedirects     int
	Timeout          time.Duration
	UserAgent        string
	UseProxy         bool
	ProxyGeo         string
	ProxyProtocol    string
	Mode             model.TracerMode
	ExpectedFinalURL string

	// Referrer is sent as the Referer header on the hops it applies to.
	Referrer *model.RotationEntry

	ExtractionHopIndex        *int
	ExtractFromLocationHeader bool
	ExpectedParams            []string

	RetryLimit *int
	RetryDelay *time.Duration
}

func (o Options) withDefaults() Options {
	if o.MaxRedirects <= 0 {
		o.MaxRedirects = DefaultMaxRedirects
	}
	if o.Timeout <= 0 {
		o.Timeout = DefaultTimeout
	}
	if o.Mode == "" {
		o.Mode = model.TracerHTTPOnly
	}
	if o.ProxyProtocol == "" {
		o.ProxyProtocol = "http"
	}
	if o.RetryLimit == nil {
		n := DefaultRetryLimit
		o.RetryLimit = &n
	}
	if o.RetryDelay == nil {
		d := DefaultRetryDelay
		o.RetryDelay = &d
	}
	return o
}

// Result is the outcome of one trace.
type Result struct {
	StartURL        string            `json:"start_url"`
	FinalURL        string            `json:"final_url"`
	Hops            []model.TraceHop  `json:"hops"`
	Params          map[string]string `json:"params,omitempty"`
	ExtractionHop   int               `json:"extraction_hop"`
	Success         bool              `json:"success"`
	Failure         FailureKind       `json:"failure,omitempty"`
	Error           string            `json:"error,omitempty"`
	ModeUsed        model.TracerMode  `json:"mode_used"`
	DetectionReason string            `json:"detection_reason,omitempty"`
	Popups          []string          `json:"popups,omitempty"`
	FinalURLMatched *bool             `json:"final_url_matched,omitempty"`
	DurationMs      int64             `json:"duration_ms"`
}

// Err maps a failed result to its sentinel error.
func (r *Result) Err() error {
	switch r.Failure {
	case FailureTimeout:
		return ErrTraceTimeout
	case FailureMaxRedirects:
		return ErrMaxRedirectsExceeded
	case FailureFetch:
		return fmt.Errorf("%w: %s", ErrFetchFailed, r.Error)
	}
	return nil
}

// Suffix encodes the extracted parameters as a query string with sorted keys.
// A non-empty allow list keeps only the named parameters.
func (r *Result) Suffix(allow []string) string {
	if len(r.Params) == 0 {
		return ""
	}
	keep := func(string) bool { return true }
	if len(allow) > 0 {
		set := make(map[string]struct{}, len(allow))
		for _, k := range allow {
			set[k] = struct{}{}
		}
		keep = func(k string) bool { _, ok := set[k]; return ok }
	}

	keys := make([]string, 0, len(r.Params))
	for k := range r.Params {
		if keep(k) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	var b strings.Builder
	for i, k := range keys {
		if i > 0 {
			b.WriteByte('&')
		}
		b.WriteString(url.QueryEscape(k))
		b.WriteByte('=')
		b.WriteString(url.QueryEscape(r.Params[k]))
	}
	return b.String()
}

// CompletionPredicate judges whether a cheap strategy's result is good enough
// to stop the auto chain; reason explains a negative verdict.
type CompletionPredicate func(res *Result, opts Options) (complete bool, reason string)

// DefaultCompletion treats a failed trace, a lone non-final hop or missing
// expected parameters as incomplete.
func DefaultCompletion(res *Result, opts Options) (bool, string) {
	if len(res.Hops) == 1 && res.Hops[0].RedirectType != model.RedirectFinal {
		return false, "single non-final hop"
	}
	if !res.Success {
		return false, "trace failed: " + res.Error
	}
	var missing []string
	for _, p := range opts.ExpectedParams {
		if _, ok := res.Params[p]; !ok {
			missing = append(missing, p)
		}
	}
	if len(missing) > 0 {
		return false, "expected params missing: " + strings.Join(missing, ",")
	}
	return true, ""
}

// Tracer runs traces with the strategy registered for each mode.
type Tracer struct {
	fetchers map[model.TracerMode]Fetcher
	chain    []model.TracerMode
	complete CompletionPredicate
	logger   *zap.Logger
}

// Option customises a Tracer.
type Option func(*Tracer)

// WithStrategy registers fetcher for mode.
func WithStrategy(mode model.TracerMode, f Fetcher) Option {
	return func(t *Tracer) {
		if f != nil {
			t.fetchers[mode] = f
		}
	}
}

// WithRenderer registers one render-capable fetcher for every browser-family mode.
func WithRenderer(f Fetcher) Option {
	return func(t *Tracer) {
		if f == nil {
			return
		}
		for _, m := range []model.TracerMode{model.TracerBrowser, model.TracerAntiCloaking, model.TracerInteractive, model.TracerBrightdataBrowser} {
			t.fetchers[m] = f
		}
	}
}

// WithAutoChain replaces the cheap-first strategy order used by auto mode.
func WithAutoChain(modes ...model.TracerMode) Option {
	return func(t *Tracer) { t.chain = modes }
}

// WithCompletion replaces the auto-mode completion predicate.
func WithCompletion(p CompletionPredicate) Option {
	return func(t *Tracer) {
		if p != nil {
			t.complete = p
		}
	}
}

// WithLogger sets the tracer logger.
func WithLogger(l *zap.Logger) Option {
	return func(t *Tracer) {
		if l != nil {
			t.logger = l
		}
	}
}

// New builds a tracer whose http_only strategy uses httpFetcher.
func New(httpFetcher Fetcher, opts ...Option) *Tracer {
	t := &Tracer{
		fetchers: map[model.TracerMode]Fetcher{model.TracerHTTPOnly: httpFetcher},
		chain:    []model.TracerMode{model.TracerHTTPOnly, model.TracerBrowser},
		complete: DefaultCompletion,
		logger:   zap.NewNop(),
	}
	for _, o := range opts {
		o(t)
	}
	t.logger = t.logger.Named("tracer")
	return t
}

// Trace follows the chain starting at startURL. Chain failures (timeout,
// redirect limit, exhausted retries) are reported inside the result; the
// returned error is reserved for invalid input.
func (t *Tracer) Trace(ctx context.Context, startURL string, opts Options) (*Result, error) {
	opts = opts.withDefaults()

	u, err := url.Parse(startURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("%w: %q", ErrInvalidURL, startURL)
	}
	if !opts.Mode.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrUnknownMode, opts.Mode)
	}

	started := time.Now()
	var res *Result
	if opts.Mode == model.TracerAuto {
		res, err = t.runChain(ctx, startURL, opts)
	} else {
		res, err = t.run(ctx, opts.Mode, startURL, opts)
	}
	if err != nil {
		return nil, err
	}
	res.DurationMs = time.Since(started).Milliseconds()

	if opts.ExpectedFinalURL != "" {
		matched := sameURL(res.FinalURL, opts.ExpectedFinalURL)
		res.FinalURLMatched = &matched
		if !matched {
			t.logger.Info("final url differs from expected",
				zap.String("start_url", startURL),
				zap.String("final_url", res.FinalURL),
				zap.String("expected_final_url", opts.ExpectedFinalURL),
			)
		}
	}

	outcome := "success"
	if !res.Success {
		outcome = string(res.Failure)
	}
	prometheus.Traces.WithLabelValues(string(res.ModeUsed), outcome).Inc()
	prometheus.TraceDuration.WithLabelValues(string(res.ModeUsed)).Observe(time.Since(started).Seconds())

	return res, nil
}

func (t *Tracer) runChain(ctx context.Context, startURL string, opts Options) (*Result, error) {
	var (
		best    *Result
		reasons []string
	)
	for i, mode := range t.chain {
		res, err := t.run(ctx, mode, startURL, opts)
		if err != nil {
			if errors.Is(err, ErrStrategyUnavailable) && best != nil {
				reasons = append(reasons, string(mode)+" unavailable")
				break
			}
			return nil, err
		}
		best = res

		if i == len(t.chain)-1 {
			break
		}
		complete, reason := t.complete(res, opts)
		if complete {
			break
		}
		reasons = append(reasons, fmt.Sprintf("%s incomplete: %s", mode, reason))
		t.logger.Debug("auto trace escalating",
			zap.String("start_url", startURL),
			zap.String("from", string(mode)),
			zap.String("reason", reason),
		)
	}
	if best == nil {
		return nil, fmt.Errorf("%w: empty auto chain", ErrStrategyUnavailable)
	}
	best.DetectionReason = strings.Join(reasons, "; ")
	return best, nil
}

func (t *Tracer) run(ctx context.Context, mode model.TracerMode, startURL string, opts Options) (*Result, error) {
	f, ok := t.fetchers[mode]
	if !ok || f == nil {
		return nil, fmt.Errorf("%w: %s", ErrStrategyUnavailable, mode)
	}

	// Each run gets its own deadline so a cancelled sibling never affects it.
	runCtx, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()

	res := t.walk(runCtx, f, mode, startURL, opts)
	res.ModeUsed = mode
	applyExtraction(res, opts)
	return res, nil
}

func (t *Tracer) walk(ctx context.Context, f Fetcher, mode model.TracerMode, startURL string, opts Options) *Result {
	res := &Result{StartURL: startURL}
	current := startURL
	redirects := 0

	fail := func(kind FailureKind, msg string, statusCode int) {
		res.Hops = append(res.Hops, model.TraceHop{
			Index:        len(res.Hops),
			URL:          current,
			StatusCode:   statusCode,
			RedirectType: model.RedirectError,
			Params:       queryParams(current),
			Error:        msg,
		})
		res.Failure = kind
		res.Error = msg
		res.FinalURL = current
	}

	for {
		if ctx.Err() != nil {
			fail(FailureTimeout, "timeout exceeded", 0)
			return res
		}

		req := FetchRequest{
			URL:      current,
			Headers:  hopHeaders(len(res.Hops), opts),
			UseProxy: opts.UseProxy,
			ProxyGeo: opts.ProxyGeo,
			Protocol: opts.ProxyProtocol,
			Mode:     string(mode),
			Timeout:  remaining(ctx),
		}

		resp, err := fetchWithRetry(ctx, f, req, *opts.RetryLimit, *opts.RetryDelay)
		if err != nil {
			if ctx.Err() != nil {
				fail(FailureTimeout, "timeout exceeded", 0)
			} else {
				fail(FailureFetch, err.Error(), 0)
			}
			return res
		}
		res.Popups = append(res.Popups, resp.Popups...)

		hop, next := classify(len(res.Hops), current, resp)
		if hop.RedirectType == model.RedirectFinal {
			res.Hops = append(res.Hops, hop)
			res.FinalURL = current
			res.Success = true
			return res
		}

		if redirects >= opts.MaxRedirects {
			hop.RedirectType = model.RedirectError
			hop.Error = "max redirects exceeded"
			res.Hops = append(res.Hops, hop)
			res.Failure = FailureMaxRedirects
			res.Error = hop.Error
			res.FinalURL = current
			return res
		}

		res.Hops = append(res.Hops, hop)
		redirects++
		current = next
	}
}

func fetchWithRetry(ctx context.Context, f Fetcher, req FetchRequest, retries int, delay time.Duration) (*FetchResponse, error) {
	var lastErr error
	for attempt := 0; attempt <= retries; attempt++ {
		if attempt > 0 {
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil, ctx.Err()
			case <-timer.C:
			}
		}

		resp, err := f.Fetch(ctx, req)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if ctx.Err() != nil || errors.Is(err, ErrProxyUnavailable) {
			return nil, err
		}
	}
	return nil, lastErr
}

func hopHeaders(index int, opts Options) map[string]string {
	h := make(map[string]string, 2)
	if opts.UserAgent != "" {
		h["User-Agent"] = opts.UserAgent
	}
	if opts.Referrer != nil && opts.Referrer.Value != "" && opts.Referrer.AppliesToHop(index) {
		h["Referer"] = opts.Referrer.Value
	}
	return h
}

// applyExtraction selects the authoritative hop (explicit index, else the
// last hop) and, when configured, re-reads its parameters from the raw
// Location header.
func applyExtraction(res *Result, opts Options) {
	if len(res.Hops) == 0 {
		return
	}
	idx := len(res.Hops) - 1
	if opts.ExtractionHopIndex != nil && *opts.ExtractionHopIndex >= 0 && *opts.ExtractionHopIndex < len(res.Hops) {
		idx = *opts.ExtractionHopIndex
	}

	if opts.ExtractFromLocationHeader {
		src := idx
		if opts.ExtractionHopIndex == nil && res.Hops[src].Headers["Location"] == "" {
			// The landing hop has no Location; take the latest redirect that had one.
			for i := len(res.Hops) - 2; i >= 0; i-- {
				if res.Hops[i].Headers["Location"] != "" {
					src = i
					break
				}
			}
		}
		if params := locationParams(res.Hops[src].Headers["Location"]); len(params) > 0 {
			res.ExtractionHop = src
			res.Params = params
			return
		}
	}
	res.ExtractionHop = idx
	res.Params = res.Hops[idx].Params
}

func remaining(ctx context.Context) time.Duration {
	if dl, ok := ctx.Deadline(); ok {
		return time.Until(dl)
	}
	return renderTimeout
}

func sameURL(a, b string) bool {
	return strings.TrimRight(a, "/") == strings.TrimRight(b, "/")
}
