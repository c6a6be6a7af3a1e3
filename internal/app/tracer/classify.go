package tracer

import (
	"html"
	"net/http"
	"net/url"
	"regexp"
	"strings"

	"github.com/sifan077/PowerSuffix/internal/app/model"
)

var (
	metaRefreshTag = regexp.MustCompile(`(?is)<meta[^>]+http-equiv\s*=\s*["']?refresh["']?[^>]*>`)
	metaContentURL = regexp.MustCompile(`(?is)content\s*=\s*["']?\s*\d*\s*[;,]?\s*url\s*=\s*['"]?([^"'>\s]+)`)

	jsRedirectPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?is)(?:window|document|top|self|parent)\.location(?:\.href)?\s*=\s*["']([^"']+)["']`),
		regexp.MustCompile(`(?is)(?:^|[^.\w])location(?:\.href)?\s*=\s*["']([^"']+)["']`),
		regexp.MustCompile(`(?is)location\.(?:replace|assign)\(\s*["']([^"']+)["']\s*\)`),
	}
)

// classify turns one fetched response into a hop and, for redirecting hops,
// the absolute URL to follow next.
func classify(index int, current string, resp *FetchResponse) (model.TraceHop, string) {
	hop := model.TraceHop{
		Index:      index,
		URL:        current,
		StatusCode: resp.StatusCode,
		Headers:    flattenHeaders(resp.Header),
		Params:     queryParams(current),
	}

	if resp.StatusCode >= 300 && resp.StatusCode < 400 {
		if loc := resp.Header.Get("Location"); loc != "" {
			hop.RedirectType = model.RedirectHTTP
			return hop, resolve(current, loc)
		}
	}

	if resp.NavigatedTo != "" && resp.NavigatedTo != current {
		hop.RedirectType = model.RedirectJavaScript
		return hop, resolve(current, resp.NavigatedTo)
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 && looksLikeHTML(resp) {
		body := string(resp.Body)
		if next := metaRefreshTarget(body); next != "" {
			hop.RedirectType = model.RedirectMeta
			return hop, resolve(current, next)
		}
		if next := scriptRedirectTarget(body); next != "" {
			hop.RedirectType = model.RedirectJavaScript
			return hop, resolve(current, next)
		}
	}

	hop.RedirectType = model.RedirectFinal
	return hop, ""
}

func metaRefreshTarget(body string) string {
	tag := metaRefreshTag.FindString(body)
	if tag == "" {
		return ""
	}
	m := metaContentURL.FindStringSubmatch(tag)
	if len(m) < 2 {
		return ""
	}
	return html.UnescapeString(strings.TrimSpace(m[1]))
}

func scriptRedirectTarget(body string) string {
	for _, re := range jsRedirectPatterns {
		if m := re.FindStringSubmatch(body); len(m) >= 2 {
			return html.UnescapeString(strings.TrimSpace(m[1]))
		}
	}
	return ""
}

func looksLikeHTML(resp *FetchResponse) bool {
	ct := strings.ToLower(resp.Header.Get("Content-Type"))
	if ct == "" {
		return len(resp.Body) > 0
	}
	return strings.Contains(ct, "html") || strings.Contains(ct, "javascript")
}

// resolve makes ref absolute against base; an unparsable ref is returned as is
// so the next fetch fails with a recorded error hop.
func resolve(base, ref string) string {
	b, err := url.Parse(base)
	if err != nil {
		return ref
	}
	r, err := url.Parse(ref)
	if err != nil {
		return ref
	}
	return b.ResolveReference(r).String()
}

// queryParams returns the first value of every query parameter of raw.
func queryParams(raw string) map[string]string {
	u, err := url.Parse(raw)
	if err != nil {
		return nil
	}
	return firstValues(u.Query())
}

// locationParams parses parameters from a raw Location header value, which
// may be an absolute URL, a relative reference or a bare query string.
func locationParams(loc string) map[string]string {
	loc = strings.TrimSpace(loc)
	if loc == "" {
		return nil
	}
	if u, err := url.Parse(loc); err == nil && u.RawQuery != "" {
		return firstValues(u.Query())
	}
	if i := strings.IndexByte(loc, '?'); i >= 0 {
		loc = loc[i+1:]
	}
	vals, err := url.ParseQuery(loc)
	if err != nil {
		return nil
	}
	return firstValues(vals)
}

func firstValues(vals url.Values) map[string]string {
	if len(vals) == 0 {
		return nil
	}
	out := make(map[string]string, len(vals))
	for k, v := range vals {
		if len(v) > 0 {
			out[k] = v[0]
		}
	}
	return out
}

func flattenHeaders(h http.Header) map[string]string {
	if len(h) == 0 {
		return nil
	}
	out := make(map[string]string, len(h))
	for k, v := range h {
		if len(v) > 0 {
			out[http.CanonicalHeaderKey(k)] = v[0]
		}
	}
	return out
}
