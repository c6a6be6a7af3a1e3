package model

// RedirectType classifies one hop of a redirect chain.
type RedirectType string

const (
	RedirectHTTP       RedirectType = "http"
	RedirectMeta       RedirectType = "meta"
	RedirectJavaScript RedirectType = "javascript"
	RedirectFinal      RedirectType = "final"
	RedirectError      RedirectType = "error"
)

// TracerMode names a tracing strategy.
type TracerMode string

const (
	TracerHTTPOnly          TracerMode = "http_only"
	TracerBrowser           TracerMode = "browser"
	TracerAntiCloaking      TracerMode = "anti_cloaking"
	TracerInteractive       TracerMode = "interactive"
	TracerBrightdataBrowser TracerMode = "brightdata_browser"
	TracerAuto              TracerMode = "auto"
)

// Valid reports whether m is a known tracer mode.
func (m TracerMode) Valid() bool {
	switch m {
	case TracerHTTPOnly, TracerBrowser, TracerAntiCloaking, TracerInteractive, TracerBrightdataBrowser, TracerAuto:
		return true
	}
	return false
}

// TraceHop is one step of a redirect chain.
type TraceHop struct {
	Index        int               `json:"index"`
	URL          string            `json:"url"`
	StatusCode   int               `json:"status_code,omitempty"`
	RedirectType RedirectType      `json:"redirect_type"`
	Headers      map[string]string `json:"headers,omitempty"`
	Params       map[string]string `json:"params,omitempty"`
	Error        string            `json:"error,omitempty"`
}
