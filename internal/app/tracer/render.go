package tracer

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/goccy/go-json"
)

// RemoteRenderer delegates a single page load to an external rendering
// service that executes script and reports where the page navigated to.
// It is the Fetcher behind browser, anti_cloaking, interactive and
// brightdata_browser modes.
type RemoteRenderer struct {
	endpoint string
	client   *http.Client
}

// NewRemoteRenderer returns a renderer posting to endpoint.
func NewRemoteRenderer(endpoint string, client *http.Client) *RemoteRenderer {
	if client == nil {
		client = &http.Client{}
	}
	return &RemoteRenderer{endpoint: endpoint, client: client}
}

type renderRequest struct {
	URL       string            `json:"url"`
	Mode      string            `json:"mode"`
	Headers   map[string]string `json:"headers,omitempty"`
	UseProxy  bool              `json:"use_proxy"`
	ProxyGeo  string            `json:"proxy_geo,omitempty"`
	Protocol  string            `json:"protocol,omitempty"`
	TimeoutMs int64             `json:"timeout_ms,omitempty"`
}

type renderResponse struct {
	StatusCode  int               `json:"status_code"`
	Headers     map[string]string `json:"headers"`
	Body        string            `json:"body"`
	NavigatedTo string            `json:"navigated_to"`
	Popups      []string          `json:"popups"`
	Error       string            `json:"error"`
}

func (r *RemoteRenderer) Fetch(ctx context.Context, req FetchRequest) (*FetchResponse, error) {
	payload, err := json.Marshal(renderRequest{
		URL:       req.URL,
		Mode:      req.Mode,
		Headers:   req.Headers,
		UseProxy:  req.UseProxy,
		ProxyGeo:  req.ProxyGeo,
		Protocol:  req.Protocol,
		TimeoutMs: req.Timeout.Milliseconds(),
	})
	if err != nil {
		return nil, fmt.Errorf("encode render request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, r.endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create render request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4*defaultMaxBody))
	if err != nil {
		return nil, fmt.Errorf("read render response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("renderer returned HTTP %d", resp.StatusCode)
	}

	var out renderResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("decode render response: %w", err)
	}
	if out.Error != "" {
		return nil, fmt.Errorf("renderer: %s", out.Error)
	}

	header := make(http.Header, len(out.Headers))
	for k, v := range out.Headers {
		header.Set(k, v)
	}
	return &FetchResponse{
		StatusCode:  out.StatusCode,
		Header:      header,
		Body:        []byte(out.Body),
		NavigatedTo: out.NavigatedTo,
		Popups:      out.Popups,
	}, nil
}

var _ Fetcher = (*RemoteRenderer)(nil)
var _ Fetcher = (*HTTPFetcher)(nil)

// renderTimeout bounds a single render call when the trace has no deadline.
const renderTimeout = 45 * time.Second
