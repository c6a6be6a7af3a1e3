package tracer

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sifan077/PowerSuffix/internal/app/model"
	gobreaker "github.com/sony/gobreaker/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fetcherFunc func(ctx context.Context, req FetchRequest) (*FetchResponse, error)

func (f fetcherFunc) Fetch(ctx context.Context, req FetchRequest) (*FetchResponse, error) {
	return f(ctx, req)
}

func intPtr(v int) *int { return &v }

func noDelay() *time.Duration {
	d := time.Duration(0)
	return &d
}

func TestTrace_FollowsHTTPRedirects(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/start", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/mid?aff=7", http.StatusFound)
	})
	mux.HandleFunc("/mid", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/land?gclid=abc123&utm_source=x", http.StatusMovedPermanently)
	})
	mux.HandleFunc("/land", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		fmt.Fprint(w, "<html><body>landing</body></html>")
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	tr := New(NewHTTPFetcher(HTTPFetcherConfig{}))
	res, err := tr.Trace(context.Background(), srv.URL+"/start", Options{})
	require.NoError(t, err)

	require.True(t, res.Success)
	require.Len(t, res.Hops, 3)
	assert.Equal(t, model.RedirectHTTP, res.Hops[0].RedirectType)
	assert.Equal(t, model.RedirectHTTP, res.Hops[1].RedirectType)
	assert.Equal(t, model.RedirectFinal, res.Hops[2].RedirectType)
	assert.Equal(t, srv.URL+"/land?gclid=abc123&utm_source=x", res.FinalURL)
	assert.Equal(t, "abc123", res.Params["gclid"])
	assert.Equal(t, 2, res.ExtractionHop)
	assert.Equal(t, model.TracerHTTPOnly, res.ModeUsed)
	for i, hop := range res.Hops {
		assert.Equal(t, i, hop.Index)
	}
}

func TestTrace_MaxRedirectsExceeded(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n, _ := strconv.Atoi(strings.TrimPrefix(r.URL.Path, "/r/"))
		http.Redirect(w, r, "/r/"+strconv.Itoa(n+1), http.StatusFound)
	}))
	defer srv.Close()

	tr := New(NewHTTPFetcher(HTTPFetcherConfig{}))
	res, err := tr.Trace(context.Background(), srv.URL+"/r/0", Options{MaxRedirects: 20})
	require.NoError(t, err)

	assert.False(t, res.Success)
	assert.Equal(t, FailureMaxRedirects, res.Failure)
	require.Len(t, res.Hops, 21)
	last := res.Hops[20]
	assert.Equal(t, model.RedirectError, last.RedirectType)
	assert.Equal(t, "max redirects exceeded", last.Error)
	assert.ErrorIs(t, res.Err(), ErrMaxRedirectsExceeded)
}

func TestTrace_ClassifiesMetaAndScriptRedirects(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/meta", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		fmt.Fprint(w, `<html><head><meta http-equiv="refresh" content="0; url=/js?step=2"></head></html>`)
	})
	mux.HandleFunc("/js", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		fmt.Fprint(w, `<html><script>window.location.href = "/done?gclid=zz";</script></html>`)
	})
	mux.HandleFunc("/done", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		fmt.Fprint(w, "<html>ok</html>")
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	tr := New(NewHTTPFetcher(HTTPFetcherConfig{}))
	res, err := tr.Trace(context.Background(), srv.URL+"/meta", Options{})
	require.NoError(t, err)

	require.Len(t, res.Hops, 3)
	assert.Equal(t, model.RedirectMeta, res.Hops[0].RedirectType)
	assert.Equal(t, model.RedirectJavaScript, res.Hops[1].RedirectType)
	assert.Equal(t, "2", res.Hops[1].Params["step"])
	assert.Equal(t, model.RedirectFinal, res.Hops[2].RedirectType)
	assert.Equal(t, "zz", res.Params["gclid"])
}

func TestTrace_ExtractFromLocationHeader(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/click", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Location", "/land?gclid=abc123")
		w.WriteHeader(http.StatusFound)
	})
	mux.HandleFunc("/land", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "ok")
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	tr := New(NewHTTPFetcher(HTTPFetcherConfig{}))

	res, err := tr.Trace(context.Background(), srv.URL+"/click", Options{
		ExtractionHopIndex:        intPtr(0),
		ExtractFromLocationHeader: true,
	})
	require.NoError(t, err)
	assert.Equal(t, 0, res.ExtractionHop)
	assert.Equal(t, map[string]string{"gclid": "abc123"}, res.Params)

	res, err = tr.Trace(context.Background(), srv.URL+"/click", Options{ExtractionHopIndex: intPtr(0)})
	require.NoError(t, err)
	assert.Empty(t, res.Params)
}

func TestTrace_OutOfRangeExtractionIndexFallsBackToLastHop(t *testing.T) {
	f := fetcherFunc(func(ctx context.Context, req FetchRequest) (*FetchResponse, error) {
		return &FetchResponse{StatusCode: http.StatusOK, Header: http.Header{}}, nil
	})
	res, err := New(f).Trace(context.Background(), "https://offer.example/?a=1", Options{ExtractionHopIndex: intPtr(9)})
	require.NoError(t, err)
	assert.Equal(t, 0, res.ExtractionHop)
	assert.Equal(t, "1", res.Params["a"])
}

func TestTrace_RetriesThenRecordsErrorHop(t *testing.T) {
	var calls atomic.Int32
	f := fetcherFunc(func(ctx context.Context, req FetchRequest) (*FetchResponse, error) {
		calls.Add(1)
		return nil, errors.New("connection reset")
	})

	res, err := New(f).Trace(context.Background(), "https://offer.example/x", Options{
		RetryLimit: intPtr(2),
		RetryDelay: noDelay(),
	})
	require.NoError(t, err)
	assert.Equal(t, int32(3), calls.Load())
	assert.False(t, res.Success)
	assert.Equal(t, FailureFetch, res.Failure)
	require.Len(t, res.Hops, 1)
	assert.Equal(t, model.RedirectError, res.Hops[0].RedirectType)
	assert.Contains(t, res.Hops[0].Error, "connection reset")
	assert.ErrorIs(t, res.Err(), ErrFetchFailed)
}

func TestTrace_RetryRecovers(t *testing.T) {
	var calls atomic.Int32
	f := fetcherFunc(func(ctx context.Context, req FetchRequest) (*FetchResponse, error) {
		if calls.Add(1) == 1 {
			return nil, errors.New("temporary")
		}
		return &FetchResponse{StatusCode: http.StatusOK, Header: http.Header{}}, nil
	})

	res, err := New(f).Trace(context.Background(), "https://offer.example/x", Options{RetryDelay: noDelay()})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, int32(2), calls.Load())
}

func TestTrace_Timeout(t *testing.T) {
	f := fetcherFunc(func(ctx context.Context, req FetchRequest) (*FetchResponse, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})

	res, err := New(f).Trace(context.Background(), "https://offer.example/slow", Options{Timeout: 30 * time.Millisecond})
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, FailureTimeout, res.Failure)
	require.Len(t, res.Hops, 1)
	assert.Equal(t, "timeout exceeded", res.Hops[0].Error)
	assert.ErrorIs(t, res.Err(), ErrTraceTimeout)
}

func TestTrace_RejectsInvalidInput(t *testing.T) {
	tr := New(fetcherFunc(func(ctx context.Context, req FetchRequest) (*FetchResponse, error) {
		t.Fatal("fetch must not be called")
		return nil, nil
	}))

	_, err := tr.Trace(context.Background(), "ftp://x", Options{})
	assert.ErrorIs(t, err, ErrInvalidURL)

	_, err = tr.Trace(context.Background(), "https://x.example", Options{Mode: "teleport"})
	assert.ErrorIs(t, err, ErrUnknownMode)

	_, err = tr.Trace(context.Background(), "https://x.example", Options{Mode: model.TracerBrowser})
	assert.ErrorIs(t, err, ErrStrategyUnavailable)
}

func TestTrace_AutoEscalatesToRenderer(t *testing.T) {
	httpOnly := fetcherFunc(func(ctx context.Context, req FetchRequest) (*FetchResponse, error) {
		return &FetchResponse{StatusCode: http.StatusOK, Header: http.Header{"Content-Type": {"text/html"}}, Body: []byte("<html>cloaked</html>")}, nil
	})
	renderer := fetcherFunc(func(ctx context.Context, req FetchRequest) (*FetchResponse, error) {
		if req.URL == "https://track.example/c" {
			return &FetchResponse{StatusCode: http.StatusOK, Header: http.Header{}, NavigatedTo: "https://shop.example/?gclid=real"}, nil
		}
		return &FetchResponse{StatusCode: http.StatusOK, Header: http.Header{}}, nil
	})

	tr := New(httpOnly, WithRenderer(renderer))
	res, err := tr.Trace(context.Background(), "https://track.example/c", Options{
		Mode:           model.TracerAuto,
		ExpectedParams: []string{"gclid"},
	})
	require.NoError(t, err)

	assert.Equal(t, model.TracerBrowser, res.ModeUsed)
	assert.Contains(t, res.DetectionReason, "http_only incomplete")
	assert.True(t, res.Success)
	assert.Equal(t, "real", res.Params["gclid"])
	require.Len(t, res.Hops, 2)
	assert.Equal(t, model.RedirectJavaScript, res.Hops[0].RedirectType)
}

func TestTrace_AutoStopsWhenHTTPIsComplete(t *testing.T) {
	httpOnly := fetcherFunc(func(ctx context.Context, req FetchRequest) (*FetchResponse, error) {
		if strings.Contains(req.URL, "gclid") {
			return &FetchResponse{StatusCode: http.StatusOK, Header: http.Header{}}, nil
		}
		return &FetchResponse{StatusCode: http.StatusFound, Header: http.Header{"Location": {"https://shop.example/?gclid=g1"}}}, nil
	})
	renderer := fetcherFunc(func(ctx context.Context, req FetchRequest) (*FetchResponse, error) {
		t.Fatal("renderer must not be used")
		return nil, nil
	})

	res, err := New(httpOnly, WithRenderer(renderer)).Trace(context.Background(), "https://track.example/c", Options{
		Mode:           model.TracerAuto,
		ExpectedParams: []string{"gclid"},
	})
	require.NoError(t, err)
	assert.Equal(t, model.TracerHTTPOnly, res.ModeUsed)
	assert.Empty(t, res.DetectionReason)
	assert.Equal(t, "g1", res.Params["gclid"])
}

func TestTrace_AutoWithoutRendererKeepsHTTPResult(t *testing.T) {
	httpOnly := fetcherFunc(func(ctx context.Context, req FetchRequest) (*FetchResponse, error) {
		return &FetchResponse{StatusCode: http.StatusOK, Header: http.Header{}}, nil
	})

	res, err := New(httpOnly).Trace(context.Background(), "https://track.example/c", Options{
		Mode:           model.TracerAuto,
		ExpectedParams: []string{"gclid"},
	})
	require.NoError(t, err)
	assert.Equal(t, model.TracerHTTPOnly, res.ModeUsed)
	assert.Contains(t, res.DetectionReason, "browser unavailable")
}

func TestTrace_ReferrerAppliesToSelectedHops(t *testing.T) {
	var referers []string
	f := fetcherFunc(func(ctx context.Context, req FetchRequest) (*FetchResponse, error) {
		referers = append(referers, req.Headers["Referer"])
		if strings.HasSuffix(req.URL, "/end") {
			return &FetchResponse{StatusCode: http.StatusOK, Header: http.Header{}}, nil
		}
		return &FetchResponse{StatusCode: http.StatusFound, Header: http.Header{"Location": {"/end"}}}, nil
	})

	ref := model.RotationEntry{Value: "https://news.example/", Enabled: true, Weight: 1, ApplicableHops: []int{0}}
	_, err := New(f).Trace(context.Background(), "https://track.example/c", Options{Referrer: &ref})
	require.NoError(t, err)
	assert.Equal(t, []string{"https://news.example/", ""}, referers)
}

func TestTrace_ExpectedFinalURL(t *testing.T) {
	f := fetcherFunc(func(ctx context.Context, req FetchRequest) (*FetchResponse, error) {
		return &FetchResponse{StatusCode: http.StatusOK, Header: http.Header{}}, nil
	})

	res, err := New(f).Trace(context.Background(), "https://shop.example/", Options{ExpectedFinalURL: "https://shop.example"})
	require.NoError(t, err)
	require.NotNil(t, res.FinalURLMatched)
	assert.True(t, *res.FinalURLMatched)
}

func TestResult_Suffix(t *testing.T) {
	res := &Result{Params: map[string]string{"b": "2", "a": "1 1", "c": "3"}}
	assert.Equal(t, "a=1+1&b=2&c=3", res.Suffix(nil))
	assert.Equal(t, "a=1+1&b=2", res.Suffix([]string{"b", "a"}))
	assert.Empty(t, (&Result{}).Suffix(nil))
}

func TestTemplateProxyProvider(t *testing.T) {
	p := TemplateProxyProvider{Template: "http://user-country-{geo}:pw@gw.proxy.local:7000"}
	u, err := p.ProxyURL("US", "socks5")
	require.NoError(t, err)
	assert.Equal(t, "socks5", u.Scheme)
	assert.Equal(t, "user-country-us", u.User.Username())

	_, err = TemplateProxyProvider{}.ProxyURL("US", "http")
	assert.ErrorIs(t, err, ErrProxyUnavailable)
}

func TestHTTPFetcher_ProxyRequiresProvider(t *testing.T) {
	_, err := NewHTTPFetcher(HTTPFetcherConfig{}).Fetch(context.Background(), FetchRequest{URL: "https://x.example", UseProxy: true})
	assert.ErrorIs(t, err, ErrProxyUnavailable)
}

func TestHTTPFetcher_DeadHostDoesNotTripOtherHosts(t *testing.T) {
	dead := httptest.NewServer(http.NotFoundHandler())
	deadURL := dead.URL
	dead.Close()

	healthy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "ok")
	}))
	defer healthy.Close()

	f := NewHTTPFetcher(HTTPFetcherConfig{BreakerFailures: 2})
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := f.Fetch(ctx, FetchRequest{URL: deadURL + "/click"})
		require.Error(t, err)
	}
	_, err := f.Fetch(ctx, FetchRequest{URL: deadURL + "/click"})
	assert.ErrorIs(t, err, gobreaker.ErrOpenState)

	resp, err := f.Fetch(ctx, FetchRequest{URL: healthy.URL + "/land"})
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	tr := New(f)
	res, err := tr.Trace(ctx, healthy.URL+"/land", Options{})
	require.NoError(t, err)
	assert.True(t, res.Success)
}

func TestApplyExtraction_LocationHeaderOnLastHop(t *testing.T) {
	res := &Result{Hops: []model.TraceHop{
		{Index: 0, URL: "https://track.example/c", RedirectType: model.RedirectHTTP},
		{Index: 1, URL: "https://x.com/landing", RedirectType: model.RedirectError,
			Headers: map[string]string{"Location": "https://x.com/?gclid=abc123"}},
	}}
	applyExtraction(res, Options{ExtractFromLocationHeader: true})
	assert.Equal(t, 1, res.ExtractionHop)
	assert.Equal(t, "abc123", res.Params["gclid"])
}

func TestApplyExtraction_DefaultsToLatestLocation(t *testing.T) {
	res := &Result{Hops: []model.TraceHop{
		{Index: 0, URL: "https://track.example/c", RedirectType: model.RedirectHTTP,
			Headers: map[string]string{"Location": "/land?gclid=from-header"}},
		{Index: 1, URL: "https://track.example/land", RedirectType: model.RedirectFinal},
	}}
	applyExtraction(res, Options{ExtractFromLocationHeader: true})
	assert.Equal(t, 0, res.ExtractionHop)
	assert.Equal(t, "from-header", res.Params["gclid"])
}
