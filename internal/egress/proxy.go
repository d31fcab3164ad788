package egress

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fazt-sh/fazt/internal/budget"
	"github.com/fazt-sh/fazt/internal/config"
)

// hopByHopHeaders are stripped from every outbound request, the same
// transport-level headers a forward proxy must never relay.
var hopByHopHeaders = []string{
	"Connection", "Keep-Alive", "Proxy-Authenticate", "Proxy-Authorization",
	"TE", "Trailers", "Transfer-Encoding", "Upgrade",
	"Host", "Accept-Encoding",
}

func sanitizeOutboundHeaders(h http.Header) {
	for _, hdr := range hopByHopHeaders {
		h.Del(hdr)
	}
	for k := range h {
		if strings.HasPrefix(strings.ToLower(k), "proxy-") {
			h.Del(k)
		}
	}
	h.Set("Accept-Encoding", "identity")
}

// Options configures a single Fetch call.
type Options struct {
	Method  string
	Headers map[string]string
	Body    []byte
}

// Response is the result of a successful Fetch.
type Response struct {
	Status  int
	OK      bool
	Headers map[string]string
	body    []byte
}

// Text returns the response body as a string.
func (r *Response) Text() string { return string(r.body) }

// JSON unmarshals the response body into v.
func (r *Response) JSON(v any) error { return json.Unmarshal(r.body, v) }

// Proxy is the kernel's capability-bridge-facing outbound fetch gateway.
type Proxy struct {
	cfg       config.Egress
	allowlist *Allowlist
	client    *http.Client

	globalInFlight atomic.Int64
	appMu          sync.Mutex
	appInFlight    map[string]*atomic.Int64
}

// NewProxy creates a Proxy backed by allowlist, configured per cfg. Every
// connection is dialed through dialContextBlockingPrivate, which re-resolves
// and range-checks the address on every redirect hop.
func NewProxy(cfg config.Egress, allowlist *Allowlist) *Proxy {
	dialer := &net.Dialer{Timeout: 5 * time.Second}
	return newProxy(cfg, allowlist, dialContextBlockingPrivate(dialer))
}

// NewProxyWithDialer creates a Proxy that dials through dial instead of the
// default loopback/private-range-blocking dialer. Production code must always
// use NewProxy; this exists so tests (and any deployment behind a corporate
// forward proxy) can supply their own DialContext without weakening
// validateHost's scheme/IP-literal checks, which still run unconditionally.
func NewProxyWithDialer(cfg config.Egress, allowlist *Allowlist, dial func(ctx context.Context, network, addr string) (net.Conn, error)) *Proxy {
	return newProxy(cfg, allowlist, dial)
}

func newProxy(cfg config.Egress, allowlist *Allowlist, dial func(ctx context.Context, network, addr string) (net.Conn, error)) *Proxy {
	transport := &http.Transport{
		Proxy:                 nil, // environment proxies are never honored
		DialContext:           dial,
		MaxConnsPerHost:       0, // our own in-flight counters are the limit
		MaxIdleConnsPerHost:   4,
		IdleConnTimeout:       30 * time.Second,
		TLSHandshakeTimeout:   5 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}

	return &Proxy{
		cfg:         cfg,
		allowlist:   allowlist,
		appInFlight: make(map[string]*atomic.Int64),
		client: &http.Client{
			Transport: transport,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= cfg.MaxRedirects {
					return http.ErrUseLastResponse
				}
				if err := validateHost(req.URL, cfg); err != nil {
					return err
				}
				sanitizeOutboundHeaders(req.Header)
				return nil
			},
		},
	}
}

// Fetch runs the full validation pipeline and performs appID's outbound
// request to rawURL, charged against b's net sub-budget.
func (p *Proxy) Fetch(b *budget.Budget, appID, rawURL string, opts Options) (*Response, error) {
	// Step 1-2: parse and canonicalize.
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, newError(CodeError, false, "invalid URL: %v", err)
	}
	if err := validateHost(u, p.cfg); err != nil {
		return nil, err
	}

	// Step 3: allowlist.
	entry, limiter, ok := p.allowlist.Lookup(u.Hostname())
	if !ok {
		return nil, newError(CodeBlocked, false, "domain %q is not allowlisted", u.Hostname())
	}
	if limiter != nil && !limiter.Allow() {
		return nil, newError(CodeLimit, true, "rate limit exceeded for %q", u.Hostname())
	}

	// Step 4: per-request call count, then in-flight admission.
	if calls := b.ChargeNetCall(); calls > p.cfg.PerRequestCalls {
		return nil, newError(CodeLimit, true, "per-request call limit reached")
	}
	if p.globalInFlight.Load() >= int64(p.cfg.GlobalInFlight) {
		return nil, newError(CodeLimit, true, "global in-flight limit reached")
	}
	appCounter := p.appCounter(appID)
	if appCounter.Load() >= int64(p.cfg.PerAppInFlight) {
		return nil, newError(CodeLimit, true, "per-app in-flight limit reached")
	}
	p.globalInFlight.Add(1)
	appCounter.Add(1)
	defer p.globalInFlight.Add(-1)
	defer appCounter.Add(-1)

	// Step 5: net sub-budget.
	remaining := b.Net()
	if remaining <= 0 {
		return nil, newError(CodeBudget, true, "net budget exhausted")
	}
	timeout := remaining
	if entry.TimeoutMS > 0 && time.Duration(entry.TimeoutMS)*time.Millisecond < timeout {
		timeout = time.Duration(entry.TimeoutMS) * time.Millisecond
	}

	// Step 6: build and sanitize the outbound request.
	method := opts.Method
	if method == "" {
		method = http.MethodGet
	}
	if int64(len(opts.Body)) > maxRequestBodySize {
		return nil, newError(CodeSize, false, "request body exceeds limit")
	}

	req, err := http.NewRequest(method, u.String(), bytes.NewReader(opts.Body))
	if err != nil {
		return nil, newError(CodeError, false, "build request: %v", err)
	}
	for k, v := range opts.Headers {
		req.Header.Set(k, v)
	}
	sanitizeOutboundHeaders(req.Header)

	ctx, cancel := context.WithTimeout(b.Context(), timeout)
	defer cancel()
	req = req.WithContext(ctx)

	resp, err := p.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, newError(CodeTimeout, true, "request timed out: %v", err)
		}
		return nil, newError(CodeError, true, "request failed: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	respCap := p.cfg.ResponseCap
	if entry.MaxResponse > 0 && entry.MaxResponse < respCap {
		respCap = entry.MaxResponse
	}
	body, truncated, err := readLimited(resp.Body, respCap, p.cfg.HardResponseCap)
	if err != nil {
		return nil, newError(CodeError, true, "read response: %v", err)
	}
	if truncated {
		return nil, newError(CodeSize, false, "response exceeded size limit")
	}

	headers := make(map[string]string, len(resp.Header))
	for k, vv := range resp.Header {
		if len(vv) > 0 {
			headers[strings.ToLower(k)] = vv[0]
		}
	}

	return &Response{
		Status:  resp.StatusCode,
		OK:      resp.StatusCode >= 200 && resp.StatusCode < 300,
		Headers: headers,
		body:    body,
	}, nil
}

const maxRequestBodySize = 1 << 20 // 1 MiB

func (p *Proxy) appCounter(appID string) *atomic.Int64 {
	p.appMu.Lock()
	defer p.appMu.Unlock()
	c, ok := p.appInFlight[appID]
	if !ok {
		c = &atomic.Int64{}
		p.appInFlight[appID] = c
	}
	return c
}

// validateHost implements steps 1-2 of the pipeline: require HTTPS unless
// explicitly configured otherwise, and reject IP-literal hosts (v4 and v6).
func validateHost(u *url.URL, cfg config.Egress) error {
	if u.Scheme != "https" && !(cfg.AllowHTTPOnly && u.Scheme == "http") {
		return newError(CodeBlocked, false, "scheme %q not permitted", u.Scheme)
	}

	host := strings.ToLower(strings.TrimSuffix(u.Hostname(), "."))
	if host == "" {
		return newError(CodeError, false, "missing host")
	}
	if ip := net.ParseIP(host); ip != nil {
		return newError(CodeBlocked, false, "IP-literal hosts are not permitted")
	}
	return nil
}

// readLimited reads up to softCap bytes, reporting truncated=true if the
// stream exceeds hardCap before EOF.
func readLimited(r io.Reader, softCap, hardCap int64) (data []byte, truncated bool, err error) {
	if hardCap <= 0 {
		hardCap = softCap
	}
	limited := io.LimitReader(r, hardCap+1)
	data, err = io.ReadAll(limited)
	if err != nil {
		return nil, false, err
	}
	if int64(len(data)) > hardCap {
		return nil, true, nil
	}
	if int64(len(data)) > softCap {
		data = data[:softCap]
	}
	return data, false, nil
}
