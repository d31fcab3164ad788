/*
Package server implements the kernel's top-level http.Handler: it
resolves the inbound Host to a subdomain, routes through the
AliasResolver, and dispatches to a static VFS read, a WebSocket hub
upgrade, or a JS handler execution — each charged against one
*budget.Budget built fresh per request, generalized from the teacher's
proxy.Server.ServeHTTP three-way dispatch (management/CONNECT/HTTP) to a
four-way one (admin API/redirect/hub upgrade/static-or-handler).
*/
package server

import (
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"

	"github.com/fazt-sh/fazt/internal/budget"
	"github.com/fazt-sh/fazt/internal/config"
	"github.com/fazt-sh/fazt/internal/hosting"
	"github.com/fazt-sh/fazt/internal/hub"
	"github.com/fazt-sh/fazt/internal/jsruntime"
)

// handlerSource is the well-known path a deployed app's JS handler is
// read from. An app without this file is served as a static site.
const handlerSource = "main.js"

// maxHandlerRequestBody bounds how much of an inbound request body is
// read into memory before invoking a JS handler — an oversized request is
// a validation failure per the error taxonomy, not a handler concern.
const maxHandlerRequestBody = 10 * 1024 * 1024

// Server is the kernel's top-level HTTP handler.
type Server struct {
	cfg config.Config

	apps    *hosting.Manager
	aliases *hosting.AliasResolver
	vfs     *hosting.VFS
	static  *hosting.StaticHandler
	hubs    *hub.Manager
	runtime *jsruntime.Runtime
	admin   http.Handler

	logger *slog.Logger
}

// Deps bundles every dependency the top-level handler dispatches to.
type Deps struct {
	Apps    *hosting.Manager
	Aliases *hosting.AliasResolver
	VFS     *hosting.VFS
	Static  *hosting.StaticHandler
	Hubs    *hub.Manager
	Runtime *jsruntime.Runtime
	Admin   http.Handler
	Logger  *slog.Logger
}

// New builds the top-level Server.
func New(cfg config.Config, deps Deps) *Server {
	return &Server{
		cfg:     cfg,
		apps:    deps.Apps,
		aliases: deps.Aliases,
		vfs:     deps.VFS,
		static:  deps.Static,
		hubs:    deps.Hubs,
		runtime: deps.Runtime,
		admin:   deps.Admin,
		logger:  deps.Logger,
	}
}

// ServeHTTP implements http.Handler, recovering any dispatch panic into a
// 500 rather than taking down the listener goroutine.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	defer func() {
		if rec := recover(); rec != nil {
			s.logger.Error("panic handling request",
				"error", rec,
				"method", r.Method,
				"path", r.URL.Path,
				"host", r.Host,
			)
			http.Error(w, "internal server error", http.StatusInternalServerError)
		}
	}()

	sub, err := subdomainOf(r.Host, s.cfg.Domain)
	if err != nil {
		http.Error(w, "invalid host", http.StatusBadRequest)
		return
	}

	if sub == s.cfg.Admin.Subdomain {
		s.admin.ServeHTTP(w, r)
		return
	}

	b := budget.New(r.Context(), s.cfg.JSRuntime.HandlerTimeout.Duration)
	defer b.Done()

	s.dispatch(w, r, sub, b)
}

// dispatch resolves sub through the alias table and routes to a redirect
// response, a hub upgrade, a JS handler run, or the static file server.
func (s *Server) dispatch(w http.ResponseWriter, r *http.Request, sub string, b *budget.Budget) {
	alias, err := s.aliases.Get(sub)
	if err != nil {
		// No alias row for this subdomain: fall back to the system root site.
		s.static.ServeHTTP(w, r, hosting.SystemRootSite, r.URL.Path)
		return
	}

	if alias.Type == hosting.AliasReserved {
		s.static.ServeNotFound(w, r)
		return
	}

	if alias.Type == hosting.AliasRedirect {
		dest, err := s.aliases.RedirectURL(sub)
		if err != nil {
			http.Error(w, "misconfigured redirect", http.StatusInternalServerError)
			return
		}
		if r.URL.RawQuery != "" {
			dest += "?" + r.URL.RawQuery
		}
		http.Redirect(w, r, dest, http.StatusMovedPermanently)
		return
	}

	appID, err := s.aliases.ResolveAppID(sub, clientIP(r), r.URL.Path)
	if err != nil {
		s.static.ServeNotFound(w, r)
		return
	}

	if isWebSocketUpgrade(r) {
		if err := s.hubs.GetHub(appID).Upgrade(w, r); err != nil {
			s.logger.Warn("hub upgrade failed", "site", appID, "error", err)
		}
		return
	}

	app, err := s.apps.GetApp(appID)
	if err != nil {
		s.static.ServeNotFound(w, r)
		return
	}

	if f, ok := s.vfs.ReadFile(appID, handlerSource); ok {
		s.runHandler(w, r, appID, app.ID, f.Content, b)
		return
	}

	s.static.ServeHTTP(w, r, appID, r.URL.Path)
}

// runHandler executes the app's main.js against req and writes the
// resulting Response, mapping a jsruntime.ExecError to the HTTP status
// its retryability implies.
func (s *Server) runHandler(w http.ResponseWriter, r *http.Request, siteID, appID string, source []byte, b *budget.Budget) {
	req := jsruntime.Request{
		Method:  r.Method,
		Path:    r.URL.Path,
		Query:   r.URL.RawQuery,
		Headers: flattenRequestHeaders(r.Header),
	}
	if r.Body != nil {
		body, err := io.ReadAll(io.LimitReader(r.Body, maxHandlerRequestBody+1))
		if err != nil {
			http.Error(w, "failed to read request body", http.StatusBadRequest)
			return
		}
		if len(body) > maxHandlerRequestBody {
			http.Error(w, "request body too large", http.StatusRequestEntityTooLarge)
			return
		}
		req.Body = body
	}

	resp, err := s.runtime.Execute(r.Context(), siteID, appID, string(source), b, req)
	if err != nil {
		writeHandlerError(w, err)
		return
	}

	for k, v := range resp.Headers {
		w.Header().Set(k, v)
	}
	status := resp.Status
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	_, _ = w.Write(resp.Body)
}

func flattenRequestHeaders(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for k := range h {
		out[k] = h.Get(k)
	}
	return out
}

func isWebSocketUpgrade(r *http.Request) bool {
	return strings.EqualFold(r.Header.Get("Connection"), "Upgrade") &&
		strings.EqualFold(r.Header.Get("Upgrade"), "websocket")
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		return strings.TrimSpace(strings.SplitN(fwd, ",", 2)[0])
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// subdomainOf strips domain from host and returns the single leading
// label. Requests to the bare domain (no subdomain) are rejected — every
// site is addressed by its own subdomain.
func subdomainOf(host, domain string) (string, error) {
	h := host
	if idx := strings.LastIndex(h, ":"); idx >= 0 {
		h = h[:idx]
	}
	h = strings.ToLower(h)
	suffix := "." + strings.ToLower(domain)
	if !strings.HasSuffix(h, suffix) {
		return "", errInvalidHost
	}
	sub := strings.TrimSuffix(h, suffix)
	if sub == "" || strings.Contains(sub, ".") {
		return "", errInvalidHost
	}
	return sub, nil
}

var errInvalidHost = errors.New("host does not resolve to a subdomain of the configured domain")
