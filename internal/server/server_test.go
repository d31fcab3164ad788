package server_test

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/fazt-sh/fazt/internal/config"
	"github.com/fazt-sh/fazt/internal/egress"
	"github.com/fazt-sh/fazt/internal/hosting"
	"github.com/fazt-sh/fazt/internal/hub"
	"github.com/fazt-sh/fazt/internal/jsruntime"
	"github.com/fazt-sh/fazt/internal/secrets"
	"github.com/fazt-sh/fazt/internal/server"
	"github.com/fazt-sh/fazt/internal/store"
	"github.com/fazt-sh/fazt/internal/writequeue"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testDomain = "fazt.test"

func newTestServer(t *testing.T) (*server.Server, *store.DB, *hosting.Manager, *hosting.VFS, *hosting.AliasResolver) {
	t.Helper()

	db, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	vfs := hosting.NewVFS(db)
	apps := hosting.NewManager(db, vfs)
	aliases := hosting.NewAliasResolver(db)
	static := hosting.NewStaticHandler(vfs, apps, nil, nil)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	queue := writequeue.New(db, config.WriteQueue{Capacity: 16}, logger)
	t.Cleanup(queue.Stop)

	hubs := hub.NewManager(config.Hub{
		PingPeriod:     config.Duration{Duration: 30 * time.Second},
		PongWait:       config.Duration{Duration: 10 * time.Second},
		WriteWait:      config.Duration{Duration: 10 * time.Second},
		SendQueueSize:  16,
		MaxMessageSize: 1024,
	}, logger)

	sec, err := secrets.New(db, "")
	require.NoError(t, err)

	allowlist := egress.NewAllowlist(db, time.Minute)
	proxy := egress.NewProxy(config.Egress{PerAppInFlight: 4, GlobalInFlight: 16, PerRequestCalls: 4}, allowlist)

	rtCfg := config.JSRuntime{PoolSize: 2, HandlerTimeout: config.Duration{Duration: 5 * time.Second}}
	rt := jsruntime.New(rtCfg, db, queue, hubs, proxy, sec, logger)

	cfg := config.Config{
		Domain:    testDomain,
		JSRuntime: rtCfg,
		Admin:     config.Admin{Subdomain: "admin"},
	}

	s := server.New(cfg, server.Deps{
		Apps:    apps,
		Aliases: aliases,
		VFS:     vfs,
		Static:  static,
		Hubs:    hubs,
		Runtime: rt,
		Admin:   http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusTeapot) }),
		Logger:  logger,
	})
	return s, db, apps, vfs, aliases
}

func upsertAppAlias(t *testing.T, apps *hosting.Manager, aliases *hosting.AliasResolver, appID string) {
	t.Helper()
	require.NoError(t, apps.UpsertApp(&hosting.App{ID: appID}))
	require.NoError(t, aliases.Upsert(&hosting.Alias{
		Subdomain: appID,
		Type:      hosting.AliasApp,
		Targets:   []byte(`["` + appID + `"]`),
	}))
}

func TestServeHTTP_RejectsHostOutsideDomain(t *testing.T) {
	s, _, _, _, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "http://evil.example/", nil)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServeHTTP_RoutesAdminSubdomain(t *testing.T) {
	s, _, _, _, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "http://admin."+testDomain+"/", nil)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusTeapot, rec.Code)
}

func TestServeHTTP_UnknownSubdomainIs404(t *testing.T) {
	// Neither the "root" nor "404" system sites are seeded in this fixture,
	// so falling back to them still bottoms out at a bare http.NotFound.
	s, _, _, _, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "http://nobody."+testDomain+"/", nil)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServeHTTP_UnknownSubdomainFallsBackToRootSite(t *testing.T) {
	s, _, _, vfs, _ := newTestServer(t)
	require.NoError(t, vfs.WriteFile(hosting.SystemRootSite, "index.html", []byte("<html>welcome</html>"), "text/html"))

	req := httptest.NewRequest(http.MethodGet, "http://nobody."+testDomain+"/", nil)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "<html>welcome</html>", rec.Body.String())
}

func TestServeHTTP_ReservedAliasServesSystemNotFoundSite(t *testing.T) {
	s, _, _, vfs, aliases := newTestServer(t)
	require.NoError(t, vfs.WriteFile(hosting.SystemNotFoundSite, "index.html", []byte("<html>gone</html>"), "text/html"))
	require.NoError(t, aliases.Upsert(&hosting.Alias{
		Subdomain: "www",
		Type:      hosting.AliasReserved,
		Targets:   []byte(`[]`),
	}))

	req := httptest.NewRequest(http.MethodGet, "http://www."+testDomain+"/", nil)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "<html>gone</html>", rec.Body.String())
}

func TestServeHTTP_ServesStaticFile(t *testing.T) {
	s, _, apps, vfs, aliases := newTestServer(t)
	upsertAppAlias(t, apps, aliases, "demo")
	require.NoError(t, vfs.WriteFile("demo", "index.html", []byte("<html>hi</html>"), "text/html"))

	req := httptest.NewRequest(http.MethodGet, "http://demo."+testDomain+"/", nil)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "<html>hi</html>", rec.Body.String())
}

func TestServeHTTP_RedirectAlias(t *testing.T) {
	s, _, _, _, aliases := newTestServer(t)
	require.NoError(t, aliases.Upsert(&hosting.Alias{
		Subdomain: "old",
		Type:      hosting.AliasRedirect,
		Targets:   []byte(`["https://example.com/new"]`),
	}))

	req := httptest.NewRequest(http.MethodGet, "http://old."+testDomain+"/", nil)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusMovedPermanently, rec.Code)
	assert.Equal(t, "https://example.com/new", rec.Header().Get("Location"))
}

func TestServeHTTP_RedirectAliasPreservesQuery(t *testing.T) {
	s, _, _, _, aliases := newTestServer(t)
	require.NoError(t, aliases.Upsert(&hosting.Alias{
		Subdomain: "old",
		Type:      hosting.AliasRedirect,
		Targets:   []byte(`["https://example.com/new"]`),
	}))

	req := httptest.NewRequest(http.MethodGet, "http://old."+testDomain+"/?utm_source=x", nil)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusMovedPermanently, rec.Code)
	assert.Equal(t, "https://example.com/new?utm_source=x", rec.Header().Get("Location"))
}

func TestServeHTTP_RunsJSHandler(t *testing.T) {
	s, _, apps, vfs, aliases := newTestServer(t)
	upsertAppAlias(t, apps, aliases, "api")
	require.NoError(t, vfs.WriteFile("api", "main.js", []byte(`
		function handle(req) {
			return { status: 201, json: { method: req.method, path: req.path } };
		}
	`), "application/javascript"))

	req := httptest.NewRequest(http.MethodPost, "http://api."+testDomain+"/widgets", nil)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	require.Equal(t, http.StatusCreated, rec.Code)
	assert.JSONEq(t, `{"method":"POST","path":"/widgets"}`, rec.Body.String())
}

func TestServeHTTP_HandlerUncaughtErrorIs500(t *testing.T) {
	s, _, apps, vfs, aliases := newTestServer(t)
	upsertAppAlias(t, apps, aliases, "boom")
	require.NoError(t, vfs.WriteFile("boom", "main.js", []byte(`
		function handle(req) { throw new Error("kaboom"); }
	`), "application/javascript"))

	req := httptest.NewRequest(http.MethodGet, "http://boom."+testDomain+"/", nil)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}
