/*
Package adminapi implements the kernel's session-authenticated JSON API:
apps, aliases, secrets, logs, a read-only sql diagnostic endpoint, and the
POST /api/cmd gateway that forwards a typed command envelope through the
same handlers the REST endpoints use. It is mounted on the configured
Admin subdomain, never on a tenant subdomain.

The apps and aliases mutations each run as a single WriteQueue job, the
same single-writer discipline the JS capability bridge uses for app
storage — such an admin action and a handler's fazt.storage.* write can
never interleave a half-committed row. The secrets mutations do not use
the WriteQueue; they write through secrets.Store directly.
*/
package adminapi

import (
	"log/slog"
	"net/http"

	"github.com/fazt-sh/fazt/internal/config"
	"github.com/fazt-sh/fazt/internal/hosting"
	"github.com/fazt-sh/fazt/internal/hub"
	"github.com/fazt-sh/fazt/internal/logbuf"
	"github.com/fazt-sh/fazt/internal/secrets"
	"github.com/fazt-sh/fazt/internal/store"
	"github.com/fazt-sh/fazt/internal/writequeue"
)

// Server handles every admin-facing HTTP request.
type Server struct {
	cfg config.Admin

	db      *store.DB
	apps    *hosting.Manager
	vfs     *hosting.VFS
	aliases *hosting.AliasResolver
	secrets *secrets.Store
	queue   *writequeue.Queue
	hubs    *hub.Manager
	logs    *logbuf.Buffer
	logger  *slog.Logger

	sessions *sessionStore
	commands map[string]commandFunc
	mux      *http.ServeMux
}

// Deps bundles every dependency the admin API needs, wired once at startup.
type Deps struct {
	DB      *store.DB
	Apps    *hosting.Manager
	VFS     *hosting.VFS
	Aliases *hosting.AliasResolver
	Secrets *secrets.Store
	Queue   *writequeue.Queue
	Hubs    *hub.Manager
	Logs    *logbuf.Buffer
	Logger  *slog.Logger
}

// NewServer builds a Server for cfg, wired against deps.
func NewServer(cfg config.Admin, deps Deps) *Server {
	s := &Server{
		cfg:      cfg,
		db:       deps.DB,
		apps:     deps.Apps,
		vfs:      deps.VFS,
		aliases:  deps.Aliases,
		secrets:  deps.Secrets,
		queue:    deps.Queue,
		hubs:     deps.Hubs,
		logs:     deps.Logs,
		logger:   deps.Logger,
		sessions: newSessionStore(),
	}
	s.commands = s.buildCommands()
	s.mux = s.buildMux()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) buildMux() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/auth/login", s.handleLogin)
	mux.HandleFunc("POST /api/auth/logout", s.requireAuth(s.handleLogout))
	mux.HandleFunc("GET /api/auth/status", s.handleAuthStatus)

	mux.HandleFunc("GET /api/apps", s.requireAuth(s.handleAppsList))
	mux.HandleFunc("GET /api/apps/{id}", s.requireAuth(s.handleAppsGet))
	mux.HandleFunc("DELETE /api/apps/{id}", s.requireAuth(s.handleAppsDelete))

	mux.HandleFunc("GET /api/aliases", s.requireAuth(s.handleAliasesList))
	mux.HandleFunc("GET /api/aliases/{subdomain}", s.requireAuth(s.handleAliasesGet))
	mux.HandleFunc("POST /api/aliases", s.requireAuth(s.handleAliasesUpsert))
	mux.HandleFunc("PUT /api/aliases/{subdomain}", s.requireAuth(s.handleAliasesUpsert))
	mux.HandleFunc("DELETE /api/aliases/{subdomain}", s.requireAuth(s.handleAliasesDelete))

	mux.HandleFunc("GET /api/secrets/{app_id}", s.requireAuth(s.handleSecretsList))
	mux.HandleFunc("POST /api/secrets/{app_id}", s.requireAuth(s.handleSecretsCreate))
	mux.HandleFunc("DELETE /api/secrets/{app_id}/{name}", s.requireAuth(s.handleSecretsDelete))

	mux.HandleFunc("GET /api/logs", s.requireAuth(s.handleLogs))

	mux.HandleFunc("POST /api/sql", s.requireAuth(s.handleSQL))

	mux.HandleFunc("POST /api/cmd", s.requireAuth(s.handleCmd))

	return mux
}
