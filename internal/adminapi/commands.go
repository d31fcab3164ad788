package adminapi

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/fazt-sh/fazt/internal/budget"
)

// commandFunc is a single named operation, shared between the REST routes
// and the POST /api/cmd gateway so a forwarded peer command and a direct
// admin-API call always run the identical code path.
type commandFunc func(ctx context.Context, args json.RawMessage) (any, error)

// cmdTimeout bounds every admin-initiated mutation's storage sub-budget,
// the same budget.Budget mechanism a tenant request gets, scaled for a
// human-paced admin action rather than a request-handler deadline.
const cmdTimeout = 10 * time.Second

func (s *Server) newCmdBudget() *budget.Budget {
	return budget.New(context.Background(), cmdTimeout)
}

// buildCommands returns the name-keyed table every REST handler and the
// /api/cmd gateway dispatch through.
func (s *Server) buildCommands() map[string]commandFunc {
	return map[string]commandFunc{
		"apps.list":      s.cmdAppsList,
		"apps.get":       s.cmdAppsGet,
		"apps.delete":    s.cmdAppsDelete,
		"aliases.list":   s.cmdAliasesList,
		"aliases.get":    s.cmdAliasesGet,
		"aliases.upsert": s.cmdAliasesUpsert,
		"aliases.delete": s.cmdAliasesDelete,
		"secrets.list":   s.cmdSecretsList,
		"secrets.create": s.cmdSecretsCreate,
		"secrets.delete": s.cmdSecretsDelete,
		"logs.tail":      s.cmdLogsTail,
		"sql.query":      s.cmdSQLQuery,
	}
}

// cmdRequest is the POST /api/cmd envelope.
type cmdRequest struct {
	Command string          `json:"command"`
	Args    json.RawMessage `json:"args"`
}

// handleCmd is the single peer-federation gateway: it accepts a typed
// command envelope and dispatches it through the same table the REST
// endpoints use.
func (s *Server) handleCmd(w http.ResponseWriter, r *http.Request) {
	var req cmdRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	fn, ok := s.commands[req.Command]
	if !ok {
		writeError(w, http.StatusBadRequest, "unknown command: "+req.Command)
		return
	}

	result, err := fn(r.Context(), req.Args)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"result": result})
}

// isNotFound reports whether err's message indicates a missing row,
// matching the "not found" suffix every hosting lookup returns.
func isNotFound(err error) bool {
	return err != nil && strings.Contains(err.Error(), "not found")
}
