package adminapi

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
)

func (s *Server) cmdAppsList(ctx context.Context, _ json.RawMessage) (any, error) {
	return s.apps.ListApps()
}

func (s *Server) cmdAppsGet(ctx context.Context, args json.RawMessage) (any, error) {
	var req struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(args, &req); err != nil {
		return nil, fmt.Errorf("decode apps.get args: %w", err)
	}
	return s.apps.GetApp(req.ID)
}

// cmdAppsDelete removes appID's files, app row, and its default alias in a
// single WriteQueue commit, then invalidates the VFS cache and tears down
// any live hub for the site now that its backing app is gone. A split or
// redirect alias that still points at appID is left in place — deleting it
// is a separate aliases.delete call, not an implicit cascade.
func (s *Server) cmdAppsDelete(ctx context.Context, args json.RawMessage) (any, error) {
	var req struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(args, &req); err != nil {
		return nil, fmt.Errorf("decode apps.delete args: %w", err)
	}
	if req.ID == "" {
		return nil, fmt.Errorf("apps.delete: id is required")
	}

	if _, err := s.apps.GetApp(req.ID); err != nil {
		return nil, err
	}

	err := s.queue.Submit(ctx, s.newCmdBudget(), func(tx *sql.Tx) error {
		if _, err := tx.Exec(`DELETE FROM files WHERE site_id = ?`, req.ID); err != nil {
			return err
		}
		if _, err := tx.Exec(`DELETE FROM aliases WHERE subdomain = ? AND type = 'app'`, req.ID); err != nil {
			return err
		}
		_, err := tx.Exec(`DELETE FROM apps WHERE id = ?`, req.ID)
		return err
	})
	if err != nil {
		return nil, err
	}

	s.vfs.InvalidateSite(req.ID)
	s.hubs.RemoveHub(req.ID)
	return map[string]string{"status": "ok"}, nil
}

func (s *Server) handleAppsList(w http.ResponseWriter, r *http.Request) {
	apps, err := s.cmdAppsList(r.Context(), nil)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, apps)
}

func (s *Server) handleAppsGet(w http.ResponseWriter, r *http.Request) {
	args, _ := json.Marshal(struct {
		ID string `json:"id"`
	}{ID: r.PathValue("id")})
	app, err := s.cmdAppsGet(r.Context(), args)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, app)
}

func (s *Server) handleAppsDelete(w http.ResponseWriter, r *http.Request) {
	args, _ := json.Marshal(struct {
		ID string `json:"id"`
	}{ID: r.PathValue("id")})
	result, err := s.cmdAppsDelete(r.Context(), args)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, result)
}
