package adminapi

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/fazt-sh/fazt/internal/hosting"
)

func (s *Server) cmdAliasesList(ctx context.Context, _ json.RawMessage) (any, error) {
	return s.aliases.List()
}

func (s *Server) cmdAliasesGet(ctx context.Context, args json.RawMessage) (any, error) {
	var req struct {
		Subdomain string `json:"subdomain"`
	}
	if err := json.Unmarshal(args, &req); err != nil {
		return nil, fmt.Errorf("decode aliases.get args: %w", err)
	}
	return s.aliases.Get(req.Subdomain)
}

// aliasUpsertRequest mirrors hosting.Alias's persisted shape for the wire.
type aliasUpsertRequest struct {
	Subdomain string          `json:"subdomain"`
	Type      string          `json:"type"`
	Targets   json.RawMessage `json:"targets"`
}

// cmdAliasesUpsert creates or replaces an alias through the WriteQueue.
func (s *Server) cmdAliasesUpsert(ctx context.Context, args json.RawMessage) (any, error) {
	var req aliasUpsertRequest
	if err := json.Unmarshal(args, &req); err != nil {
		return nil, fmt.Errorf("decode aliases.upsert args: %w", err)
	}
	if err := hosting.ValidateSubdomain(req.Subdomain); err != nil {
		return nil, err
	}
	switch hosting.AliasType(req.Type) {
	case hosting.AliasApp, hosting.AliasRedirect, hosting.AliasReserved, hosting.AliasSplit:
	default:
		return nil, fmt.Errorf("aliases.upsert: unknown type %q", req.Type)
	}
	targets := req.Targets
	if targets == nil {
		targets = json.RawMessage("[]")
	}

	now := time.Now().UTC().Format(time.RFC3339Nano)
	createdAt := now
	if existing, err := s.aliases.Get(req.Subdomain); err == nil {
		createdAt = existing.CreatedAt.Format(time.RFC3339Nano)
	}

	err := s.queue.Submit(ctx, s.newCmdBudget(), func(tx *sql.Tx) error {
		_, err := tx.Exec(`
			INSERT INTO aliases (subdomain, type, targets, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT (subdomain) DO UPDATE SET
				type = excluded.type,
				targets = excluded.targets,
				updated_at = excluded.updated_at
		`, req.Subdomain, req.Type, string(targets), createdAt, now)
		return err
	})
	if err != nil {
		return nil, err
	}
	return s.aliases.Get(req.Subdomain)
}

func (s *Server) cmdAliasesDelete(ctx context.Context, args json.RawMessage) (any, error) {
	var req struct {
		Subdomain string `json:"subdomain"`
	}
	if err := json.Unmarshal(args, &req); err != nil {
		return nil, fmt.Errorf("decode aliases.delete args: %w", err)
	}
	if _, err := s.aliases.Get(req.Subdomain); err != nil {
		return nil, err
	}

	err := s.queue.Submit(ctx, s.newCmdBudget(), func(tx *sql.Tx) error {
		_, err := tx.Exec(`DELETE FROM aliases WHERE subdomain = ?`, req.Subdomain)
		return err
	})
	if err != nil {
		return nil, err
	}
	return map[string]string{"status": "ok"}, nil
}

func (s *Server) handleAliasesList(w http.ResponseWriter, r *http.Request) {
	aliases, err := s.cmdAliasesList(r.Context(), nil)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, aliases)
}

func (s *Server) handleAliasesGet(w http.ResponseWriter, r *http.Request) {
	args, _ := json.Marshal(struct {
		Subdomain string `json:"subdomain"`
	}{Subdomain: r.PathValue("subdomain")})
	alias, err := s.cmdAliasesGet(r.Context(), args)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, alias)
}

func (s *Server) handleAliasesUpsert(w http.ResponseWriter, r *http.Request) {
	var req aliasUpsertRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if sub := r.PathValue("subdomain"); sub != "" {
		req.Subdomain = sub
	}
	args, _ := json.Marshal(req)
	alias, err := s.cmdAliasesUpsert(r.Context(), args)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, alias)
}

func (s *Server) handleAliasesDelete(w http.ResponseWriter, r *http.Request) {
	args, _ := json.Marshal(struct {
		Subdomain string `json:"subdomain"`
	}{Subdomain: r.PathValue("subdomain")})
	result, err := s.cmdAliasesDelete(r.Context(), args)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, result)
}
