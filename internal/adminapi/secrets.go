package adminapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
)

func (s *Server) cmdSecretsList(ctx context.Context, args json.RawMessage) (any, error) {
	var req struct {
		AppID string `json:"app_id"`
	}
	if err := json.Unmarshal(args, &req); err != nil {
		return nil, fmt.Errorf("decode secrets.list args: %w", err)
	}
	names, err := s.secrets.List(req.AppID)
	if err != nil {
		return nil, err
	}
	if names == nil {
		names = []string{}
	}
	return names, nil
}

// cmdSecretsCreate sets a secret's value. The value is never echoed back in
// the response — the admin API's data-model invariant is that a secret,
// once written, can only be overwritten or deleted, never read.
func (s *Server) cmdSecretsCreate(ctx context.Context, args json.RawMessage) (any, error) {
	var req struct {
		AppID string `json:"app_id"`
		Name  string `json:"name"`
		Value string `json:"value"`
	}
	if err := json.Unmarshal(args, &req); err != nil {
		return nil, fmt.Errorf("decode secrets.create args: %w", err)
	}
	if req.AppID == "" || req.Name == "" {
		return nil, fmt.Errorf("secrets.create: app_id and name are required")
	}
	if err := s.secrets.Set(req.AppID, req.Name, req.Value); err != nil {
		return nil, err
	}
	return map[string]string{"status": "ok", "name": req.Name}, nil
}

func (s *Server) cmdSecretsDelete(ctx context.Context, args json.RawMessage) (any, error) {
	var req struct {
		AppID string `json:"app_id"`
		Name  string `json:"name"`
	}
	if err := json.Unmarshal(args, &req); err != nil {
		return nil, fmt.Errorf("decode secrets.delete args: %w", err)
	}
	if err := s.secrets.Delete(req.AppID, req.Name); err != nil {
		return nil, err
	}
	return map[string]string{"status": "ok"}, nil
}

func (s *Server) handleSecretsList(w http.ResponseWriter, r *http.Request) {
	args, _ := json.Marshal(struct {
		AppID string `json:"app_id"`
	}{AppID: r.PathValue("app_id")})
	names, err := s.cmdSecretsList(r.Context(), args)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, names)
}

func (s *Server) handleSecretsCreate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name  string `json:"name"`
		Value string `json:"value"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	args, _ := json.Marshal(struct {
		AppID string `json:"app_id"`
		Name  string `json:"name"`
		Value string `json:"value"`
	}{AppID: r.PathValue("app_id"), Name: req.Name, Value: req.Value})
	result, err := s.cmdSecretsCreate(r.Context(), args)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, result)
}

func (s *Server) handleSecretsDelete(w http.ResponseWriter, r *http.Request) {
	args, _ := json.Marshal(struct {
		AppID string `json:"app_id"`
		Name  string `json:"name"`
	}{AppID: r.PathValue("app_id"), Name: r.PathValue("name")})
	result, err := s.cmdSecretsDelete(r.Context(), args)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, result)
}
