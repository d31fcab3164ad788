package adminapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/fazt-sh/fazt/internal/logbuf"
)

const (
	defaultLogLines = 100
	maxLogLines     = 1000
)

// cmdLogsTail returns the n most recent entries from the live ring buffer,
// filtered to minLevel and above. n is capped at maxLogLines.
func (s *Server) cmdLogsTail(ctx context.Context, args json.RawMessage) (any, error) {
	var req struct {
		N     int    `json:"n"`
		Level string `json:"level"`
	}
	if len(args) > 0 {
		if err := json.Unmarshal(args, &req); err != nil {
			return nil, fmt.Errorf("decode logs.tail args: %w", err)
		}
	}
	n := req.N
	if n <= 0 {
		n = defaultLogLines
	}
	if n > maxLogLines {
		n = maxLogLines
	}
	return s.logs.Recent(n, logbuf.ParseLevel(req.Level)), nil
}

func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	n := defaultLogLines
	if raw := r.URL.Query().Get("n"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			n = v
		}
	}
	args, _ := json.Marshal(struct {
		N     int    `json:"n"`
		Level string `json:"level"`
	}{N: n, Level: r.URL.Query().Get("level")})

	entries, err := s.cmdLogsTail(r.Context(), args)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, entries)
}
