package adminapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
)

// maxSQLRows caps the result size of an ad-hoc diagnostic query so a broad
// SELECT can't exhaust memory building the JSON response.
const maxSQLRows = 1000

// cmdSQLQuery runs a read-only diagnostic query against the store. Only
// SELECT (and its CTE form, WITH ... SELECT) is permitted — anything else,
// including PRAGMA, is rejected before it reaches the database, since this
// endpoint exists for inspection, not for mutation or schema changes that
// would bypass the WriteQueue.
func (s *Server) cmdSQLQuery(ctx context.Context, args json.RawMessage) (any, error) {
	var req struct {
		Query string `json:"query"`
	}
	if err := json.Unmarshal(args, &req); err != nil {
		return nil, fmt.Errorf("decode sql.query args: %w", err)
	}
	if err := validateReadOnlyQuery(req.Query); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, req.Query)
	if err != nil {
		return nil, fmt.Errorf("query: %w", err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("columns: %w", err)
	}

	results := make([]map[string]any, 0, 64)
	for rows.Next() {
		if len(results) >= maxSQLRows {
			break
		}
		values := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}
		row := make(map[string]any, len(cols))
		for i, col := range cols {
			row[col] = normalizeSQLValue(values[i])
		}
		results = append(results, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows: %w", err)
	}

	return map[string]any{
		"columns": cols,
		"rows":    results,
	}, nil
}

// validateReadOnlyQuery rejects anything that isn't a bare SELECT or WITH
// CTE, including a trailing statement smuggled in after a semicolon.
func validateReadOnlyQuery(query string) error {
	trimmed := strings.TrimSpace(query)
	if trimmed == "" {
		return fmt.Errorf("sql.query: query is required")
	}
	if strings.Contains(strings.TrimRight(trimmed, "; \t\n"), ";") {
		return fmt.Errorf("sql.query: only a single statement is permitted")
	}
	lower := strings.ToLower(trimmed)
	if !strings.HasPrefix(lower, "select") && !strings.HasPrefix(lower, "with") {
		return fmt.Errorf("sql.query: only SELECT queries are permitted")
	}
	return nil
}

// normalizeSQLValue converts database/sql's driver-native []byte for TEXT
// columns into a plain string so json.Marshal emits text, not base64.
func normalizeSQLValue(v any) any {
	if b, ok := v.([]byte); ok {
		return string(b)
	}
	return v
}

func (s *Server) handleSQL(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Query string `json:"query"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	args, _ := json.Marshal(req)
	result, err := s.cmdSQLQuery(r.Context(), args)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, result)
}
