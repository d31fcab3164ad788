package hosting

import (
	"crypto/sha256"
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	"github.com/fazt-sh/fazt/internal/store"
)

// AliasType identifies how a subdomain resolves.
type AliasType string

const (
	AliasApp      AliasType = "app"
	AliasRedirect AliasType = "redirect"
	AliasReserved AliasType = "reserved"
	AliasSplit    AliasType = "split"
)

// SplitTarget is one weighted destination of a split alias.
type SplitTarget struct {
	AppID  string `json:"app_id"`
	Weight int    `json:"weight"`
}

// Alias maps a subdomain to its resolution.
type Alias struct {
	Subdomain string
	Type      AliasType
	// Targets holds the raw JSON target list. For "app"/"reserved" it is a
	// single-element list carrying the app id; for "redirect" a single URL;
	// for "split" a weighted list of SplitTarget.
	Targets   json.RawMessage
	CreatedAt time.Time
	UpdatedAt time.Time
}

// AliasResolver resolves subdomains to apps, redirects, or split targets.
type AliasResolver struct {
	db *store.DB
}

// NewAliasResolver creates an AliasResolver.
func NewAliasResolver(db *store.DB) *AliasResolver {
	return &AliasResolver{db: db}
}

// Get fetches the alias for subdomain.
func (r *AliasResolver) Get(subdomain string) (*Alias, error) {
	var a Alias
	var targets string
	var createdAt, updatedAt string
	row := r.db.QueryRow(`
		SELECT subdomain, type, targets, created_at, updated_at
		FROM aliases WHERE subdomain = ?
	`, subdomain)
	if err := row.Scan(&a.Subdomain, &a.Type, &targets, &createdAt, &updatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("alias %q: not found", subdomain)
		}
		return nil, err
	}
	a.Targets = json.RawMessage(targets)
	a.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	a.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	return &a, nil
}

// Upsert creates or replaces the alias for subdomain.
func (r *AliasResolver) Upsert(a *Alias) error {
	if a.Targets == nil {
		a.Targets = json.RawMessage("[]")
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)
	createdAt := now
	if existing, err := r.Get(a.Subdomain); err == nil {
		createdAt = existing.CreatedAt.Format(time.RFC3339Nano)
	}
	_, err := r.db.Exec(`
		INSERT INTO aliases (subdomain, type, targets, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (subdomain) DO UPDATE SET
			type = excluded.type,
			targets = excluded.targets,
			updated_at = excluded.updated_at
	`, a.Subdomain, string(a.Type), string(a.Targets), createdAt, now)
	return err
}

// Delete removes the alias for subdomain.
func (r *AliasResolver) Delete(subdomain string) error {
	_, err := r.db.Exec(`DELETE FROM aliases WHERE subdomain = ?`, subdomain)
	return err
}

// List returns every alias.
func (r *AliasResolver) List() ([]Alias, error) {
	rows, err := r.db.Query(`SELECT subdomain, type, targets, created_at, updated_at FROM aliases ORDER BY subdomain`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Alias
	for rows.Next() {
		var a Alias
		var targets, createdAt, updatedAt string
		if err := rows.Scan(&a.Subdomain, &a.Type, &targets, &createdAt, &updatedAt); err != nil {
			return nil, err
		}
		a.Targets = json.RawMessage(targets)
		a.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		a.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
		out = append(out, a)
	}
	return out, rows.Err()
}

// ResolveAppID resolves a subdomain to the app id that should serve a
// request for path from clientIP. For "split" aliases the target is chosen
// by hash(clientIP + "|" + path) mod 100 against cumulative weights, so a
// given client+path pair always lands on the same target.
func (r *AliasResolver) ResolveAppID(subdomain, clientIP, path string) (appID string, err error) {
	a, err := r.Get(subdomain)
	if err != nil {
		return "", err
	}

	switch a.Type {
	case AliasApp, AliasReserved:
		var targets []string
		if err := json.Unmarshal(a.Targets, &targets); err != nil || len(targets) == 0 {
			return "", fmt.Errorf("alias %q: malformed targets", subdomain)
		}
		return targets[0], nil

	case AliasSplit:
		var targets []SplitTarget
		if err := json.Unmarshal(a.Targets, &targets); err != nil || len(targets) == 0 {
			return "", fmt.Errorf("alias %q: malformed split targets", subdomain)
		}
		return pickSplitTarget(targets, clientIP, path), nil

	case AliasRedirect:
		return "", fmt.Errorf("alias %q: redirect aliases have no app id", subdomain)

	default:
		return "", fmt.Errorf("alias %q: unknown type %q", subdomain, a.Type)
	}
}

// RedirectURL returns the destination URL for a "redirect" alias.
func (r *AliasResolver) RedirectURL(subdomain string) (string, error) {
	a, err := r.Get(subdomain)
	if err != nil {
		return "", err
	}
	if a.Type != AliasRedirect {
		return "", fmt.Errorf("alias %q: not a redirect alias", subdomain)
	}
	var targets []string
	if err := json.Unmarshal(a.Targets, &targets); err != nil || len(targets) == 0 {
		return "", fmt.Errorf("alias %q: malformed redirect target", subdomain)
	}
	return targets[0], nil
}

func pickSplitTarget(targets []SplitTarget, clientIP, path string) string {
	total := 0
	for _, t := range targets {
		total += t.Weight
	}
	if total <= 0 {
		return targets[0].AppID
	}

	sum := sha256.Sum256([]byte(clientIP + "|" + path))
	bucket := int(binary.BigEndian.Uint64(sum[:8]) % 100)

	cumulative := 0
	for _, t := range targets {
		cumulative += t.Weight * 100 / total
		if bucket < cumulative {
			return t.AppID
		}
	}
	return targets[len(targets)-1].AppID
}
