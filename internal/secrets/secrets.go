/*
Package secrets stores per-app secret values encrypted at rest in the
shared store, and backs the fazt.env.get capability exposed to JS
handlers. Values are sealed with golang.org/x/crypto/nacl/secretbox under
a single master key, the same "one library for the concern" discipline
the kernel uses for outbound rate limiting and WebSocket framing.
*/
package secrets

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/fazt-sh/fazt/internal/store"
	"golang.org/x/crypto/nacl/secretbox"
)

const nonceSize = 24

// Store encrypts and persists secret values scoped to an app.
type Store struct {
	db  *store.DB
	key [32]byte
}

// New creates a Store backed by db, sealing values under masterKeyHex (a
// 64-character hex string). An empty masterKeyHex derives an ephemeral
// key from a random seed — fine for a single dev process, useless across
// restarts, and never what a production deployment should pass.
func New(db *store.DB, masterKeyHex string) (*Store, error) {
	var key [32]byte
	if masterKeyHex == "" {
		if _, err := rand.Read(key[:]); err != nil {
			return nil, fmt.Errorf("secrets: generate ephemeral key: %w", err)
		}
	} else {
		raw, err := hex.DecodeString(masterKeyHex)
		if err != nil || len(raw) != 32 {
			return nil, fmt.Errorf("secrets: master key must be 64 hex characters (32 bytes)")
		}
		copy(key[:], raw)
	}
	return &Store{db: db, key: key}, nil
}

// Set encrypts and upserts name=value for appID.
func (s *Store) Set(appID, name, value string) error {
	var nonce [nonceSize]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return fmt.Errorf("secrets: generate nonce: %w", err)
	}
	sealed := secretbox.Seal(nonce[:], []byte(value), &nonce, &s.key)
	hash := sha256.Sum256([]byte(value))

	_, err := s.db.Exec(`
		INSERT INTO secrets (app_id, name, value_hash, value_cipher, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (app_id, name) DO UPDATE SET
			value_hash   = excluded.value_hash,
			value_cipher = excluded.value_cipher
	`, appID, name, hex.EncodeToString(hash[:]), sealed, time.Now().UTC().Format(time.RFC3339Nano))
	return err
}

// Get decrypts and returns the secret named name for appID, or ok=false
// if it does not exist.
func (s *Store) Get(appID, name string) (string, bool, error) {
	var sealed []byte
	row := s.db.QueryRow(`SELECT value_cipher FROM secrets WHERE app_id = ? AND name = ?`, appID, name)
	if err := row.Scan(&sealed); err != nil {
		return "", false, nil
	}
	if len(sealed) < nonceSize {
		return "", false, fmt.Errorf("secrets: corrupt ciphertext for %s/%s", appID, name)
	}

	var nonce [nonceSize]byte
	copy(nonce[:], sealed[:nonceSize])
	plain, ok := secretbox.Open(nil, sealed[nonceSize:], &nonce, &s.key)
	if !ok {
		return "", false, fmt.Errorf("secrets: decryption failed for %s/%s", appID, name)
	}
	return string(plain), true, nil
}

// Delete removes a secret. A no-op if it does not exist.
func (s *Store) Delete(appID, name string) error {
	_, err := s.db.Exec(`DELETE FROM secrets WHERE app_id = ? AND name = ?`, appID, name)
	return err
}

// List returns the names (never values) of every secret set for appID.
func (s *Store) List(appID string) ([]string, error) {
	rows, err := s.db.Query(`SELECT name FROM secrets WHERE app_id = ? ORDER BY name`, appID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}
