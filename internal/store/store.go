// Package store persists tunnel profiles and the small durable state the
// orchestrator needs across daemon restarts.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"polytun/internal/core"
)

// ErrNotFound is returned when a profile id does not exist.
var ErrNotFound = errors.New("profile not found")

// LastState is the durable connect state consulted by the resume trigger.
type LastState struct {
	ProfileID    string
	WasConnected bool
}

// Store is a sqlite-backed profile and state store.
type Store struct {
	db *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS profiles (
	id             TEXT PRIMARY KEY,
	name           TEXT NOT NULL,
	type           TEXT NOT NULL,
	host           TEXT NOT NULL,
	resolvers      TEXT NOT NULL DEFAULT '',
	proxy_host     TEXT NOT NULL DEFAULT '',
	proxy_port     INTEGER NOT NULL DEFAULT 0,
	proxy_user     TEXT NOT NULL DEFAULT '',
	proxy_pass     TEXT NOT NULL DEFAULT '',
	ssh_user       TEXT NOT NULL DEFAULT '',
	ssh_pass       TEXT NOT NULL DEFAULT '',
	dns_public_key TEXT NOT NULL DEFAULT '',
	doh_url        TEXT NOT NULL DEFAULT '',
	congestion     TEXT NOT NULL DEFAULT '',
	keep_alive_ms  INTEGER NOT NULL DEFAULT 0
);
CREATE TABLE IF NOT EXISTS app_state (
	key   TEXT PRIMARY KEY,
	value TEXT NOT NULL
);
`

// Open opens (creating if needed) the store at the given path.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create store dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open store %s: %w", path, err)
	}
	// sqlite handles one writer; serialize access through a single conn.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init store schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// GetProfile loads a profile by id or display name. Returns ErrNotFound
// when absent.
func (s *Store) GetProfile(id string) (*core.TunnelProfile, error) {
	row := s.db.QueryRow(`SELECT id, name, type, host, resolvers, proxy_host,
		proxy_port, proxy_user, proxy_pass, ssh_user, ssh_pass,
		dns_public_key, doh_url, congestion, keep_alive_ms
		FROM profiles WHERE id = ? OR name = ?`, id, id)
	return scanProfile(row)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProfile(row rowScanner) (*core.TunnelProfile, error) {
	var (
		p           core.TunnelProfile
		typeStr     string
		resolvers   string
		keepAliveMS int64
	)
	err := row.Scan(&p.ID, &p.Name, &typeStr, &p.Host, &resolvers,
		&p.ProxyHost, &p.ProxyPort, &p.ProxyUser, &p.ProxyPass,
		&p.SSHUser, &p.SSHPass, &p.DNSPublicKey, &p.DoHURL,
		&p.Congestion, &keepAliveMS)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan profile: %w", err)
	}
	p.Type, err = core.ParseTunnelType(typeStr)
	if err != nil {
		return nil, fmt.Errorf("profile %q: %w", p.ID, err)
	}
	if resolvers != "" {
		p.Resolvers = strings.Split(resolvers, ",")
	}
	p.KeepAlive = time.Duration(keepAliveMS) * time.Millisecond
	return &p, nil
}

// SaveProfile inserts or replaces a profile. A missing ID is assigned a new
// uuid; the stored ID is returned.
func (s *Store) SaveProfile(p *core.TunnelProfile) (string, error) {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if err := p.Validate(); err != nil {
		return "", err
	}
	_, err := s.db.Exec(`INSERT OR REPLACE INTO profiles
		(id, name, type, host, resolvers, proxy_host, proxy_port,
		 proxy_user, proxy_pass, ssh_user, ssh_pass, dns_public_key,
		 doh_url, congestion, keep_alive_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.Name, p.Type.String(), p.Host,
		strings.Join(p.Resolvers, ","), p.ProxyHost, p.ProxyPort,
		p.ProxyUser, p.ProxyPass, p.SSHUser, p.SSHPass,
		p.DNSPublicKey, p.DoHURL, p.Congestion,
		p.KeepAlive.Milliseconds())
	if err != nil {
		return "", fmt.Errorf("save profile %q: %w", p.ID, err)
	}
	return p.ID, nil
}

// DeleteProfile removes a profile by id.
func (s *Store) DeleteProfile(id string) error {
	res, err := s.db.Exec(`DELETE FROM profiles WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete profile %q: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListProfiles returns all profiles ordered by name.
func (s *Store) ListProfiles() ([]*core.TunnelProfile, error) {
	rows, err := s.db.Query(`SELECT id, name, type, host, resolvers,
		proxy_host, proxy_port, proxy_user, proxy_pass, ssh_user,
		ssh_pass, dns_public_key, doh_url, congestion, keep_alive_ms
		FROM profiles ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list profiles: %w", err)
	}
	defer rows.Close()

	var out []*core.TunnelProfile
	for rows.Next() {
		p, err := scanProfile(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// LoadLastState returns the persisted connect state. A missing row reads as
// the zero state.
func (s *Store) LoadLastState() (LastState, error) {
	var st LastState
	err := s.db.QueryRow(`SELECT value FROM app_state WHERE key = 'last_profile_id'`).
		Scan(&st.ProfileID)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return st, fmt.Errorf("load last state: %w", err)
	}
	var was string
	err = s.db.QueryRow(`SELECT value FROM app_state WHERE key = 'was_connected'`).
		Scan(&was)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return st, fmt.Errorf("load last state: %w", err)
	}
	st.WasConnected = was == "1"
	return st, nil
}

// SaveLastState persists the connect state.
func (s *Store) SaveLastState(st LastState) error {
	was := "0"
	if st.WasConnected {
		was = "1"
	}
	for _, kv := range [][2]string{
		{"last_profile_id", st.ProfileID},
		{"was_connected", was},
	} {
		if _, err := s.db.Exec(`INSERT OR REPLACE INTO app_state (key, value) VALUES (?, ?)`,
			kv[0], kv[1]); err != nil {
			return fmt.Errorf("save last state: %w", err)
		}
	}
	return nil
}

// ClearConnected clears the was_connected flag, keeping last_profile_id.
func (s *Store) ClearConnected() error {
	_, err := s.db.Exec(`INSERT OR REPLACE INTO app_state (key, value) VALUES ('was_connected', '0')`)
	if err != nil {
		return fmt.Errorf("clear connected flag: %w", err)
	}
	return nil
}
