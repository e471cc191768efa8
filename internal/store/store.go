// Package store persists the declarative state of the proxy fleet: the
// user list and the global proxy settings. The record is a single JSON
// file rewritten wholesale on every save (write-temp-then-rename), so a
// reader never observes a partially written file.
package store

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

// User is a registered proxy credential. Each enabled user owns exactly
// one container bound to its port.
type User struct {
	Name           string  `json:"name"`
	Secret         string  `json:"secret"`
	Port           int     `json:"port"`
	Enabled        bool    `json:"enabled"`
	FrontingDomain string  `json:"fake_tls_domain,omitempty"`
	TrafficLimitGB float64 `json:"traffic_limit_gb,omitempty"`
	ThrottleMbps   float64 `json:"throttle_speed_mbps,omitempty"`
	CreatedAt      string  `json:"created_at"`
}

// Settings are the global proxy defaults. Per-user values override these
// when positive.
type Settings struct {
	ServerDomain      string  `json:"server_domain"`
	ServerIP          string  `json:"server_ip"`
	ProxyPort         int     `json:"proxy_port"` // base port for allocation
	ProxyImage        string  `json:"proxy_image"`
	PreferIP          string  `json:"proxy_prefer_ip"`
	Concurrency       int     `json:"concurrency"`
	FrontingDomain    string  `json:"fake_tls_domain"`
	SNISharing        bool    `json:"sni_sharing"`
	TrafficLimitGB    float64 `json:"traffic_limit_gb"`
	ThrottleMbps      float64 `json:"throttle_speed_mbps"`
	AdminUsername     string  `json:"admin_username"`
	AdminPasswordHash string  `json:"admin_password_hash"`
}

// Record is the full persisted state. Revision increments on every save.
type Record struct {
	Revision int      `json:"revision"`
	Settings Settings `json:"settings"`
	Users    []User   `json:"users"`
}

// EffectiveLimitGB resolves the traffic limit for a user: the per-user
// value when positive, otherwise the global default.
func (s Settings) EffectiveLimitGB(u User) float64 {
	if u.TrafficLimitGB > 0 {
		return u.TrafficLimitGB
	}
	return s.TrafficLimitGB
}

// EffectiveThrottleMbps resolves the throttle speed for a user.
func (s Settings) EffectiveThrottleMbps(u User) float64 {
	if u.ThrottleMbps > 0 {
		return u.ThrottleMbps
	}
	return s.ThrottleMbps
}

func defaultRecord() Record {
	return Record{
		Settings: Settings{
			ProxyPort:      2443,
			ProxyImage:     "nineseconds/mtg:2",
			PreferIP:       "prefer-ipv4",
			Concurrency:    4096,
			FrontingDomain: "google.com",
			ThrottleMbps:   1,
			AdminUsername:  "admin",
		},
	}
}

// Store owns the state file. All mutations go through it.
type Store struct {
	mu     sync.Mutex
	path   string
	rec    Record
	logger *slog.Logger
}

// Open loads the record at path, or initialises a default one if the
// file does not exist yet.
func Open(path string, logger *slog.Logger) (*Store, error) {
	s := &Store{path: path, logger: logger}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		s.rec = defaultRecord()
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: read %q: %w", path, err)
	}
	if err := json.Unmarshal(data, &s.rec); err != nil {
		return nil, fmt.Errorf("store: parse %q: %w", path, err)
	}
	return s, nil
}

// Snapshot returns a copy of the current record.
func (s *Store) Snapshot() Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.copyLocked()
}

func (s *Store) copyLocked() Record {
	rec := s.rec
	rec.Users = make([]User, len(s.rec.Users))
	copy(rec.Users, s.rec.Users)
	return rec
}

// Replace validates and persists a full record, bumping the revision.
// Last writer wins.
func (s *Store) Replace(rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := validate(rec); err != nil {
		return err
	}
	rec.Revision = s.rec.Revision + 1
	if err := s.writeLocked(rec); err != nil {
		return err
	}
	s.rec = rec
	return nil
}

func validate(rec Record) error {
	seen := make(map[int]string, len(rec.Users))
	for _, u := range rec.Users {
		if u.Port <= 0 || u.Port > 65535 {
			return fmt.Errorf("store: user %q: invalid port %d", u.Name, u.Port)
		}
		if other, ok := seen[u.Port]; ok {
			return fmt.Errorf("store: port %d assigned to both %q and %q", u.Port, other, u.Name)
		}
		seen[u.Port] = u.Name
	}
	return nil
}

func (s *Store) writeLocked(rec Record) error {
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("store: mkdir %q: %w", dir, err)
	}

	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("store: marshal record: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".config-*.json.tmp")
	if err != nil {
		return fmt.Errorf("store: create temp file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("store: write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("store: close temp file: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("store: rename into place: %w", err)
	}
	return nil
}

// NextPort returns the next free port: the base port if no users exist,
// otherwise one above the highest assigned port. Allocation is
// monotonic so ports are never reused while a user holds one.
func (s *Store) NextPort() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	port := s.rec.Settings.ProxyPort
	for _, u := range s.rec.Users {
		if u.Port >= port {
			port = u.Port + 1
		}
	}
	return port
}

// AddUser appends a user and persists. The caller is expected to have
// assigned Port via NextPort and Secret via the issuer.
func (s *Store) AddUser(u User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if u.Name == "" {
		return fmt.Errorf("store: user name is required")
	}
	if u.CreatedAt == "" {
		u.CreatedAt = time.Now().Format(time.RFC3339)
	}
	rec := s.copyLocked()
	rec.Users = append(rec.Users, u)
	return s.commitLocked(rec)
}

// DeleteUser removes the user holding port.
func (s *Store) DeleteUser(port int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec := s.copyLocked()
	for i, u := range rec.Users {
		if u.Port == port {
			rec.Users = append(rec.Users[:i], rec.Users[i+1:]...)
			return s.commitLocked(rec)
		}
	}
	return fmt.Errorf("store: no user on port %d", port)
}

// ToggleUser flips the enabled flag of the user holding port and
// returns the new state.
func (s *Store) ToggleUser(port int) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec := s.copyLocked()
	for i := range rec.Users {
		if rec.Users[i].Port == port {
			rec.Users[i].Enabled = !rec.Users[i].Enabled
			if err := s.commitLocked(rec); err != nil {
				return false, err
			}
			return rec.Users[i].Enabled, nil
		}
	}
	return false, fmt.Errorf("store: no user on port %d", port)
}

// UpdateUser replaces the user holding port.
func (s *Store) UpdateUser(port int, u User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec := s.copyLocked()
	for i := range rec.Users {
		if rec.Users[i].Port == port {
			u.Port = port
			if u.CreatedAt == "" {
				u.CreatedAt = rec.Users[i].CreatedAt
			}
			if u.Secret == "" {
				u.Secret = rec.Users[i].Secret
			}
			rec.Users[i] = u
			return s.commitLocked(rec)
		}
	}
	return fmt.Errorf("store: no user on port %d", port)
}

// UpdateSettings applies fn to a copy of the settings and persists.
func (s *Store) UpdateSettings(fn func(*Settings)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec := s.copyLocked()
	fn(&rec.Settings)
	return s.commitLocked(rec)
}

func (s *Store) commitLocked(rec Record) error {
	if err := validate(rec); err != nil {
		return err
	}
	rec.Revision = s.rec.Revision + 1
	if err := s.writeLocked(rec); err != nil {
		return err
	}
	s.rec = rec
	return nil
}

// EnabledUsers returns the enabled users sorted by port.
func EnabledUsers(rec Record) []User {
	var out []User
	for _, u := range rec.Users {
		if u.Enabled {
			out = append(out, u)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Port < out[j].Port })
	return out
}

// UserByPort finds a user by its port.
func UserByPort(rec Record, port int) (User, bool) {
	for _, u := range rec.Users {
		if u.Port == port {
			return u, true
		}
	}
	return User{}, false
}
