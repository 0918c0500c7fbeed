// Package session implements the durable JSON key->record session store,
// guarded by per-key and store-level advisory file locks, with atomic
// rewrite and corruption recovery.
package session

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gofrs/flock"
	"github.com/kade-ridge/three/internal/logging"
	"github.com/kade-ridge/three/internal/xdgpath"
)

// StatelessSessionID is the sentinel backend-session-id value meaning "this
// record does not unlock resume by id".
const StatelessSessionID = "stateless"

const storeVersion = 1

// Record is one entry of the session store.
type Record struct {
	RepoRoot          string   `json:"repo_root"`
	Role              string   `json:"role"`
	RoleID            string   `json:"role_id"`
	Backend           string   `json:"backend"`
	BackendSessionID  string   `json:"backend_session_id"`
	SamplingHistory   []string `json:"sampling_history"`
	UpdatedAtUnixSecs int64    `json:"updated_at_unix_secs"`
}

// file is the on-disk shape of the whole store.
type file struct {
	Version int               `json:"version"`
	Records map[string]Record `json:"records"`
}

// Store is the durable session record map.
type Store struct {
	Path     string
	LocksDir string
	log      *logging.Logger
	now      func() time.Time
}

// NewStore returns a Store at the default XDG data path.
func NewStore() *Store {
	path := xdgpath.DefaultSessionStorePath()
	return &Store{
		Path:     path,
		LocksDir: filepath.Join(filepath.Dir(path), "locks"),
		log:      logging.Default("session"),
		now:      time.Now,
	}
}

// NewStoreAt returns a Store rooted at a specific file path, for tests.
func NewStoreAt(path string) *Store {
	return &Store{
		Path:     path,
		LocksDir: filepath.Join(filepath.Dir(path), "locks"),
		log:      logging.Default("session"),
		now:      time.Now,
	}
}

// ComputeKey computes a session key with no client/conversation scoping.
func ComputeKey(repoRoot, role, roleID string) string {
	return ComputeKeyWithScope(repoRoot, role, roleID, "", "")
}

// ComputeKeyWithScope hashes the 5-tuple (repo_root, role, role_id, client,
// conversation_id) with "-" as the absent-field sentinel, newline
// separated, to a hex-encoded SHA-256 digest. Pure and deterministic.
func ComputeKeyWithScope(repoRoot, role, roleID, client, conversationID string) string {
	fields := []string{repoRoot, role, roleID, orDash(client), orDash(conversationID)}
	h := sha256.New()
	h.Write([]byte(strings.Join(fields, "\n")))
	return hex.EncodeToString(h.Sum(nil))
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

// KeyLock is the scoped handle returned by AcquireKeyLock. Release drops
// the underlying advisory lock on every exit path.
type KeyLock struct {
	flock *flock.Flock
}

// Release drops the per-key lock. Safe to call once; subsequent calls are
// no-ops.
func (l *KeyLock) Release() error {
	if l == nil || l.flock == nil {
		return nil
	}
	return l.flock.Unlock()
}

// AcquireKeyLock takes an exclusive advisory lock on
// <locks_dir>/<key>.lock, blocking until it is available. The caller must
// Release it when the dispatch using this key completes.
func (s *Store) AcquireKeyLock(key string) (*KeyLock, error) {
	if err := os.MkdirAll(s.LocksDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating locks dir: %w", err)
	}
	fl := flock.New(filepath.Join(s.LocksDir, key+".lock"))
	if err := fl.Lock(); err != nil {
		return nil, fmt.Errorf("acquiring lock for key %s: %w", key, err)
	}
	return &KeyLock{flock: fl}, nil
}

// Get returns the record for key, or (Record{}, false) if absent.
func (s *Store) Get(key string) (Record, bool, error) {
	var rec Record
	var found bool
	err := s.withStore(func(f *file) (bool, error) {
		rec, found = f.Records[key]
		return false, nil
	})
	return rec, found, err
}

// Put stores rec under key, stamping UpdatedAtUnixSecs with the current
// time.
func (s *Store) Put(key string, rec Record) error {
	rec.UpdatedAtUnixSecs = s.now().Unix()
	return s.withStore(func(f *file) (bool, error) {
		if f.Records == nil {
			f.Records = map[string]Record{}
		}
		f.Records[key] = rec
		return true, nil
	})
}

// withStore acquires the store-level lock, reads the current file
// (recovering from corruption if needed), calls fn, and writes the result
// back atomically if fn reports a mutation.
func (s *Store) withStore(fn func(f *file) (mutated bool, err error)) error {
	if err := os.MkdirAll(filepath.Dir(s.Path), 0o755); err != nil {
		return fmt.Errorf("creating store dir: %w", err)
	}
	lockPath := s.Path + ".lock"
	fl := flock.New(lockPath)
	if err := fl.Lock(); err != nil {
		return fmt.Errorf("acquiring store lock: %w", err)
	}
	defer fl.Unlock()

	f, err := s.readOrRecover()
	if err != nil {
		return err
	}

	mutated, err := fn(f)
	if err != nil {
		return err
	}
	if !mutated {
		return nil
	}
	return s.writeAtomic(f)
}

// readOrRecover loads the store file. A missing file is treated as empty.
// A file that exists but is not valid JSON is renamed to a timestamped
// backup and replaced with an empty store; this is a locally recovered
// condition, never surfaced as an error.
func (s *Store) readOrRecover() (*file, error) {
	data, err := os.ReadFile(s.Path)
	if os.IsNotExist(err) {
		return &file{Version: storeVersion, Records: map[string]Record{}}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading store: %w", err)
	}

	var f file
	if err := json.Unmarshal(data, &f); err != nil {
		s.backupCorrupt()
		empty := &file{Version: storeVersion, Records: map[string]Record{}}
		if _, statErr := os.Stat(s.Path); os.IsNotExist(statErr) {
			_ = s.writeAtomic(empty)
		}
		return empty, nil
	}
	if f.Records == nil {
		f.Records = map[string]Record{}
	}
	return &f, nil
}

func (s *Store) backupCorrupt() {
	backupPath := fmt.Sprintf("%s.bak.%d", s.Path, s.now().Unix())
	if err := os.Rename(s.Path, backupPath); err != nil {
		s.log.Warn("failed to back up corrupt session store %s: %v", s.Path, err)
		return
	}
	s.log.Warn("session store %s was corrupt; backed up to %s and reset to empty", s.Path, backupPath)
}

// writeAtomic serializes f, writes it to Path+".tmp", fsyncs, renames over
// Path, and fsyncs the containing directory.
func (s *Store) writeAtomic(f *file) error {
	f.Version = storeVersion
	data, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return fmt.Errorf("serializing store: %w", err)
	}

	tmpPath := s.Path + ".tmp"
	tmp, err := os.OpenFile(tmpPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("opening tmp store file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("writing tmp store file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("syncing tmp store file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing tmp store file: %w", err)
	}
	if err := os.Rename(tmpPath, s.Path); err != nil {
		return fmt.Errorf("renaming tmp store file into place: %w", err)
	}

	dir, err := os.Open(filepath.Dir(s.Path))
	if err == nil {
		_ = dir.Sync()
		dir.Close()
	}
	return nil
}
