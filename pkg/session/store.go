package session

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"

	"github.com/neurallink-protocol/neurallink-go/pkg/crypto"
)

// Store tunables.
const (
	// RetentionWindow is how long an idle session stays valid.
	RetentionWindow = 30 * 24 * time.Hour

	// RetryCap is the maximum delivery attempts for a queued message.
	RetryCap = 3

	// cleanupStartDelay is how long after startup the first sweep runs.
	cleanupStartDelay = 10 * time.Second

	// cleanupInterval is the steady-state sweep interval.
	cleanupInterval = 24 * time.Hour
)

// Store errors.
var (
	ErrSessionNotFound = errors.New("session not found")
	ErrSessionExpired  = errors.New("session past retention window")
	ErrRecoveryFailed  = errors.New("session recovery failed")
)

// Session is the durable counterpart to a paired device.
type Session struct {
	ID           string
	DeviceID     string
	SealedSecret []byte
	PublicKey    string
	CreatedAt    time.Time
	LastSeen     time.Time
	Capabilities []string
	Preferences  map[string]string
}

// Store persists sessions and per-device offline queues in SQLite.
type Store struct {
	log        zerolog.Logger
	db         *sql.DB
	passphrase string

	mu    sync.RWMutex
	cache map[string]*Session // by session id

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex // per device id
}

// Open opens (creating if needed) the session database at path. The
// passphrase seals shared secrets at rest; it must come from the host's
// key storage, never a compiled-in literal.
func Open(path, passphrase string, log zerolog.Logger) (*Store, error) {
	if passphrase == "" {
		return nil, errors.New("master passphrase must not be empty")
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open session store: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to set pragma %q: %w", pragma, err)
		}
	}

	s := &Store{
		log:        log.With().Str("component", "session").Logger(),
		db:         db,
		passphrase: passphrase,
		cache:      make(map[string]*Session),
		locks:      make(map[string]*sync.Mutex),
	}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		device_id TEXT NOT NULL,
		sealed_secret BLOB NOT NULL,
		public_key TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		last_seen INTEGER NOT NULL,
		capabilities TEXT NOT NULL,
		preferences TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_sessions_device ON sessions(device_id);

	CREATE TABLE IF NOT EXISTS queue (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		device_id TEXT NOT NULL,
		message BLOB NOT NULL,
		retries INTEGER NOT NULL DEFAULT 0,
		queued_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_queue_device ON queue(device_id, id);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close releases the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// deviceLock returns the serialization mutex for one device id.
func (s *Store) deviceLock(deviceID string) *sync.Mutex {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()
	l, ok := s.locks[deviceID]
	if !ok {
		l = &sync.Mutex{}
		s.locks[deviceID] = l
	}
	return l
}

// Create seals the shared secret under the master passphrase and persists
// a new session for the device.
func (s *Store) Create(deviceID string, secret *crypto.SharedSecret, publicKey string, capabilities []string) (*Session, error) {
	lock := s.deviceLock(deviceID)
	lock.Lock()
	defer lock.Unlock()

	sealed, err := crypto.Seal(s.passphrase, secret.Key)
	if err != nil {
		return nil, fmt.Errorf("failed to seal shared secret: %w", err)
	}

	now := time.Now()
	sess := &Session{
		ID:           uuid.NewString(),
		DeviceID:     deviceID,
		SealedSecret: sealed,
		PublicKey:    publicKey,
		CreatedAt:    now,
		LastSeen:     now,
		Capabilities: capabilities,
		Preferences:  make(map[string]string),
	}

	caps, err := json.Marshal(sess.Capabilities)
	if err != nil {
		return nil, err
	}
	prefs, err := json.Marshal(sess.Preferences)
	if err != nil {
		return nil, err
	}

	_, err = s.db.Exec(
		`INSERT INTO sessions (id, device_id, sealed_secret, public_key, created_at, last_seen, capabilities, preferences)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		sess.ID, sess.DeviceID, sess.SealedSecret, sess.PublicKey,
		sess.CreatedAt.UnixMilli(), sess.LastSeen.UnixMilli(), string(caps), string(prefs),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to persist session: %w", err)
	}

	s.mu.Lock()
	s.cache[sess.ID] = sess
	s.mu.Unlock()

	s.log.Info().Str("session", sess.ID).Str("device", deviceID).Msg("session created")
	return sess, nil
}

// Get returns the session by id, memory-first.
func (s *Store) Get(id string) (*Session, error) {
	s.mu.RLock()
	if sess, ok := s.cache[id]; ok {
		s.mu.RUnlock()
		return sess, nil
	}
	s.mu.RUnlock()

	sess, err := s.scanOne(`SELECT id, device_id, sealed_secret, public_key, created_at, last_seen, capabilities, preferences
		FROM sessions WHERE id = ?`, id)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.cache[sess.ID] = sess
	s.mu.Unlock()
	return sess, nil
}

// GetByDevice returns the most recently seen session for a device,
// memory-first.
func (s *Store) GetByDevice(deviceID string) (*Session, error) {
	s.mu.RLock()
	for _, sess := range s.cache {
		if sess.DeviceID == deviceID {
			s.mu.RUnlock()
			return sess, nil
		}
	}
	s.mu.RUnlock()

	sess, err := s.scanOne(`SELECT id, device_id, sealed_secret, public_key, created_at, last_seen, capabilities, preferences
		FROM sessions WHERE device_id = ? ORDER BY last_seen DESC LIMIT 1`, deviceID)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.cache[sess.ID] = sess
	s.mu.Unlock()
	return sess, nil
}

func (s *Store) scanOne(query string, arg any) (*Session, error) {
	row := s.db.QueryRow(query, arg)

	var (
		sess                Session
		createdAt, lastSeen int64
		caps, prefs         string
	)
	err := row.Scan(&sess.ID, &sess.DeviceID, &sess.SealedSecret, &sess.PublicKey,
		&createdAt, &lastSeen, &caps, &prefs)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, err
	}

	sess.CreatedAt = time.UnixMilli(createdAt)
	sess.LastSeen = time.UnixMilli(lastSeen)
	if err := json.Unmarshal([]byte(caps), &sess.Capabilities); err != nil {
		return nil, fmt.Errorf("corrupt capabilities for session %s: %w", sess.ID, err)
	}
	if err := json.Unmarshal([]byte(prefs), &sess.Preferences); err != nil {
		return nil, fmt.Errorf("corrupt preferences for session %s: %w", sess.ID, err)
	}
	return &sess, nil
}

// Touch refreshes a session's last-seen timestamp.
func (s *Store) Touch(id string) error {
	now := time.Now()

	s.mu.Lock()
	if sess, ok := s.cache[id]; ok {
		sess.LastSeen = now
	}
	s.mu.Unlock()

	_, err := s.db.Exec(`UPDATE sessions SET last_seen = ? WHERE id = ?`, now.UnixMilli(), id)
	return err
}

// Validate reports whether the session is still within the retention
// window. An expired session is deleted (queue included) and reported
// invalid.
func (s *Store) Validate(id string) (bool, error) {
	sess, err := s.Get(id)
	if errors.Is(err, ErrSessionNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	if time.Since(sess.LastSeen) > RetentionWindow {
		s.log.Info().Str("session", id).Str("device", sess.DeviceID).Msg("session past retention, purging")
		if err := s.Delete(id); err != nil {
			return false, err
		}
		return false, nil
	}
	return true, nil
}

// Recover unseals the session's stored secret. Failure (corrupted store
// or passphrase mismatch) is non-fatal to the caller, who should fall
// back to re-pairing.
func (s *Store) Recover(id string) (*crypto.SharedSecret, error) {
	sess, err := s.Get(id)
	if err != nil {
		return nil, err
	}

	key, err := crypto.Open(s.passphrase, sess.SealedSecret)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRecoveryFailed, err)
	}
	return crypto.SharedSecretFromKey(key)
}

// SetPreference stores a free-form preference on the session.
func (s *Store) SetPreference(id, key, value string) error {
	sess, err := s.Get(id)
	if err != nil {
		return err
	}

	lock := s.deviceLock(sess.DeviceID)
	lock.Lock()
	defer lock.Unlock()

	s.mu.Lock()
	sess.Preferences[key] = value
	prefs, merr := json.Marshal(sess.Preferences)
	s.mu.Unlock()
	if merr != nil {
		return merr
	}

	_, err = s.db.Exec(`UPDATE sessions SET preferences = ? WHERE id = ?`, string(prefs), id)
	return err
}

// ResolveConflicts retains only the most recently seen session for a
// device and deletes the rest along with their queued messages. Returns
// the surviving session, or nil when the device has none.
func (s *Store) ResolveConflicts(deviceID string) (*Session, error) {
	lock := s.deviceLock(deviceID)
	lock.Lock()
	defer lock.Unlock()

	rows, err := s.db.Query(`SELECT id FROM sessions WHERE device_id = ? ORDER BY last_seen DESC`, deviceID)
	if err != nil {
		return nil, err
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if len(ids) == 0 {
		return nil, nil
	}

	for _, id := range ids[1:] {
		if err := s.deleteLocked(id); err != nil {
			return nil, err
		}
	}
	if len(ids) > 1 {
		s.log.Warn().Str("device", deviceID).Int("removed", len(ids)-1).Msg("duplicate sessions resolved")
	}

	s.mu.Lock()
	delete(s.cache, ids[0])
	s.mu.Unlock()
	return s.Get(ids[0])
}

// Delete removes a session and, if it was the device's last session, the
// device's queued messages.
func (s *Store) Delete(id string) error {
	sess, err := s.Get(id)
	if errors.Is(err, ErrSessionNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	lock := s.deviceLock(sess.DeviceID)
	lock.Lock()
	defer lock.Unlock()
	return s.deleteLocked(id)
}

// deleteLocked removes one session row, its cache entry, and the device's
// queue when no other session for the device remains.
func (s *Store) deleteLocked(id string) error {
	var deviceID string
	err := s.db.QueryRow(`SELECT device_id FROM sessions WHERE id = ?`, id).Scan(&deviceID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	}
	if err != nil {
		return err
	}

	if _, err := s.db.Exec(`DELETE FROM sessions WHERE id = ?`, id); err != nil {
		return err
	}

	var remaining int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM sessions WHERE device_id = ?`, deviceID).Scan(&remaining); err != nil {
		return err
	}
	if remaining == 0 {
		if _, err := s.db.Exec(`DELETE FROM queue WHERE device_id = ?`, deviceID); err != nil {
			return err
		}
	}

	s.mu.Lock()
	delete(s.cache, id)
	s.mu.Unlock()
	return nil
}

// Cleanup purges sessions and queue entries past the retention window.
func (s *Store) Cleanup() error {
	cutoff := time.Now().Add(-RetentionWindow).UnixMilli()

	rows, err := s.db.Query(`SELECT id FROM sessions WHERE last_seen < ?`, cutoff)
	if err != nil {
		return err
	}
	var stale []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return err
		}
		stale = append(stale, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	for _, id := range stale {
		if err := s.Delete(id); err != nil {
			return err
		}
	}

	// Orphaned or ancient queue entries go too.
	if _, err := s.db.Exec(`DELETE FROM queue WHERE queued_at < ?`, cutoff); err != nil {
		return err
	}

	if len(stale) > 0 {
		s.log.Info().Int("purged", len(stale)).Msg("retention cleanup complete")
	}
	return nil
}

// StartCleanup runs Cleanup shortly after startup and then on a daily
// interval until ctx is done.
func (s *Store) StartCleanup(ctx context.Context) {
	go func() {
		select {
		case <-ctx.Done():
			return
		case <-time.After(cleanupStartDelay):
		}
		if err := s.Cleanup(); err != nil {
			s.log.Error().Err(err).Msg("cleanup failed")
		}

		ticker := time.NewTicker(cleanupInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := s.Cleanup(); err != nil {
					s.log.Error().Err(err).Msg("cleanup failed")
				}
			}
		}
	}()
}
