package internal

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/lychee-technology/occams"
	"github.com/tidwall/buntdb"
	"github.com/vmihailenco/msgpack/v5"
)

// randomizationSession is the server-side state of one enrollment's
// randomization attempt.
type randomizationSession struct {
	ProcID   string            `msgpack:"procid"`
	Stage    occams.Stage      `msgpack:"stage"`
	FormData map[string]string `msgpack:"formdata,omitempty"`
}

// sessionStore persists randomization sessions keyed by session and
// enrollment.
type sessionStore interface {
	Load(sessionID string, enrollmentID int64) (*randomizationSession, bool, error)
	Save(sessionID string, enrollmentID int64, s *randomizationSession) error
	Clear(sessionID string, enrollmentID int64) error
}

// BuntSessionStore keeps sessions in a buntdb database, expiring them after
// a TTL. The path ":memory:" keeps them in process.
type BuntSessionStore struct {
	db   *buntdb.DB
	ttl  time.Duration
	once sync.Once
}

var _ sessionStore = (*BuntSessionStore)(nil)

// NewBuntSessionStore opens the session database at path.
func NewBuntSessionStore(path string, ttl time.Duration) (*BuntSessionStore, error) {
	db, err := buntdb.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open session db: %w", err)
	}
	var dbcfg buntdb.Config
	if err := db.ReadConfig(&dbcfg); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to read session db config: %w", err)
	}
	dbcfg.SyncPolicy = buntdb.EverySecond
	if err := db.SetConfig(dbcfg); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to configure session db: %w", err)
	}
	return &BuntSessionStore{db: db, ttl: ttl}, nil
}

func sessionKey(sessionID string, enrollmentID int64) string {
	return fmt.Sprintf("randomization:%s:%d", sessionID, enrollmentID)
}

// Load returns the stored session, or false when none exists or it expired.
func (s *BuntSessionStore) Load(sessionID string, enrollmentID int64) (*randomizationSession, bool, error) {
	var raw string
	err := s.db.View(func(tx *buntdb.Tx) error {
		val, err := tx.Get(sessionKey(sessionID, enrollmentID))
		if err != nil {
			return err
		}
		raw = val
		return nil
	})
	if errors.Is(err, buntdb.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to get session: %w", err)
	}
	var sess randomizationSession
	if err := msgpack.Unmarshal([]byte(raw), &sess); err != nil {
		return nil, false, fmt.Errorf("failed to decode session: %w", err)
	}
	return &sess, true, nil
}

// Save replaces the session and restarts its TTL.
func (s *BuntSessionStore) Save(sessionID string, enrollmentID int64, sess *randomizationSession) error {
	raw, err := msgpack.Marshal(sess)
	if err != nil {
		return fmt.Errorf("failed to encode session: %w", err)
	}
	err = s.db.Update(func(tx *buntdb.Tx) error {
		var opts *buntdb.SetOptions
		if s.ttl > 0 {
			opts = &buntdb.SetOptions{Expires: true, TTL: s.ttl}
		}
		_, _, err := tx.Set(sessionKey(sessionID, enrollmentID), string(raw), opts)
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to set session: %w", err)
	}
	return nil
}

// Clear removes the session. Clearing a missing session is not an error.
func (s *BuntSessionStore) Clear(sessionID string, enrollmentID int64) error {
	err := s.db.Update(func(tx *buntdb.Tx) error {
		_, err := tx.Delete(sessionKey(sessionID, enrollmentID))
		return err
	})
	if err != nil && !errors.Is(err, buntdb.ErrNotFound) {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	return nil
}

// Close flushes and closes the database.
func (s *BuntSessionStore) Close() error {
	var err error
	s.once.Do(func() {
		err = s.db.Close()
	})
	return err
}
