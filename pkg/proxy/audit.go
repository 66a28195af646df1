package proxy

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/pomodex/sandboxd/pkg/log"
)

// auditEntry is one persisted record of terminal input. Output is
// never audited; only what the user typed.
type auditEntry struct {
	Event     string    `json:"event"`
	ProjectID string    `json:"project_id"`
	UserID    string    `json:"user_id"`
	Timestamp time.Time `json:"timestamp"`
	Content   string    `json:"content"`
}

// AuditLogger records terminal input to the structured log and to a
// local bolt file, one bucket per project, keyed by insertion order.
type AuditLogger struct {
	db *bolt.DB
}

// NewAuditLogger opens (or creates) the audit database at path.
func NewAuditLogger(path string) (*AuditLogger, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open audit database: %w", err)
	}
	return &AuditLogger{db: db}, nil
}

// Close releases the audit database.
func (a *AuditLogger) Close() error {
	return a.db.Close()
}

// RecordInput persists one chunk of terminal input. Persistence
// failures are logged and swallowed: auditing never kills a session.
func (a *AuditLogger) RecordInput(projectID, userID string, content []byte) {
	entry := auditEntry{
		Event:     "terminal_input",
		ProjectID: projectID,
		UserID:    userID,
		Timestamp: time.Now().UTC(),
		Content:   string(content),
	}

	logger := log.WithComponent("audit")
	logger.Info().
		Str("project_id", projectID).
		Str("user_id", userID).
		Str("content", entry.Content).
		Msg("terminal input")

	err := a.db.Update(func(tx *bolt.Tx) error {
		bucket, err := tx.CreateBucketIfNotExists([]byte(projectID))
		if err != nil {
			return err
		}
		seq, err := bucket.NextSequence()
		if err != nil {
			return err
		}
		key := make([]byte, 8)
		binary.BigEndian.PutUint64(key, seq)
		data, err := json.Marshal(entry)
		if err != nil {
			return err
		}
		return bucket.Put(key, data)
	})
	if err != nil {
		logger := log.WithComponent("audit")
		logger.Error().Err(err).
			Str("project_id", projectID).
			Msg("failed to persist audit entry")
	}
}

// Entries returns a project's audit trail in insertion order.
func (a *AuditLogger) Entries(projectID string) ([]auditEntry, error) {
	var entries []auditEntry
	err := a.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(projectID))
		if bucket == nil {
			return nil
		}
		return bucket.ForEach(func(_, v []byte) error {
			var e auditEntry
			if err := json.Unmarshal(v, &e); err != nil {
				return err
			}
			entries = append(entries, e)
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read audit trail: %w", err)
	}
	return entries, nil
}
