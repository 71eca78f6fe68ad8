package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"convohub/internal/logging"
	"convohub/internal/types"
)

const timeLayout = time.RFC3339Nano

// SQLiteStore keeps every project's history in one SQLite database.
// Each operation that writes runs in a single transaction.
type SQLiteStore struct {
	db   *sql.DB
	path string
	opts options
}

// NewSQLiteStore opens (and creates if needed) the database at path. ":memory:" is accepted.
func NewSQLiteStore(path string, opts ...Option) (*SQLiteStore, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("failed to create directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// one connection keeps :memory: databases shared and serializes writers
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{db: db, path: path, opts: applyOptions(opts)}
	if err := s.initialize(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) initialize() error {
	schema := `
	CREATE TABLE IF NOT EXISTS conversations (
		id TEXT PRIMARY KEY,
		project_path TEXT NOT NULL,
		title TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_conversations_project ON conversations(project_path);

	CREATE TABLE IF NOT EXISTS messages (
		conversation_id TEXT NOT NULL,
		id TEXT NOT NULL,
		seq INTEGER NOT NULL,
		role TEXT NOT NULL,
		body TEXT NOT NULL,
		PRIMARY KEY (conversation_id, id)
	);
	CREATE INDEX IF NOT EXISTS idx_messages_seq ON messages(conversation_id, seq);

	CREATE TABLE IF NOT EXISTS active_conversations (
		project_path TEXT PRIMARY KEY,
		conversation_id TEXT NOT NULL
	);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return RunMigrations(s.db)
}

func (s *SQLiteStore) List(ctx context.Context, projectPath string) ([]types.ConversationSummary, error) {
	active, err := s.activeID(ctx, s.db, projectPath)
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT c.id, c.title, c.created_at, c.updated_at,
			(SELECT COUNT(*) FROM messages m WHERE m.conversation_id = c.id)
		FROM conversations c
		WHERE c.project_path = ?`, projectPath)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	defer rows.Close()

	out := []types.ConversationSummary{}
	for rows.Next() {
		var sum types.ConversationSummary
		var created, updated string
		if err := rows.Scan(&sum.ID, &sum.Title, &created, &updated, &sum.MessageCount); err != nil {
			return nil, err
		}
		sum.CreatedAt = parseTime(created)
		sum.UpdatedAt = parseTime(updated)
		sum.Active = sum.ID == active
		out = append(out, sum)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	sortSummaries(out)
	return out, nil
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func (s *SQLiteStore) activeID(ctx context.Context, q querier, projectPath string) (string, error) {
	var id string
	err := q.QueryRowContext(ctx,
		`SELECT conversation_id FROM active_conversations WHERE project_path = ?`, projectPath).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("active conversation: %w", err)
	}
	return id, nil
}

func (s *SQLiteStore) load(ctx context.Context, q querier, projectPath, id string) (*types.Conversation, error) {
	conv := &types.Conversation{ID: id, ProjectPath: projectPath, Messages: []types.Message{}}
	var created, updated string
	err := q.QueryRowContext(ctx, `
		SELECT title, created_at, updated_at, external_session_id
		FROM conversations WHERE id = ? AND project_path = ?`, id, projectPath).
		Scan(&conv.Title, &created, &updated, &conv.ExternalSessionID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load conversation: %w", err)
	}
	conv.CreatedAt = parseTime(created)
	conv.UpdatedAt = parseTime(updated)

	rows, err := q.QueryContext(ctx,
		`SELECT body FROM messages WHERE conversation_id = ? ORDER BY seq`, id)
	if err != nil {
		return nil, fmt.Errorf("load messages: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, err
		}
		var msg types.Message
		if err := json.Unmarshal([]byte(body), &msg); err != nil {
			cerr := &CorruptHistoryError{Path: s.path, Err: fmt.Errorf("message in %s: %w", id, err)}
			logging.StoreWarn("%v", cerr)
			if s.opts.onCorrupt != nil {
				s.opts.onCorrupt(cerr)
			}
			continue
		}
		conv.Messages = append(conv.Messages, msg)
	}
	return conv, rows.Err()
}

func (s *SQLiteStore) Load(ctx context.Context, projectPath, id string) (*types.Conversation, error) {
	return s.load(ctx, s.db, projectPath, id)
}

// withTx runs fn in a transaction, committing only when fn succeeds.
func (s *SQLiteStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func (s *SQLiteStore) Create(ctx context.Context, conv *types.Conversation) error {
	if conv.ProjectPath == "" {
		return errors.New("conversation has no project path")
	}
	c := conv.Clone()
	c.EnsureTitle()
	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO conversations (id, project_path, title, created_at, updated_at, external_session_id)
			VALUES (?, ?, ?, ?, ?, ?)`,
			c.ID, c.ProjectPath, c.Title, formatTime(c.CreatedAt), formatTime(c.UpdatedAt), c.ExternalSessionID)
		if err != nil {
			return fmt.Errorf("insert conversation: %w", err)
		}
		for i, msg := range c.Messages {
			if err := insertMessage(ctx, tx, c.ID, i, msg); err != nil {
				return err
			}
		}
		return setActive(ctx, tx, c.ProjectPath, c.ID)
	})
}

func (s *SQLiteStore) Append(ctx context.Context, projectPath, conversationID string, msg types.Message) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		conv, err := s.load(ctx, tx, projectPath, conversationID)
		if err != nil {
			return err
		}

		seq := len(conv.Messages)
		var existing int
		err = tx.QueryRowContext(ctx,
			`SELECT seq FROM messages WHERE conversation_id = ? AND id = ?`, conversationID, msg.ID).Scan(&existing)
		switch {
		case err == nil:
			seq = existing
		case errors.Is(err, sql.ErrNoRows):
			var maxSeq sql.NullInt64
			if err := tx.QueryRowContext(ctx,
				`SELECT MAX(seq) FROM messages WHERE conversation_id = ?`, conversationID).Scan(&maxSeq); err != nil {
				return err
			}
			if maxSeq.Valid {
				seq = int(maxSeq.Int64) + 1
			}
		default:
			return err
		}
		if err := insertMessage(ctx, tx, conversationID, seq, msg); err != nil {
			return err
		}

		upsertMessage(conv, msg)
		conv.EnsureTitle()
		conv.Touch(types.Now())
		_, err = tx.ExecContext(ctx,
			`UPDATE conversations SET title = ?, updated_at = ? WHERE id = ?`,
			conv.Title, formatTime(conv.UpdatedAt), conversationID)
		return err
	})
}

func insertMessage(ctx context.Context, tx *sql.Tx, conversationID string, seq int, msg types.Message) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO messages (conversation_id, id, seq, role, body) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(conversation_id, id) DO UPDATE SET body = excluded.body, role = excluded.role`,
		conversationID, msg.ID, seq, string(msg.Role), string(body))
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

func setActive(ctx context.Context, tx *sql.Tx, projectPath, id string) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO active_conversations (project_path, conversation_id) VALUES (?, ?)
		ON CONFLICT(project_path) DO UPDATE SET conversation_id = excluded.conversation_id`,
		projectPath, id)
	if err != nil {
		return fmt.Errorf("set active: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Switch(ctx context.Context, projectPath, id string) (*types.Conversation, error) {
	var conv *types.Conversation
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		c, err := s.load(ctx, tx, projectPath, id)
		if err != nil {
			return err
		}
		conv = c
		return setActive(ctx, tx, projectPath, id)
	})
	return conv, err
}

func (s *SQLiteStore) Delete(ctx context.Context, projectPath, id string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`DELETE FROM conversations WHERE id = ? AND project_path = ?`, id, projectPath)
		if err != nil {
			return fmt.Errorf("delete conversation: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrNotFound
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE conversation_id = ?`, id); err != nil {
			return fmt.Errorf("delete messages: %w", err)
		}
		_, err = tx.ExecContext(ctx,
			`DELETE FROM active_conversations WHERE project_path = ? AND conversation_id = ?`, projectPath, id)
		return err
	})
}

func (s *SQLiteStore) Active(ctx context.Context, projectPath string) (*types.Conversation, error) {
	id, err := s.activeID(ctx, s.db, projectPath)
	if err != nil {
		return nil, err
	}
	if id == "" {
		return nil, ErrNotFound
	}
	return s.Load(ctx, projectPath, id)
}

func (s *SQLiteStore) SetExternalSessionID(ctx context.Context, projectPath, id, token string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE conversations SET external_session_id = ? WHERE id = ? AND project_path = ?`, token, id, projectPath)
	if err != nil {
		return fmt.Errorf("set external session id: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		logging.StoreDebug("unparseable timestamp %q: %v", s, err)
		return time.Time{}
	}
	return t
}
