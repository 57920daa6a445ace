// Package database persists sessions, command history and output batches
// in SQLite through gorm.
package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/gluk-w/claworc/shellrelay/internal/session"
	"github.com/gluk-w/claworc/shellrelay/internal/shell"
	"github.com/gluk-w/claworc/shellrelay/internal/stream"
)

// ErrNotFound is returned by LoadSession for unknown IDs.
var ErrNotFound = errors.New("record not found")

// Options configures Open.
type Options struct {
	Path string
	// EncryptionKey is an optional encoded Fernet key. When set, output
	// batches and session environments are encrypted at rest.
	EncryptionKey string
	Logger        *zap.Logger
}

// Store is the gorm-backed session.Store.
type Store struct {
	db     *gorm.DB
	codec  *codec
	logger *zap.Logger
}

var _ session.Store = (*Store)(nil)

// Open opens (creating if needed) the database at opts.Path in WAL mode
// and migrates the schema.
func Open(opts Options) (*Store, error) {
	zl := opts.Logger
	if zl == nil {
		zl = zap.NewNop()
	}
	c, err := newCodec(opts.EncryptionKey)
	if err != nil {
		return nil, err
	}

	dbDir := filepath.Dir(opts.Path)
	if dbDir != "" {
		if err := os.MkdirAll(dbDir, 0o755); err != nil {
			return nil, fmt.Errorf("create db directory: %w", err)
		}
	}

	db, err := gorm.Open(sqlite.Open(opts.Path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("get sql.DB: %w", err)
	}
	if _, err := sqlDB.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := sqlDB.Exec("PRAGMA busy_timeout=5000"); err != nil {
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}
	if err := db.AutoMigrate(&SessionRecord{}, &CommandRecord{}, &OutputBatch{}); err != nil {
		return nil, fmt.Errorf("auto-migrate: %w", err)
	}

	return &Store{db: db, codec: c, logger: zl.Named("database")}, nil
}

// Close closes the underlying connection pool.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *Store) SaveSession(ctx context.Context, info session.Info) error {
	rec, err := s.toRecord(info)
	if err != nil {
		return err
	}
	err = s.db.WithContext(ctx).
		Clauses(clause.OnConflict{UpdateAll: true}).
		Create(&rec).Error
	if err != nil {
		return fmt.Errorf("save session %s: %w", info.ID, err)
	}
	return nil
}

func (s *Store) SaveCommand(ctx context.Context, cmd session.CommandRecord) error {
	rec := CommandRecord{
		SessionID:   cmd.SessionID,
		Sequence:    cmd.Sequence,
		Text:        cmd.Text,
		Redacted:    cmd.Redacted,
		SubmittedAt: cmd.SubmittedAt,
		Completed:   cmd.Completed,
		DurationMs:  cmd.Duration.Milliseconds(),
		ExitCode:    cmd.ExitCode,
	}
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "session_id"}, {Name: "sequence"}},
			DoUpdates: clause.AssignmentColumns([]string{"completed", "duration_ms", "exit_code"}),
		}).
		Create(&rec).Error
	if err != nil {
		return fmt.Errorf("save command %s/%d: %w", cmd.SessionID, cmd.Sequence, err)
	}
	return nil
}

func (s *Store) SaveOutputBatch(ctx context.Context, sessionID string, first, last uint64, chunks []stream.Chunk) error {
	data, err := s.codec.encodeChunks(chunks)
	if err != nil {
		return err
	}
	batch := OutputBatch{
		SessionID: sessionID,
		FirstSeq:  first,
		LastSeq:   last,
		Chunks:    len(chunks),
		Data:      data,
		Encrypted: s.codec.encrypted(),
	}
	if err := s.db.WithContext(ctx).Create(&batch).Error; err != nil {
		return fmt.Errorf("save output %s [%d,%d]: %w", sessionID, first, last, err)
	}
	return nil
}

func (s *Store) LoadOutputSince(ctx context.Context, sessionID string, after uint64) ([]stream.Chunk, error) {
	var batches []OutputBatch
	err := s.db.WithContext(ctx).
		Where("session_id = ? AND last_seq > ?", sessionID, after).
		Order("first_seq").
		Find(&batches).Error
	if err != nil {
		return nil, fmt.Errorf("load output %s: %w", sessionID, err)
	}

	var out []stream.Chunk
	next := after
	for _, b := range batches {
		chunks, err := s.codec.decodeChunks(b.Data, b.Encrypted)
		if err != nil {
			return nil, fmt.Errorf("decode batch %d of %s: %w", b.ID, sessionID, err)
		}
		for _, c := range chunks {
			// A batch retried after a failed commit can overlap its
			// successor; keep the first copy of each sequence.
			if c.Sequence > next {
				out = append(out, c)
				next = c.Sequence
			}
		}
	}
	return out, nil
}

func (s *Store) LoadActiveSessions(ctx context.Context) ([]session.Info, error) {
	var recs []SessionRecord
	err := s.db.WithContext(ctx).
		Where("status <> ?", string(session.StatusTerminated)).
		Order("created_at").
		Find(&recs).Error
	if err != nil {
		return nil, fmt.Errorf("load sessions: %w", err)
	}

	infos := make([]session.Info, 0, len(recs))
	for _, rec := range recs {
		info, err := s.fromRecord(rec)
		if err != nil {
			s.logger.Warn("skipping unreadable session", zap.String("session_id", rec.ID), zap.Error(err))
			continue
		}
		if info.OutputSequence, err = s.maxUint(ctx, &OutputBatch{}, "last_seq", rec.ID); err != nil {
			return nil, err
		}
		if info.CommandSequence, err = s.maxUint(ctx, &CommandRecord{}, "sequence", rec.ID); err != nil {
			return nil, err
		}
		infos = append(infos, info)
	}
	return infos, nil
}

func (s *Store) maxUint(ctx context.Context, model any, column, sessionID string) (uint64, error) {
	var v sql.NullInt64
	err := s.db.WithContext(ctx).Model(model).
		Select("MAX("+column+")").
		Where("session_id = ?", sessionID).
		Row().Scan(&v)
	if err != nil {
		return 0, fmt.Errorf("max %s for %s: %w", column, sessionID, err)
	}
	return uint64(v.Int64), nil
}

// LoadSession returns the last saved state of a session, terminated or
// not.
func (s *Store) LoadSession(ctx context.Context, id string) (session.Info, error) {
	var rec SessionRecord
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return session.Info{}, ErrNotFound
	}
	if err != nil {
		return session.Info{}, fmt.Errorf("load session %s: %w", id, err)
	}
	return s.fromRecord(rec)
}

// ListCommands returns a session's commands in submission order, at most
// limit of them when limit > 0.
func (s *Store) ListCommands(ctx context.Context, sessionID string, limit int) ([]session.CommandRecord, error) {
	var recs []CommandRecord
	q := s.db.WithContext(ctx).Where("session_id = ?", sessionID).Order("sequence")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&recs).Error; err != nil {
		return nil, fmt.Errorf("list commands %s: %w", sessionID, err)
	}
	out := make([]session.CommandRecord, len(recs))
	for i, r := range recs {
		out[i] = session.CommandRecord{
			SessionID:   r.SessionID,
			Sequence:    r.Sequence,
			Text:        r.Text,
			Redacted:    r.Redacted,
			SubmittedAt: r.SubmittedAt,
			Completed:   r.Completed,
			Duration:    time.Duration(r.DurationMs) * time.Millisecond,
			ExitCode:    r.ExitCode,
		}
	}
	return out, nil
}

// PurgeOutputBefore deletes output batches written before cutoff and
// returns how many were removed.
func (s *Store) PurgeOutputBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res := s.db.WithContext(ctx).Where("created_at < ?", cutoff).Delete(&OutputBatch{})
	if res.Error != nil {
		return 0, fmt.Errorf("purge output: %w", res.Error)
	}
	return res.RowsAffected, nil
}

func (s *Store) toRecord(info session.Info) (SessionRecord, error) {
	cmd, err := json.Marshal(info.Command)
	if err != nil {
		return SessionRecord{}, fmt.Errorf("marshal command: %w", err)
	}
	env := ""
	if len(info.Env) > 0 {
		b, err := json.Marshal(info.Env)
		if err != nil {
			return SessionRecord{}, fmt.Errorf("marshal env: %w", err)
		}
		if env, err = s.codec.sealString(string(b)); err != nil {
			return SessionRecord{}, err
		}
	}
	return SessionRecord{
		ID:           info.ID,
		Name:         info.Name,
		Kind:         string(info.Kind),
		Command:      string(cmd),
		WorkDir:      info.WorkDir,
		Env:          env,
		Rows:         int(info.Rows),
		Cols:         int(info.Cols),
		Status:       string(info.Status),
		CreatedAt:    info.CreatedAt,
		LastActivity: info.LastActivity,
	}, nil
}

func (s *Store) fromRecord(rec SessionRecord) (session.Info, error) {
	info := session.Info{
		ID:           rec.ID,
		Name:         rec.Name,
		Kind:         shell.Kind(rec.Kind),
		WorkDir:      rec.WorkDir,
		Rows:         uint16(rec.Rows),
		Cols:         uint16(rec.Cols),
		Status:       session.Status(rec.Status),
		CreatedAt:    rec.CreatedAt,
		LastActivity: rec.LastActivity,
	}
	if rec.Command != "" {
		if err := json.Unmarshal([]byte(rec.Command), &info.Command); err != nil {
			return session.Info{}, fmt.Errorf("unmarshal command: %w", err)
		}
	}
	if rec.Env != "" {
		env, err := s.codec.openString(rec.Env)
		if err != nil {
			return session.Info{}, err
		}
		if err := json.Unmarshal([]byte(env), &info.Env); err != nil {
			return session.Info{}, fmt.Errorf("unmarshal env: %w", err)
		}
	}
	return info, nil
}
