// Package sqlitestore implements conversation.Store on SQLite using the
// pure-Go modernc.org/sqlite driver. A turn, its audio and its metadata
// are written in one transaction, which gives the same atomic-publish
// guarantee the file store gets from a directory rename.
package sqlitestore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/teslashibe/go-companion/pkg/conversation"

	_ "modernc.org/sqlite"
)

const (
	audioUser     = "user"
	audioResponse = "response"
	refPrefix     = "sqlite:"
)

// Store implements conversation.Store.
type Store struct {
	db     *sql.DB
	path   string
	logger *slog.Logger
	now    func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the clock used for date partitioning.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) { s.logger = logger }
}

// Open opens or creates a database at path.
func Open(path string, opts ...Option) (*Store, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, &conversation.StorageError{Op: "open", Path: dir, Err: err}
		}
	}
	return open(path+"?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)", path, opts...)
}

// OpenInMemory creates an in-memory database (for testing).
func OpenInMemory(opts ...Option) (*Store, error) {
	return open(":memory:?_pragma=foreign_keys(ON)", ":memory:", opts...)
}

func open(dsn, path string, opts ...Option) (*Store, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, &conversation.StorageError{Op: "open", Path: path, Err: err}
	}
	// One connection serializes writers, which keeps sequence allocation
	// race-free and lets :memory: databases survive between calls.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, &conversation.StorageError{Op: "ping", Path: path, Err: err}
	}
	if _, err := db.Exec(Schema); err != nil {
		db.Close()
		return nil, &conversation.StorageError{Op: "init schema", Path: path, Err: err}
	}

	s := &Store{
		db:     db,
		path:   path,
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "conversation.sqlite")
	return s, nil
}

func (s *Store) storageErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return &conversation.StorageError{Op: op, Path: s.path, Err: err}
}

// Persist implements conversation.Store.
func (s *Store) Persist(ctx context.Context, draft *conversation.TurnDraft) (conversation.TurnID, error) {
	if err := draft.Validate(); err != nil {
		return conversation.TurnID{}, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return conversation.TurnID{}, s.storageErr("begin", err)
	}
	defer tx.Rollback()

	now := s.now()
	date := now.Format(conversation.DateLayout)

	var last int
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq), 0) FROM turns WHERE date = ?`, date).Scan(&last); err != nil {
		return conversation.TurnID{}, s.storageErr("allocate id", err)
	}
	id := conversation.TurnID{Date: date, Seq: last + 1}

	turn := &conversation.Turn{
		ID:            id,
		StartedAt:     draft.StartedAt,
		PersistedAt:   now,
		Transcript:    draft.Transcript,
		Response:      draft.Response,
		Emotion:       draft.Emotion,
		SampleRate:    draft.UserAudio.SampleRate,
		AudioDuration: draft.AudioDuration,
		Latencies:     draft.Latencies,
		Backends:      draft.Backends,
		Profile:       draft.Profile,
	}
	if !draft.UserAudio.Empty() {
		turn.UserAudioRef = audioRef(id, audioUser, draft.UserAudio.Encoding)
	}
	if !draft.ResponseAudio.Empty() {
		turn.ResponseRef = audioRef(id, audioResponse, draft.ResponseAudio.Encoding)
	}

	meta, err := json.Marshal(conversation.NewMetadata(turn, ""))
	if err != nil {
		return conversation.TurnID{}, fmt.Errorf("sqlitestore: marshal metadata: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO turns (date, seq, started_at, persisted_at, transcript, response, metadata)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		id.Date, id.Seq, formatTime(draft.StartedAt), formatTime(now),
		draft.Transcript, draft.Response, string(meta)); err != nil {
		return conversation.TurnID{}, s.storageErr("insert turn", err)
	}

	for kind, audio := range map[string]conversation.Audio{
		audioUser:     draft.UserAudio,
		audioResponse: draft.ResponseAudio,
	} {
		if audio.Empty() {
			continue
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO turn_audio (date, seq, kind, encoding, sample_rate, data) VALUES (?, ?, ?, ?, ?, ?)`,
			id.Date, id.Seq, kind, encodingOrDefault(audio.Encoding), audio.SampleRate, audio.Data); err != nil {
			return conversation.TurnID{}, s.storageErr("insert audio", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return conversation.TurnID{}, s.storageErr("commit", err)
	}

	s.logger.Debug("turn persisted", "turn_id", id.String())
	return id, nil
}

// Load implements conversation.Store.
func (s *Store) Load(ctx context.Context, id conversation.TurnID) (*conversation.Turn, error) {
	var meta string
	err := s.db.QueryRowContext(ctx,
		`SELECT metadata FROM turns WHERE date = ? AND seq = ?`, id.Date, id.Seq).Scan(&meta)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", conversation.ErrTurnNotFound, id)
	}
	if err != nil {
		return nil, s.storageErr("load turn", err)
	}
	return decodeTurn(meta)
}

func decodeTurn(meta string) (*conversation.Turn, error) {
	var m conversation.Metadata
	if err := json.Unmarshal([]byte(meta), &m); err != nil {
		return nil, fmt.Errorf("sqlitestore: decode metadata: %w", err)
	}
	return m.Turn(), nil
}

// ListRecent implements conversation.Store.
func (s *Store) ListRecent(ctx context.Context, limit int) ([]*conversation.Turn, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT metadata FROM turns ORDER BY date DESC, seq DESC LIMIT ?`, sqlLimit(limit))
	if err != nil {
		return nil, s.storageErr("list turns", err)
	}
	defer rows.Close()

	var turns []*conversation.Turn
	for rows.Next() {
		var meta string
		if err := rows.Scan(&meta); err != nil {
			return nil, s.storageErr("scan turn", err)
		}
		t, err := decodeTurn(meta)
		if err != nil {
			s.logger.Warn("skipping unreadable turn", "error", err)
			continue
		}
		turns = append(turns, t)
	}
	return turns, s.storageErr("list turns", rows.Err())
}

// ListDates implements conversation.Store.
func (s *Store) ListDates(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT date FROM turns ORDER BY date DESC`)
	if err != nil {
		return nil, s.storageErr("list dates", err)
	}
	defer rows.Close()

	var dates []string
	for rows.Next() {
		var d string
		if err := rows.Scan(&d); err != nil {
			return nil, s.storageErr("scan date", err)
		}
		dates = append(dates, d)
	}
	return dates, s.storageErr("list dates", rows.Err())
}

func (s *Store) exists(ctx context.Context, q interface {
	QueryRowContext(context.Context, string, ...any) *sql.Row
}, id conversation.TurnID) error {
	var one int
	err := q.QueryRowContext(ctx,
		`SELECT 1 FROM turns WHERE date = ? AND seq = ?`, id.Date, id.Seq).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %s", conversation.ErrTurnNotFound, id)
	}
	return s.storageErr("lookup turn", err)
}

// LoadInsight implements conversation.Store.
func (s *Store) LoadInsight(ctx context.Context, id conversation.TurnID) (*conversation.Insight, bool, error) {
	if err := s.exists(ctx, s.db, id); err != nil {
		return nil, false, err
	}
	var body string
	err := s.db.QueryRowContext(ctx,
		`SELECT body FROM insights WHERE date = ? AND seq = ?`, id.Date, id.Seq).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, s.storageErr("load insight", err)
	}
	var ins conversation.Insight
	if err := json.Unmarshal([]byte(body), &ins); err != nil {
		return nil, false, fmt.Errorf("sqlitestore: decode insight %s: %w", id, err)
	}
	return &ins, true, nil
}

// SaveInsight implements conversation.Store.
func (s *Store) SaveInsight(ctx context.Context, ins *conversation.Insight) error {
	if err := ins.Validate(); err != nil {
		return err
	}
	body, err := json.Marshal(ins)
	if err != nil {
		return fmt.Errorf("sqlitestore: marshal insight: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return s.storageErr("begin", err)
	}
	defer tx.Rollback()

	id := ins.ConversationID
	if err := s.exists(ctx, tx, id); err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx,
		`INSERT INTO insights (date, seq, body, analyzed_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT (date, seq) DO NOTHING`,
		id.Date, id.Seq, string(body), formatTime(ins.AnalyzedAt))
	if err != nil {
		return s.storageErr("insert insight", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: %s", conversation.ErrInsightExists, id)
	}
	return s.storageErr("commit", tx.Commit())
}

// MarkAnalysisFailed implements conversation.Store.
func (s *Store) MarkAnalysisFailed(ctx context.Context, id conversation.TurnID, reason string) error {
	if err := s.exists(ctx, s.db, id); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO analysis_failures (date, seq, reason, failed_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT (date, seq) DO UPDATE SET reason = excluded.reason, failed_at = excluded.failed_at`,
		id.Date, id.Seq, reason, formatTime(s.now()))
	return s.storageErr("mark failed", err)
}

// ClearAnalysisFailure implements conversation.Store.
func (s *Store) ClearAnalysisFailure(ctx context.Context, id conversation.TurnID) error {
	if err := s.exists(ctx, s.db, id); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM analysis_failures WHERE date = ? AND seq = ?`, id.Date, id.Seq)
	return s.storageErr("clear failure", err)
}

// AnalysisStatus implements conversation.Store.
func (s *Store) AnalysisStatus(ctx context.Context, id conversation.TurnID) (conversation.AnalysisStatus, error) {
	if err := s.exists(ctx, s.db, id); err != nil {
		return "", err
	}
	var done, failed int
	err := s.db.QueryRowContext(ctx, `
		SELECT
			(SELECT COUNT(*) FROM insights WHERE date = ? AND seq = ?),
			(SELECT COUNT(*) FROM analysis_failures WHERE date = ? AND seq = ?)`,
		id.Date, id.Seq, id.Date, id.Seq).Scan(&done, &failed)
	if err != nil {
		return "", s.storageErr("analysis status", err)
	}
	switch {
	case done > 0:
		return conversation.AnalysisDone, nil
	case failed > 0:
		return conversation.AnalysisFailed, nil
	default:
		return conversation.AnalysisPending, nil
	}
}

func (s *Store) listIDs(ctx context.Context, op, query string, limit int) ([]conversation.TurnID, error) {
	rows, err := s.db.QueryContext(ctx, query, sqlLimit(limit))
	if err != nil {
		return nil, s.storageErr(op, err)
	}
	defer rows.Close()

	var ids []conversation.TurnID
	for rows.Next() {
		var id conversation.TurnID
		if err := rows.Scan(&id.Date, &id.Seq); err != nil {
			return nil, s.storageErr(op, err)
		}
		ids = append(ids, id)
	}
	return ids, s.storageErr(op, rows.Err())
}

// ListUnanalyzed implements conversation.Store.
func (s *Store) ListUnanalyzed(ctx context.Context, limit int) ([]conversation.TurnID, error) {
	return s.listIDs(ctx, "list unanalyzed", `
		SELECT t.date, t.seq FROM turns t
		LEFT JOIN insights i ON i.date = t.date AND i.seq = t.seq
		LEFT JOIN analysis_failures f ON f.date = t.date AND f.seq = t.seq
		WHERE i.date IS NULL AND f.date IS NULL
		ORDER BY t.date, t.seq LIMIT ?`, limit)
}

// ListFailed implements conversation.Store.
func (s *Store) ListFailed(ctx context.Context, limit int) ([]conversation.TurnID, error) {
	return s.listIDs(ctx, "list failed", `
		SELECT f.date, f.seq FROM analysis_failures f
		LEFT JOIN insights i ON i.date = f.date AND i.seq = f.seq
		WHERE i.date IS NULL
		ORDER BY f.date, f.seq LIMIT ?`, limit)
}

// Count implements conversation.Store.
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM turns`).Scan(&n)
	return n, s.storageErr("count", err)
}

// Audio returns a stored audio blob by its reference.
func (s *Store) Audio(ctx context.Context, ref string) (conversation.Audio, error) {
	id, kind, err := parseAudioRef(ref)
	if err != nil {
		return conversation.Audio{}, err
	}
	var a conversation.Audio
	err = s.db.QueryRowContext(ctx,
		`SELECT encoding, sample_rate, data FROM turn_audio WHERE date = ? AND seq = ? AND kind = ?`,
		id.Date, id.Seq, kind).Scan(&a.Encoding, &a.SampleRate, &a.Data)
	if errors.Is(err, sql.ErrNoRows) {
		return conversation.Audio{}, fmt.Errorf("%w: %s", conversation.ErrTurnNotFound, ref)
	}
	return a, s.storageErr("load audio", err)
}

// Close implements conversation.Store.
func (s *Store) Close() error {
	return s.db.Close()
}

func audioRef(id conversation.TurnID, kind, encoding string) string {
	return fmt.Sprintf("%s%s/%s.%s", refPrefix, id, kind, encodingOrDefault(encoding))
}

func parseAudioRef(ref string) (conversation.TurnID, string, error) {
	rest, ok := strings.CutPrefix(ref, refPrefix)
	if !ok {
		return conversation.TurnID{}, "", fmt.Errorf("sqlitestore: not a sqlite audio reference: %q", ref)
	}
	idStr, file, ok := strings.Cut(rest, "/")
	if !ok {
		return conversation.TurnID{}, "", fmt.Errorf("sqlitestore: malformed audio reference: %q", ref)
	}
	id, err := conversation.ParseTurnID(idStr)
	if err != nil {
		return conversation.TurnID{}, "", err
	}
	kind, _, _ := strings.Cut(file, ".")
	return id, kind, nil
}

func encodingOrDefault(enc string) string {
	enc = strings.TrimPrefix(strings.ToLower(enc), ".")
	if enc == "" {
		return "wav"
	}
	return enc
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func sqlLimit(limit int) int {
	if limit <= 0 {
		return -1
	}
	return limit
}

// Verify Store implements conversation.Store at compile time.
var _ conversation.Store = (*Store)(nil)
