package conversation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// File names inside a turn directory.
const (
	UserAudioFile   = "audio.wav"
	TranscriptFile  = "transcript.txt"
	MetadataFile    = "metadata.json"
	InsightFile     = "insights.json"
	FailureFile     = "analysis_failed.json"
	responseFileFmt = "response.%s"

	stagingDir = ".staging"
	turnPrefix = "conv_"
)

// FileStore implements Store on a directory tree:
//
//	<root>/<YYYYMMDD>/conv_<NNNN>_<HHMMSS>/{audio.wav,response.*,transcript.txt,metadata.json,insights.json}
//
// A turn directory is assembled under <root>/.staging and published with
// a single rename, so enumeration only ever sees complete turns.
type FileStore struct {
	root    string
	staging string
	logger  *slog.Logger
	now     func() time.Time

	// mu serializes id allocation and publication.
	mu     sync.Mutex
	last   map[string]int // date -> highest published sequence
	closed bool
}

// FileOption configures a FileStore.
type FileOption func(*FileStore)

// WithClock overrides the clock used for date partitioning.
func WithClock(now func() time.Time) FileOption {
	return func(s *FileStore) { s.now = now }
}

// WithFileLogger sets the structured logger.
func WithFileLogger(logger *slog.Logger) FileOption {
	return func(s *FileStore) { s.logger = logger }
}

// NewFileStore opens (creating if needed) a store rooted at dir.
// Leftover staging directories from interrupted writes are removed.
func NewFileStore(dir string, opts ...FileOption) (*FileStore, error) {
	s := &FileStore{
		root:    dir,
		staging: filepath.Join(dir, stagingDir),
		logger:  slog.Default(),
		now:     time.Now,
		last:    make(map[string]int),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "conversation.filestore")

	if err := os.MkdirAll(s.root, 0755); err != nil {
		return nil, storageErr("open", s.root, err)
	}
	if err := os.RemoveAll(s.staging); err != nil {
		return nil, storageErr("clean staging", s.staging, err)
	}
	if err := os.MkdirAll(s.staging, 0755); err != nil {
		return nil, storageErr("open", s.staging, err)
	}
	return s, nil
}

// Root returns the store directory.
func (s *FileStore) Root() string {
	return s.root
}

// Persist implements Store.
func (s *FileStore) Persist(ctx context.Context, draft *TurnDraft) (TurnID, error) {
	if err := draft.Validate(); err != nil {
		return TurnID{}, err
	}
	if err := ctx.Err(); err != nil {
		return TurnID{}, err
	}

	stage := filepath.Join(s.staging, uuid.NewString())
	if err := os.Mkdir(stage, 0755); err != nil {
		return TurnID{}, storageErr("stage", stage, err)
	}
	published := false
	defer func() {
		if !published {
			os.RemoveAll(stage)
		}
	}()

	// Audio is written before taking the lock; it is the bulk of the data.
	if !draft.UserAudio.Empty() {
		if err := writeFileSync(filepath.Join(stage, UserAudioFile), draft.UserAudio.Data, 0644); err != nil {
			return TurnID{}, storageErr("write audio", stage, err)
		}
	}
	responseName := ""
	if !draft.ResponseAudio.Empty() {
		responseName = fmt.Sprintf(responseFileFmt, encodingOrDefault(draft.ResponseAudio.Encoding))
		if err := writeFileSync(filepath.Join(stage, responseName), draft.ResponseAudio.Data, 0644); err != nil {
			return TurnID{}, storageErr("write response audio", stage, err)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return TurnID{}, ErrClosed
	}

	now := s.now()
	date := now.Format(DateLayout)
	last, err := s.lastSeq(date)
	if err != nil {
		return TurnID{}, err
	}
	id := TurnID{Date: date, Seq: last + 1}
	dirName := fmt.Sprintf("%s%04d_%s", turnPrefix, id.Seq, now.Format("150405"))
	rel := filepath.ToSlash(filepath.Join(date, dirName))

	turn := &Turn{
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
		turn.UserAudioRef = rel + "/" + UserAudioFile
	}
	if responseName != "" {
		turn.ResponseRef = rel + "/" + responseName
	}

	if err := writeFileSync(filepath.Join(stage, TranscriptFile), []byte(TranscriptText(turn)), 0644); err != nil {
		return TurnID{}, storageErr("write transcript", stage, err)
	}
	meta, err := json.MarshalIndent(NewMetadata(turn, rel+"/"+TranscriptFile), "", "  ")
	if err != nil {
		return TurnID{}, fmt.Errorf("conversation: marshal metadata: %w", err)
	}
	if err := writeFileSync(filepath.Join(stage, MetadataFile), meta, 0644); err != nil {
		return TurnID{}, storageErr("write metadata", stage, err)
	}

	dateDir := filepath.Join(s.root, date)
	if err := os.MkdirAll(dateDir, 0755); err != nil {
		return TurnID{}, storageErr("create partition", dateDir, err)
	}
	final := filepath.Join(dateDir, dirName)
	if err := os.Rename(stage, final); err != nil {
		return TurnID{}, storageErr("publish", final, err)
	}
	published = true
	s.last[date] = id.Seq

	s.logger.Debug("turn persisted", "turn_id", id.String(), "dir", rel)
	return id, nil
}

// lastSeq returns the highest published sequence for a date, scanning the
// partition on first use. Callers hold s.mu.
func (s *FileStore) lastSeq(date string) (int, error) {
	if n, ok := s.last[date]; ok {
		return n, nil
	}
	dirs, err := s.turnDirs(date)
	if err != nil {
		return 0, err
	}
	n := 0
	if len(dirs) > 0 {
		n = dirs[len(dirs)-1].seq
	}
	s.last[date] = n
	return n, nil
}

type turnDir struct {
	seq  int
	path string
}

// turnDirs lists the published turn directories of a date, ascending.
func (s *FileStore) turnDirs(date string) ([]turnDir, error) {
	dateDir := filepath.Join(s.root, date)
	entries, err := os.ReadDir(dateDir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, storageErr("list", dateDir, err)
	}

	dirs := make([]turnDir, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		seq, ok := parseTurnDirName(e.Name())
		if !ok {
			continue
		}
		path := filepath.Join(dateDir, e.Name())
		// Directories without metadata were not written by Persist.
		if ok, _ := fileExists(filepath.Join(path, MetadataFile)); !ok {
			continue
		}
		dirs = append(dirs, turnDir{seq: seq, path: path})
	}
	sort.Slice(dirs, func(i, j int) bool { return dirs[i].seq < dirs[j].seq })
	return dirs, nil
}

// parseTurnDirName extracts the sequence from conv_NNNN_HHMMSS.
func parseTurnDirName(name string) (int, bool) {
	rest, ok := strings.CutPrefix(name, turnPrefix)
	if !ok {
		return 0, false
	}
	seqStr, _, _ := strings.Cut(rest, "_")
	seq, err := strconv.Atoi(seqStr)
	if err != nil || seq <= 0 {
		return 0, false
	}
	return seq, true
}

// dirFor locates the directory of a published turn.
func (s *FileStore) dirFor(id TurnID) (string, error) {
	dirs, err := s.turnDirs(id.Date)
	if err != nil {
		return "", err
	}
	for _, d := range dirs {
		if d.seq == id.Seq {
			return d.path, nil
		}
	}
	return "", fmt.Errorf("%w: %s", ErrTurnNotFound, id)
}

// ListDates implements Store.
func (s *FileStore) ListDates(ctx context.Context) ([]string, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, storageErr("list", s.root, err)
	}
	var dates []string
	for _, e := range entries {
		if !e.IsDir() || len(e.Name()) != len(DateLayout) {
			continue
		}
		if _, err := time.Parse(DateLayout, e.Name()); err != nil {
			continue
		}
		dates = append(dates, e.Name())
	}
	sort.Sort(sort.Reverse(sort.StringSlice(dates)))
	return dates, nil
}

// walk visits published turn directories newest first (or oldest first
// when ascending is set) until fn returns false.
func (s *FileStore) walk(ctx context.Context, ascending bool, fn func(TurnID, string) (bool, error)) error {
	dates, err := s.ListDates(ctx)
	if err != nil {
		return err
	}
	if ascending {
		sort.Strings(dates)
	}
	for _, date := range dates {
		dirs, err := s.turnDirs(date)
		if err != nil {
			return err
		}
		for i := range dirs {
			if err := ctx.Err(); err != nil {
				return err
			}
			d := dirs[i]
			if !ascending {
				d = dirs[len(dirs)-1-i]
			}
			more, err := fn(TurnID{Date: date, Seq: d.seq}, d.path)
			if err != nil {
				return err
			}
			if !more {
				return nil
			}
		}
	}
	return nil
}

func (s *FileStore) readTurn(path string) (*Turn, error) {
	data, err := os.ReadFile(filepath.Join(path, MetadataFile))
	if err != nil {
		return nil, storageErr("read metadata", path, err)
	}
	var meta Metadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("conversation: decode metadata %s: %w", path, err)
	}
	return meta.Turn(), nil
}

// Load implements Store.
func (s *FileStore) Load(ctx context.Context, id TurnID) (*Turn, error) {
	path, err := s.dirFor(id)
	if err != nil {
		return nil, err
	}
	return s.readTurn(path)
}

// ListRecent implements Store. A limit of zero or less returns every turn.
func (s *FileStore) ListRecent(ctx context.Context, limit int) ([]*Turn, error) {
	var turns []*Turn
	err := s.walk(ctx, false, func(id TurnID, path string) (bool, error) {
		t, err := s.readTurn(path)
		if err != nil {
			s.logger.Warn("skipping unreadable turn", "turn_id", id.String(), "error", err)
			return true, nil
		}
		turns = append(turns, t)
		return limit <= 0 || len(turns) < limit, nil
	})
	if err != nil {
		return nil, err
	}
	return turns, nil
}

// LoadInsight implements Store.
func (s *FileStore) LoadInsight(ctx context.Context, id TurnID) (*Insight, bool, error) {
	path, err := s.dirFor(id)
	if err != nil {
		return nil, false, err
	}
	data, err := os.ReadFile(filepath.Join(path, InsightFile))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, false, nil
		}
		return nil, false, storageErr("read insight", path, err)
	}
	var ins Insight
	if err := json.Unmarshal(data, &ins); err != nil {
		return nil, false, fmt.Errorf("conversation: decode insight %s: %w", id, err)
	}
	return &ins, true, nil
}

// SaveInsight implements Store.
func (s *FileStore) SaveInsight(ctx context.Context, ins *Insight) error {
	if err := ins.Validate(); err != nil {
		return err
	}
	path, err := s.dirFor(ins.ConversationID)
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(ins, "", "  ")
	if err != nil {
		return fmt.Errorf("conversation: marshal insight: %w", err)
	}
	target := filepath.Join(path, InsightFile)
	if err := createFileAtomic(target, data, 0644); err != nil {
		if errors.Is(err, fs.ErrExist) {
			return fmt.Errorf("%w: %s", ErrInsightExists, ins.ConversationID)
		}
		return storageErr("write insight", target, err)
	}
	return nil
}

// MarkAnalysisFailed implements Store.
func (s *FileStore) MarkAnalysisFailed(ctx context.Context, id TurnID, reason string) error {
	path, err := s.dirFor(id)
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(AnalysisFailure{
		ConversationID: id,
		Reason:         reason,
		FailedAt:       s.now(),
	}, "", "  ")
	if err != nil {
		return fmt.Errorf("conversation: marshal failure marker: %w", err)
	}
	target := filepath.Join(path, FailureFile)
	return storageErr("write failure marker", target, writeFileAtomic(target, data, 0644))
}

// ClearAnalysisFailure implements Store.
func (s *FileStore) ClearAnalysisFailure(ctx context.Context, id TurnID) error {
	path, err := s.dirFor(id)
	if err != nil {
		return err
	}
	target := filepath.Join(path, FailureFile)
	if err := os.Remove(target); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return storageErr("remove failure marker", target, err)
	}
	return nil
}

// AnalysisStatus implements Store.
func (s *FileStore) AnalysisStatus(ctx context.Context, id TurnID) (AnalysisStatus, error) {
	path, err := s.dirFor(id)
	if err != nil {
		return "", err
	}
	return s.statusAt(path)
}

func (s *FileStore) statusAt(path string) (AnalysisStatus, error) {
	done, err := fileExists(filepath.Join(path, InsightFile))
	if err != nil {
		return "", storageErr("stat insight", path, err)
	}
	if done {
		return AnalysisDone, nil
	}
	failed, err := fileExists(filepath.Join(path, FailureFile))
	if err != nil {
		return "", storageErr("stat failure marker", path, err)
	}
	if failed {
		return AnalysisFailed, nil
	}
	return AnalysisPending, nil
}

func (s *FileStore) listByStatus(ctx context.Context, want AnalysisStatus, limit int) ([]TurnID, error) {
	var ids []TurnID
	err := s.walk(ctx, true, func(id TurnID, path string) (bool, error) {
		status, err := s.statusAt(path)
		if err != nil {
			return false, err
		}
		if status == want {
			ids = append(ids, id)
		}
		return limit <= 0 || len(ids) < limit, nil
	})
	return ids, err
}

// ListUnanalyzed implements Store.
func (s *FileStore) ListUnanalyzed(ctx context.Context, limit int) ([]TurnID, error) {
	return s.listByStatus(ctx, AnalysisPending, limit)
}

// ListFailed implements Store.
func (s *FileStore) ListFailed(ctx context.Context, limit int) ([]TurnID, error) {
	return s.listByStatus(ctx, AnalysisFailed, limit)
}

// Count implements Store.
func (s *FileStore) Count(ctx context.Context) (int, error) {
	n := 0
	err := s.walk(ctx, true, func(TurnID, string) (bool, error) {
		n++
		return true, nil
	})
	return n, err
}

// Close implements Store. Further writes fail with ErrClosed.
func (s *FileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func encodingOrDefault(enc string) string {
	enc = strings.TrimPrefix(strings.ToLower(enc), ".")
	if enc == "" {
		return "wav"
	}
	return enc
}

// Verify FileStore implements Store at compile time.
var _ Store = (*FileStore)(nil)
