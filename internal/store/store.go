// Package store implements the Session Store: an append-only JSONL
// transcript per session, a JSON metadata index guarded by a cross-process
// advisory lock, and a flat attachment blob directory.
//
// The on-disk layout and the atomic-write-via-temp-file-then-rename pattern
// for the metadata index are adapted from internal/storage's one-file-per-key
// JSON store; the per-session transcript is new (append-only JSONL rather
// than one whole-object file) since this store's callers incrementally
// append to a single growing log instead of overwriting a snapshot.
package store

import (
	"bufio"
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/opencode-ai/opencode/internal/logging"
	"github.com/opencode-ai/opencode/pkg/model"
)

var ErrNotFound = errors.New("store: session not found")

var validSessionID = regexp.MustCompile(`^[A-Za-z0-9-]{1,99}$`)

// ValidSessionID reports whether id meets the boundary rule from the
// testable-properties list: matches ^[A-Za-z0-9-]{1,99}$.
func ValidSessionID(id string) bool {
	return validSessionID.MatchString(id)
}

// Store is the Session Store. One instance owns one user-data directory.
type Store struct {
	baseDir string

	mu    sync.Mutex // serializes in-process metadata-index access
	index []*model.SessionMeta
}

// New opens a store rooted at baseDir, creating the directory tree if
// absent, and loads the metadata index.
func New(baseDir string) (*Store, error) {
	for _, sub := range []string{"", "sessions", "attachments"} {
		if err := os.MkdirAll(filepath.Join(baseDir, sub), 0755); err != nil {
			return nil, fmt.Errorf("store: create %s: %w", sub, err)
		}
	}
	s := &Store{baseDir: baseDir}
	if err := s.loadIndex(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) metadataPath() string { return filepath.Join(s.baseDir, "sessions.json") }
func (s *Store) lockPath() string     { return filepath.Join(s.baseDir, "sessions.lock") }
func (s *Store) transcriptPath(id string) string {
	return filepath.Join(s.baseDir, "sessions", id+".jsonl")
}
func (s *Store) attachmentDir(sessionID string) string {
	return filepath.Join(s.baseDir, "attachments", sessionID)
}

// loadIndex reads sessions.json into memory. A missing or corrupt file is
// survivable: start from an empty index and log.
func (s *Store) loadIndex() error {
	data, err := os.ReadFile(s.metadataPath())
	if err != nil {
		if os.IsNotExist(err) {
			s.index = nil
			return nil
		}
		return fmt.Errorf("store: read metadata index: %w", err)
	}
	var records []*model.SessionMeta
	if err := json.Unmarshal(data, &records); err != nil {
		logging.Warn().Err(err).Msg("store: metadata index corrupt, starting empty")
		s.index = nil
		return nil
	}
	s.index = records
	return nil
}

// writeIndexLocked atomically writes the in-memory index to disk. Caller
// must hold s.mu and the directory lock.
func (s *Store) writeIndexLocked() error {
	data, err := json.MarshalIndent(s.index, "", "  ")
	if err != nil {
		return fmt.Errorf("store: marshal metadata index: %w", err)
	}
	path := s.metadataPath()
	if err := ensureDir(path); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("store: write temp metadata index: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("store: rename metadata index: %w", err)
	}
	return nil
}

// ListSessions returns all session metadata ordered by last-active-at
// descending.
func (s *Store) ListSessions(ctx context.Context) []*model.SessionMeta {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*model.SessionMeta, len(s.index))
	copy(out, s.index)
	sort.Slice(out, func(i, j int) bool { return out[i].LastActiveAt > out[j].LastActiveAt })
	return out
}

// ListByWorkspace filters ListSessions to one workspace directory.
func (s *Store) ListByWorkspace(ctx context.Context, dir string) []*model.SessionMeta {
	var out []*model.SessionMeta
	for _, m := range s.ListSessions(ctx) {
		if m.WorkspaceDir == dir {
			out = append(out, m)
		}
	}
	return out
}

// CreateSession allocates a fresh session id and persists its metadata
// record immediately.
func (s *Store) CreateSession(ctx context.Context, workspaceDir string) (*model.SessionMeta, error) {
	id := ulid.Make().String()
	now := time.Now().UnixMilli()
	meta := &model.SessionMeta{
		ID:            id,
		WorkspaceDir:  workspaceDir,
		CreatedAt:     now,
		LastActiveAt:  now,
	}
	if err := s.upsertMetadata(ctx, meta); err != nil {
		return nil, err
	}
	return meta, nil
}

// GetMetadata returns the in-memory copy of one session's metadata.
func (s *Store) GetMetadata(ctx context.Context, id string) (*model.SessionMeta, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range s.index {
		if m.ID == id {
			cp := *m
			return &cp, true
		}
	}
	return nil, false
}

// UpdateMetadata applies patch to the record for id under the cross-process
// lock, using the TOCTOU-free pattern: acquire lock, reload index from
// disk, apply patch, write, release.
func (s *Store) UpdateMetadata(ctx context.Context, id string, patch func(*model.SessionMeta)) error {
	if !ValidSessionID(id) {
		return fmt.Errorf("store: invalid session id %q", id)
	}
	return withLock(s.lockPath(), func() error {
		s.mu.Lock()
		defer s.mu.Unlock()

		if err := s.loadIndex(); err != nil {
			return err
		}
		found := false
		for _, m := range s.index {
			if m.ID == id {
				patch(m)
				found = true
				break
			}
		}
		if !found {
			return ErrNotFound
		}
		return s.writeIndexLocked()
	})
}

// upsertMetadata inserts or replaces a record under lock.
func (s *Store) upsertMetadata(ctx context.Context, meta *model.SessionMeta) error {
	if !ValidSessionID(meta.ID) {
		return fmt.Errorf("store: invalid session id %q", meta.ID)
	}
	return withLock(s.lockPath(), func() error {
		s.mu.Lock()
		defer s.mu.Unlock()

		if err := s.loadIndex(); err != nil {
			return err
		}
		for i, m := range s.index {
			if m.ID == meta.ID {
				s.index[i] = meta
				return s.writeIndexLocked()
			}
		}
		s.index = append(s.index, meta)
		return s.writeIndexLocked()
	})
}

// DeleteSession removes the index entry under lock, then removes the
// transcript file.
func (s *Store) DeleteSession(ctx context.Context, id string) error {
	err := withLock(s.lockPath(), func() error {
		s.mu.Lock()
		defer s.mu.Unlock()

		if err := s.loadIndex(); err != nil {
			return err
		}
		kept := s.index[:0]
		for _, m := range s.index {
			if m.ID != id {
				kept = append(kept, m)
			}
		}
		s.index = kept
		return s.writeIndexLocked()
	})
	if err != nil {
		return err
	}
	if rmErr := os.Remove(s.transcriptPath(id)); rmErr != nil && !os.IsNotExist(rmErr) {
		logging.Warn().Err(rmErr).Str("sessionID", id).Msg("store: failed to remove transcript")
	}
	return nil
}

// LoadTranscript reads a session's transcript, tolerating per-line parse
// errors by skipping the bad line and logging a warning. A missing file or
// a whole-file parse failure both return an empty slice, not an error.
func (s *Store) LoadTranscript(ctx context.Context, id string) []*model.StoredMessage {
	f, err := os.Open(s.transcriptPath(id))
	if err != nil {
		if !os.IsNotExist(err) {
			logging.Warn().Err(err).Str("sessionID", id).Msg("store: failed to open transcript")
		}
		return nil
	}
	defer f.Close()

	var messages []*model.StoredMessage
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var raw struct {
			model.StoredMessage
			Content json.RawMessage `json:"content,omitempty"`
		}
		if err := json.Unmarshal(line, &raw); err != nil {
			logging.Warn().Err(err).Str("sessionID", id).Int("line", lineNo).Msg("store: skipping corrupt transcript line")
			continue
		}
		msg := raw.StoredMessage
		if len(raw.Content) > 0 {
			blocks, errs := model.UnmarshalContent(raw.Content)
			for _, e := range errs {
				logging.Warn().Err(e).Str("sessionID", id).Int("line", lineNo).Msg("store: dropping unparsable content block")
			}
			msg.Content = blocks
		}
		messages = append(messages, &msg)
	}
	if err := scanner.Err(); err != nil {
		logging.Warn().Err(err).Str("sessionID", id).Msg("store: transcript scan error")
	}
	return messages
}

// cachedLineCount counts lines in the transcript file without parsing them,
// used by AppendMessages to compute the new tail without re-reading the
// full parsed history.
func (s *Store) cachedLineCount(id string) int {
	f, err := os.Open(s.transcriptPath(id))
	if err != nil {
		return 0
	}
	defer f.Close()
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
	n := 0
	for scanner.Scan() {
		n++
	}
	return n
}

// AppendMessages diffs full against the transcript's current line count and
// appends only the new tail in one write, then merges the tail's usage
// stats into the metadata record under lock. This is the only way messages
// are persisted; callers always pass the full in-memory list.
func (s *Store) AppendMessages(ctx context.Context, id string, full []*model.StoredMessage) error {
	if !ValidSessionID(id) {
		return fmt.Errorf("store: invalid session id %q", id)
	}
	existing := s.cachedLineCount(id)
	if existing >= len(full) {
		return nil
	}
	tail := full[existing:]

	path := s.transcriptPath(id)
	if err := ensureDir(path); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("store: open transcript for append: %w", err)
	}
	defer f.Close()

	var buf bytes.Buffer
	for _, msg := range tail {
		line, err := marshalStoredMessage(msg)
		if err != nil {
			return fmt.Errorf("store: marshal message %d: %w", msg.ID, err)
		}
		buf.Write(line)
		buf.WriteByte('\n')
	}
	if _, err := f.Write(buf.Bytes()); err != nil {
		return fmt.Errorf("store: append transcript: %w", err)
	}

	stats := sumUsage(tail)
	return s.UpdateMetadata(ctx, id, func(m *model.SessionMeta) {
		m.Usage.Add(stats)
		m.TranscriptLines = len(full)
		m.LastActiveAt = time.Now().UnixMilli()
	})
}

func marshalStoredMessage(msg *model.StoredMessage) ([]byte, error) {
	type alias model.StoredMessage
	wire := struct {
		*alias
		Content json.RawMessage `json:"content,omitempty"`
	}{alias: (*alias)(msg)}
	if len(msg.Content) > 0 {
		raw, err := model.MarshalContent(msg.Content)
		if err != nil {
			return nil, err
		}
		wire.Content = raw
	}
	return json.Marshal(wire)
}

// sumUsage finds the last message in tail carrying turn usage (there is at
// most one — the final assistant message of a turn) and returns it, or nil.
func sumUsage(tail []*model.StoredMessage) *model.TurnUsage {
	for i := len(tail) - 1; i >= 0; i-- {
		if tail[i].Usage != nil {
			return tail[i].Usage
		}
	}
	return nil
}

// SaveAttachment decodes base64 data and writes it under the session's
// attachment directory, returning the path relative to the store root.
func (s *Store) SaveAttachment(ctx context.Context, sessionID, attachmentID, mimeType, base64Data string) (model.Attachment, error) {
	data, err := base64.StdEncoding.DecodeString(base64Data)
	if err != nil {
		return model.Attachment{}, fmt.Errorf("store: decode attachment: %w", err)
	}
	dir := s.attachmentDir(sessionID)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return model.Attachment{}, fmt.Errorf("store: create attachment dir: %w", err)
	}
	ext := extensionForMime(mimeType)
	relPath := filepath.Join("attachments", sessionID, attachmentID+ext)
	fullPath := filepath.Join(s.baseDir, relPath)
	if err := os.WriteFile(fullPath, data, 0644); err != nil {
		return model.Attachment{}, fmt.Errorf("store: write attachment: %w", err)
	}
	return model.Attachment{ID: attachmentID, MimeType: mimeType, Path: relPath}, nil
}

// GetAttachmentDataURL reads an attachment back and returns it as a
// data: URL, the inverse of SaveAttachment.
func (s *Store) GetAttachmentDataURL(ctx context.Context, att model.Attachment) (string, error) {
	data, err := os.ReadFile(filepath.Join(s.baseDir, att.Path))
	if err != nil {
		return "", fmt.Errorf("store: read attachment: %w", err)
	}
	encoded := base64.StdEncoding.EncodeToString(data)
	return fmt.Sprintf("data:%s;base64,%s", att.MimeType, encoded), nil
}

func extensionForMime(mime string) string {
	switch mime {
	case "image/png":
		return ".png"
	case "image/jpeg":
		return ".jpg"
	case "image/webp":
		return ".webp"
	case "image/gif":
		return ".gif"
	default:
		return ".bin"
	}
}
