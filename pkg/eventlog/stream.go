package eventlog

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// stream is the append state for one session's log file. All fields are
// guarded by mu; appends to the same session serialize here, which is
// what keeps on-disk order identical to logical order.
type stream struct {
	sessionID string
	path      string

	mu      sync.Mutex
	file    *os.File
	size    int64
	seq     uint64
	index   []indexEntry
	pending []pendingEvent
	timer   *time.Timer
}

// pendingEvent is a published event waiting in the write buffer.
type pendingEvent struct {
	event *Event
	line  []byte
}

// openStream opens or creates the log file for a session and rebuilds
// the in-memory index with one sequential scan. Corrupted lines are
// skipped and logged; the events around them stay replayable.
func openStream(dir, sessionID string) (*stream, error) {
	if err := validateStreamID(sessionID); err != nil {
		return nil, err
	}
	s := &stream{
		sessionID: sessionID,
		path:      filepath.Join(dir, sessionID+".jsonl"),
	}
	if err := s.ensureOpen(); err != nil {
		return nil, err
	}
	if err := s.rebuildIndex(); err != nil {
		_ = s.file.Close()
		return nil, err
	}
	return s, nil
}

// ensureOpen opens the backing file when needed. Compaction removes
// empty files, so a stream can outlive its file.
func (s *stream) ensureOpen() error {
	if s.file != nil {
		return nil
	}
	file, err := os.OpenFile(s.path, os.O_CREATE|os.O_RDWR, 0600) // #nosec G304 - stream ID validated to prevent traversal
	if err != nil {
		return fmt.Errorf("open event log %s: %w", s.sessionID, err)
	}
	info, err := file.Stat()
	if err != nil {
		_ = file.Close()
		return fmt.Errorf("stat event log %s: %w", s.sessionID, err)
	}
	s.file = file
	s.size = info.Size()
	return nil
}

// rebuildIndex scans the whole file once, recording the byte range and
// filter fields of every decodable event.
func (s *stream) rebuildIndex() error {
	if _, err := s.file.Seek(0, 0); err != nil {
		return fmt.Errorf("seek event log %s: %w", s.sessionID, err)
	}
	s.index = s.index[:0]
	var offset int64
	scanner := bufio.NewScanner(s.file)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		length := len(line) + 1 // trailing newline
		var e Event
		if err := json.Unmarshal(line, &e); err != nil {
			log.Printf("[EventLog] Skipping corrupted event at offset %d in %s: %v", offset, s.sessionID, err)
			offset += int64(length)
			continue
		}
		s.index = append(s.index, indexEntry{
			id:        e.ID,
			sequence:  e.Sequence,
			timestamp: e.Timestamp,
			priority:  e.Priority,
			eventType: e.Type,
			offset:    offset,
			length:    length,
		})
		if e.Sequence > s.seq {
			s.seq = e.Sequence
		}
		offset += int64(length)
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("scan event log %s: %w", s.sessionID, err)
	}
	return nil
}

// append stamps the event with the next sequence number and buffers its
// encoded line. The caller decides when to flush.
func (s *stream) append(e *Event) (buffered int, err error) {
	s.seq++
	e.Sequence = s.seq
	line, err := json.Marshal(e)
	if err != nil {
		s.seq--
		return 0, fmt.Errorf("marshal event: %w", err)
	}
	s.pending = append(s.pending, pendingEvent{event: e, line: append(line, '\n')})
	return len(s.pending), nil
}

// flushLocked writes all buffered events to the file in one write and
// extends the index. Caller holds mu.
func (s *stream) flushLocked() error {
	if len(s.pending) == 0 {
		return nil
	}
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	if err := s.ensureOpen(); err != nil {
		return err
	}

	var buf []byte
	for _, p := range s.pending {
		buf = append(buf, p.line...)
	}
	if _, err := s.file.WriteAt(buf, s.size); err != nil {
		return fmt.Errorf("append events for %s: %w", s.sessionID, err)
	}

	offset := s.size
	for _, p := range s.pending {
		s.index = append(s.index, indexEntry{
			id:        p.event.ID,
			sequence:  p.event.Sequence,
			timestamp: p.event.Timestamp,
			priority:  p.event.Priority,
			eventType: p.event.Type,
			offset:    offset,
			length:    len(p.line),
		})
		offset += int64(len(p.line))
	}
	s.size = offset
	s.pending = s.pending[:0]
	return nil
}

// readRange decodes the events stored at the given index entries. The
// entries must be sorted by offset, which append order guarantees.
func (s *stream) readRange(entries []indexEntry) ([]*Event, error) {
	if len(entries) == 0 {
		return []*Event{}, nil
	}
	if err := s.ensureOpen(); err != nil {
		return nil, err
	}

	out := make([]*Event, 0, len(entries))
	for _, entry := range entries {
		buf := make([]byte, entry.length)
		if _, err := s.file.ReadAt(buf, entry.offset); err != nil {
			return nil, fmt.Errorf("read event %s in %s: %w", entry.id, s.sessionID, err)
		}
		var e Event
		if err := json.Unmarshal(buf[:entry.length-1], &e); err != nil {
			return nil, fmt.Errorf("decode event %s in %s: %w", entry.id, s.sessionID, err)
		}
		out = append(out, &e)
	}
	return out, nil
}

// compact drops events older than cutoff. Survivors are rewritten to a
// temp file that atomically replaces the log; an emptied log is removed
// outright. Returns how many events were dropped.
func (s *stream) compact(cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.flushLocked(); err != nil {
		return 0, err
	}

	survivors := make([]indexEntry, 0, len(s.index))
	for _, entry := range s.index {
		if entry.timestamp.After(cutoff) {
			survivors = append(survivors, entry)
		}
	}
	dropped := len(s.index) - len(survivors)
	if dropped == 0 {
		return 0, nil
	}

	if len(survivors) == 0 {
		if err := s.closeFileLocked(); err != nil {
			return 0, err
		}
		if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
			return 0, fmt.Errorf("remove emptied event log %s: %w", s.sessionID, err)
		}
		s.index = s.index[:0]
		return dropped, nil
	}

	var buf []byte
	for _, entry := range survivors {
		chunk := make([]byte, entry.length)
		if _, err := s.file.ReadAt(chunk, entry.offset); err != nil {
			return 0, fmt.Errorf("read survivor %s in %s: %w", entry.id, s.sessionID, err)
		}
		buf = append(buf, chunk...)
	}

	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".compact-*")
	if err != nil {
		return 0, fmt.Errorf("create compaction file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(buf); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return 0, fmt.Errorf("write compaction file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return 0, fmt.Errorf("close compaction file: %w", err)
	}
	if err := os.Chmod(tmpName, 0600); err != nil {
		_ = os.Remove(tmpName)
		return 0, fmt.Errorf("chmod compaction file: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		_ = os.Remove(tmpName)
		return 0, fmt.Errorf("replace event log %s: %w", s.sessionID, err)
	}

	// The old handle still points at the replaced inode; reopen.
	if err := s.closeFileLocked(); err != nil {
		return 0, err
	}
	if err := s.ensureOpen(); err != nil {
		return 0, err
	}

	var offset int64
	for i := range survivors {
		survivors[i].offset = offset
		offset += int64(survivors[i].length)
	}
	s.index = survivors
	return dropped, nil
}

// close flushes remaining buffered events and releases the file handle.
func (s *stream) close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.flushLocked(); err != nil {
		return err
	}
	return s.closeFileLocked()
}

func (s *stream) closeFileLocked() error {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file = nil
	s.size = 0
	if err != nil {
		return fmt.Errorf("close event log %s: %w", s.sessionID, err)
	}
	return nil
}
