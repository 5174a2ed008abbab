package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
)

// GenesisHash links the first event of a journal.
const GenesisHash = "sha256:0000000000000000000000000000000000000000000000000000000000000000"

// ErrCorruptJournal is returned when the last journal line cannot be parsed,
// so the chain cannot be extended safely.
var ErrCorruptJournal = errors.New("audit: journal tail is corrupt")

// tailChunk is how far OpenJournal reads backwards per step looking for the
// last event line.
const tailChunk = 8 * 1024

// Journal is a Sink that appends every audit event as one JSON line. Each
// line carries its sequence number and the digest of the line before it,
// so a removed, reordered or edited event breaks the chain.
type Journal struct {
	mu   sync.Mutex
	path string
	file *os.File
	seq  uint64
	last string
}

// OpenJournal opens or creates the journal at path and resumes the chain
// from the last recorded event.
func OpenJournal(path string) (*Journal, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("audit: journal directory: %w", err)
	}
	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0o600)
	if err != nil {
		return nil, fmt.Errorf("audit: open journal: %w", err)
	}

	j := &Journal{path: path, file: file, last: GenesisHash}
	tail, err := readTail(file)
	if err != nil {
		file.Close()
		return nil, err
	}
	if len(tail) > 0 {
		var prev JournalEntry
		if err := json.Unmarshal(tail, &prev); err != nil {
			file.Close()
			return nil, fmt.Errorf("%w: %v", ErrCorruptJournal, err)
		}
		j.seq = prev.Seq
		j.last = HashLine(tail)
	}
	return j, nil
}

// readTail returns the last non-empty line of f without scanning the whole
// file.
func readTail(f *os.File) ([]byte, error) {
	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("audit: stat journal: %w", err)
	}
	end := info.Size()
	var buf []byte
	for off := end; off > 0; {
		n := int64(tailChunk)
		if off < n {
			n = off
		}
		off -= n
		chunk := make([]byte, n)
		if _, err := f.ReadAt(chunk, off); err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("audit: read journal tail: %w", err)
		}
		buf = append(chunk, buf...)

		trimmed := trimNewlines(buf)
		if i := lastNewline(trimmed); i >= 0 {
			return trimmed[i+1:], nil
		}
		if off == 0 {
			return trimmed, nil
		}
	}
	return nil, nil
}

func trimNewlines(b []byte) []byte {
	for len(b) > 0 && (b[len(b)-1] == '\n' || b[len(b)-1] == '\r') {
		b = b[:len(b)-1]
	}
	return b
}

func lastNewline(b []byte) int {
	for i := len(b) - 1; i >= 0; i-- {
		if b[i] == '\n' {
			return i
		}
	}
	return -1
}

// Name implements Sink.
func (j *Journal) Name() string { return "journal" }

// Path returns the journal file path.
func (j *Journal) Path() string { return j.path }

// Seq returns the sequence number of the last written event.
func (j *Journal) Seq() uint64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.seq
}

// Write implements Sink. The line is synced before Write returns.
func (j *Journal) Write(ctx context.Context, ev *Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	entry := entryFromEvent(ev)

	j.mu.Lock()
	defer j.mu.Unlock()

	entry.Seq = j.seq + 1
	entry.PrevHash = j.last
	line, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("audit: encode event %s: %w", ev.ID, err)
	}
	if _, err := j.file.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("audit: append event %s: %w", ev.ID, err)
	}
	if err := j.file.Sync(); err != nil {
		return fmt.Errorf("audit: sync journal: %w", err)
	}
	j.seq = entry.Seq
	j.last = HashLine(line)
	return nil
}

// Close implements Sink.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.file.Close()
}

// HashLine returns the "sha256:<hex>" digest of one journal line.
func HashLine(line []byte) string {
	sum := sha256.Sum256(line)
	return "sha256:" + hex.EncodeToString(sum[:])
}
