package audit

import (
	"bufio"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

const (
	// GenesisHash is the HashPrev of the first event in a log.
	GenesisHash = "sha256:genesis"

	// HashPrefix is prepended to all hash values.
	HashPrefix = "sha256:"

	maxLine = 1 << 20
)

// ErrClosed is returned by Write after Close.
var ErrClosed = errors.New("audit log closed")

// FileWriter writes audit events to a JSONL file with hash chaining.
type FileWriter struct {
	mu       sync.Mutex
	file     *os.File
	lastHash string
	path     string
}

var _ Writer = (*FileWriter)(nil)

// NewFileWriter opens path for appending. An existing log is continued
// from its last hash.
func NewFileWriter(path string) (*FileWriter, error) {
	lastHash := GenesisHash
	if f, err := os.Open(path); err == nil {
		hash, err := readLastHash(f)
		_ = f.Close()
		if err != nil {
			return nil, fmt.Errorf("failed to read last hash from existing log: %w", err)
		}
		lastHash = hash
	} else if !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to open audit log: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("failed to create audit log directory: %w", err)
	}
	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit log: %w", err)
	}

	return &FileWriter{
		file:     file,
		lastHash: lastHash,
		path:     path,
	}, nil
}

// readLastHash returns the hash of the last event in a JSONL log.
func readLastHash(r io.Reader) (string, error) {
	var lastLine string
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxLine)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line != "" {
			lastLine = line
		}
	}
	if err := scanner.Err(); err != nil {
		return "", err
	}

	if lastLine == "" {
		return GenesisHash, nil
	}

	var event struct {
		Hash string `json:"hash"`
	}
	if err := json.Unmarshal([]byte(lastLine), &event); err != nil {
		return "", fmt.Errorf("failed to parse last event: %w", err)
	}

	if event.Hash == "" {
		return "", fmt.Errorf("last event has no hash")
	}

	return event.Hash, nil
}

// Write logs an audit event with hash chaining.
func (w *FileWriter) Write(event *Event) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.file == nil {
		return ErrClosed
	}
	if err := event.Validate(); err != nil {
		return fmt.Errorf("invalid event: %w", err)
	}

	event.HashPrev = w.lastHash
	canonical, err := event.CanonicalJSON()
	if err != nil {
		return fmt.Errorf("failed to serialize event: %w", err)
	}

	hash := calculateHash(canonical, w.lastHash)
	event.Hash = hash

	eventJSON, err := event.JSON()
	if err != nil {
		return fmt.Errorf("failed to serialize event: %w", err)
	}

	if _, err := w.file.Write(append(eventJSON, '\n')); err != nil {
		return fmt.Errorf("failed to write event: %w", err)
	}

	if err := w.file.Sync(); err != nil {
		return fmt.Errorf("failed to sync audit log: %w", err)
	}

	w.lastHash = hash

	return nil
}

// Close closes the audit log file.
func (w *FileWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.file == nil {
		return nil
	}
	f := w.file
	w.file = nil
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

// LastHash returns the hash of the last written event.
func (w *FileWriter) LastHash() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastHash
}

// Path returns the file path of the audit log.
func (w *FileWriter) Path() string {
	return w.path
}

// calculateHash computes SHA256(data || prevHash).
func calculateHash(data []byte, prevHash string) string {
	h := sha256.New()
	_, _ = h.Write(data)
	_, _ = h.Write([]byte(prevHash))
	return HashPrefix + hex.EncodeToString(h.Sum(nil))
}

// VerifyChain checks the hash chain of the log at path and returns the
// number of valid events before the first broken one.
func VerifyChain(path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("failed to read audit log: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), maxLine)
	valid := 0
	expectedPrevHash := GenesisHash
	lineNum := 0

	for scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		var event Event
		if err := json.Unmarshal([]byte(line), &event); err != nil {
			return valid, fmt.Errorf("line %d: invalid JSON: %w", lineNum, err)
		}

		if event.HashPrev != expectedPrevHash {
			return valid, fmt.Errorf("line %d: hash chain broken: expected prev=%s, got prev=%s",
				lineNum, expectedPrevHash, event.HashPrev)
		}

		canonical, err := event.CanonicalJSON()
		if err != nil {
			return valid, fmt.Errorf("line %d: failed to serialize: %w", lineNum, err)
		}

		calculatedHash := calculateHash(canonical, event.HashPrev)
		if event.Hash != calculatedHash {
			return valid, fmt.Errorf("line %d: hash mismatch: expected=%s, got=%s",
				lineNum, calculatedHash, event.Hash)
		}

		expectedPrevHash = event.Hash
		valid++
	}

	if err := scanner.Err(); err != nil {
		return valid, fmt.Errorf("scan error: %w", err)
	}
	return valid, nil
}
