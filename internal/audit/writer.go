package audit

import "io"

// Writer appends events to an audit log.
//
// Implementations must:
//   - Return an error if the write fails (audit fails = operation fails)
//   - Flush to stable storage before returning from Write
//   - Set the hash chain (HashPrev, Hash)
type Writer interface {
	// Write validates event, chains it to the previous event and persists it.
	Write(event *Event) error

	// Close flushes any pending writes and closes the writer.
	Close() error

	// LastHash returns the hash of the last written event, or GenesisHash.
	LastHash() string
}

// NopWriter discards all events. Used when audit logging is disabled.
type NopWriter struct{}

var _ Writer = NopWriter{}

func (NopWriter) Write(*Event) error { return nil }
func (NopWriter) Close() error       { return nil }
func (NopWriter) LastHash() string   { return GenesisHash }

var _ io.Closer = (Writer)(nil)

// Open returns a FileWriter for path, or a NopWriter when path is empty.
func Open(path string) (Writer, error) {
	if path == "" {
		return NopWriter{}, nil
	}
	return NewFileWriter(path)
}
