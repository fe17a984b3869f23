package activity

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/klauspost/compress/zstd"

	"github.com/KevoDB/dataview/pkg/common/log"
)

const (
	// Record header layout
	// - Checksum (8 bytes, xxhash64 of the compressed payload)
	// - Length (4 bytes)
	headerSize = 12

	// MaxRecordSize bounds a single compressed record
	MaxRecordSize = 1 << 20
)

var (
	ErrCorruptRecord  = errors.New("corrupt activity record")
	ErrJournalClosed  = errors.New("activity journal is closed")
	ErrRecordTooLarge = errors.New("activity record too large")
)

// Journal is an append-only activity file. Each record is a protobuf payload,
// zstd-compressed and framed with its length and checksum.
type Journal struct {
	mu      sync.Mutex
	path    string
	file    *os.File
	writer  *bufio.Writer
	encoder *zstd.Encoder
	syncAll bool
	records uint64
	closed  bool
	logger  log.Logger
}

// JournalOption configures a Journal.
type JournalOption func(*Journal)

// WithSyncEachRecord fsyncs the file after every record.
func WithSyncEachRecord(enabled bool) JournalOption {
	return func(j *Journal) {
		j.syncAll = enabled
	}
}

// WithJournalLogger sets the journal's logger.
func WithJournalLogger(logger log.Logger) JournalOption {
	return func(j *Journal) {
		j.logger = logger
	}
}

// OpenJournal opens path for appending, creating it if needed.
func OpenJournal(path string, opts ...JournalOption) (*Journal, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open activity journal: %w", err)
	}

	encoder, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to create ZSTD encoder: %w", err)
	}

	j := &Journal{
		path:    path,
		file:    file,
		writer:  bufio.NewWriter(file),
		encoder: encoder,
		logger:  log.Component("activity"),
	}
	for _, opt := range opts {
		opt(j)
	}

	j.logger.Debug("Opened activity journal %s", path)
	return j, nil
}

// Emit appends a to the journal and flushes it to the file.
func (j *Journal) Emit(ctx context.Context, a Activity) error {
	payload, err := encodeActivity(a)
	if err != nil {
		return err
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	if j.closed {
		return ErrJournalClosed
	}

	compressed := j.encoder.EncodeAll(payload, nil)
	if len(compressed) > MaxRecordSize {
		return fmt.Errorf("%w: %d bytes", ErrRecordTooLarge, len(compressed))
	}

	var header [headerSize]byte
	binary.LittleEndian.PutUint64(header[0:8], xxhash.Sum64(compressed))
	binary.LittleEndian.PutUint32(header[8:12], uint32(len(compressed)))

	if _, err := j.writer.Write(header[:]); err != nil {
		return fmt.Errorf("failed to write record header: %w", err)
	}
	if _, err := j.writer.Write(compressed); err != nil {
		return fmt.Errorf("failed to write record payload: %w", err)
	}
	if err := j.writer.Flush(); err != nil {
		return fmt.Errorf("failed to flush activity journal: %w", err)
	}
	if j.syncAll {
		if err := j.file.Sync(); err != nil {
			return fmt.Errorf("failed to sync activity journal: %w", err)
		}
	}

	j.records++
	return nil
}

// Records returns the number of records written through this handle.
func (j *Journal) Records() uint64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.records
}

// Path returns the journal file path.
func (j *Journal) Path() string {
	return j.path
}

// Close flushes and closes the journal. Closing twice is a no-op.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.closed {
		return nil
	}
	j.closed = true

	flushErr := j.writer.Flush()
	j.encoder.Close()
	closeErr := j.file.Close()

	return errors.Join(flushErr, closeErr)
}

// ReadJournal replays every record in the file at path. On a corrupt or
// truncated record it returns the records read so far together with an error
// wrapping ErrCorruptRecord.
func ReadJournal(path string) ([]Activity, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open activity journal: %w", err)
	}
	defer file.Close()

	decoder, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create ZSTD decoder: %w", err)
	}
	defer decoder.Close()

	reader := bufio.NewReader(file)
	var activities []Activity
	var header [headerSize]byte

	for offset := int64(0); ; {
		if _, err := io.ReadFull(reader, header[:]); err != nil {
			if errors.Is(err, io.EOF) {
				return activities, nil
			}
			return activities, fmt.Errorf("%w: truncated header at offset %d", ErrCorruptRecord, offset)
		}

		checksum := binary.LittleEndian.Uint64(header[0:8])
		length := binary.LittleEndian.Uint32(header[8:12])
		if length == 0 || length > MaxRecordSize {
			return activities, fmt.Errorf("%w: invalid length %d at offset %d", ErrCorruptRecord, length, offset)
		}

		compressed := make([]byte, length)
		if _, err := io.ReadFull(reader, compressed); err != nil {
			return activities, fmt.Errorf("%w: truncated payload at offset %d", ErrCorruptRecord, offset)
		}
		if xxhash.Sum64(compressed) != checksum {
			return activities, fmt.Errorf("%w: checksum mismatch at offset %d", ErrCorruptRecord, offset)
		}

		payload, err := decoder.DecodeAll(compressed, nil)
		if err != nil {
			return activities, fmt.Errorf("%w: %v", ErrCorruptRecord, err)
		}

		a, err := decodeActivity(payload)
		if err != nil {
			return activities, fmt.Errorf("%w: %v", ErrCorruptRecord, err)
		}
		activities = append(activities, a)
		offset += int64(headerSize) + int64(length)
	}
}
