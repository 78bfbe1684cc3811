package events

import (
	"bufio"
	"bytes"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"
	"github.com/zeebo/blake3"
)

const (
	DefaultMaxLogSize = 100 * 1024 * 1024
	LogFileExtension  = ".jsonl"
	ArchiveDir        = "archive"
	// CompressedExtension is appended to archives written with compression on.
	CompressedExtension = ".zst"
)

// zstd encoders and decoders are safe for concurrent use.
var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("events: zstd encoder initialization failed: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic("events: zstd decoder initialization failed: " + err.Error())
	}
}

// LogEntry is one line of the audit log.
type LogEntry struct {
	Timestamp time.Time              `json:"timestamp"`
	EventType string                 `json:"event_type"`
	EventID   string                 `json:"event_id,omitempty"`
	RunID     string                 `json:"run_id,omitempty"`
	Workspace string                 `json:"workspace,omitempty"`
	Details   map[string]interface{} `json:"details,omitempty"`
	Checksum  string                 `json:"checksum,omitempty"`
}

// AuditLogger appends JSON lines to a file and rotates it into archive/ once
// it would grow past maxSize.
type AuditLogger struct {
	mu                sync.Mutex
	file              *os.File
	currentSize       int64
	maxSize           int64
	logPath           string
	enableChecksum    bool
	enableCompression bool
	rotationCounter   int
	now               func() time.Time
}

func NewAuditLogger(logPath string, maxSize int64) (*AuditLogger, error) {
	if maxSize <= 0 {
		maxSize = DefaultMaxLogSize
	}
	l := &AuditLogger{
		logPath: logPath,
		maxSize: maxSize,
		now:     func() time.Time { return time.Now().UTC() },
	}
	if err := os.MkdirAll(filepath.Dir(logPath), 0755); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}
	if err := l.openLogFile(); err != nil {
		return nil, err
	}
	return l, nil
}

func (l *AuditLogger) openLogFile() error {
	file, err := os.OpenFile(l.logPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	stat, err := file.Stat()
	if err != nil {
		file.Close()
		return fmt.Errorf("stat log file: %w", err)
	}
	l.file = file
	l.currentSize = stat.Size()
	return nil
}

// Log writes an event. run_id and workspace are lifted out of details.
func (l *AuditLogger) Log(eventType string, details map[string]interface{}) error {
	entry := LogEntry{
		EventType: eventType,
		EventID:   uuid.NewString(),
		Details:   details,
	}
	if v, ok := details["run_id"].(string); ok {
		entry.RunID = v
	}
	if v, ok := details["workspace"].(string); ok {
		entry.Workspace = v
	}
	return l.WriteEntry(&entry)
}

func (l *AuditLogger) WriteEntry(entry *LogEntry) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file == nil {
		return fmt.Errorf("audit log %s is closed", l.logPath)
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = l.now()
	}
	if l.enableChecksum {
		sum, err := checksum(*entry)
		if err != nil {
			return err
		}
		entry.Checksum = sum
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal log entry: %w", err)
	}
	data = append(data, '\n')

	if l.currentSize > 0 && l.currentSize+int64(len(data)) > l.maxSize {
		if err := l.rotate(); err != nil {
			return fmt.Errorf("rotate log: %w", err)
		}
	}

	n, err := l.file.Write(data)
	if err != nil {
		return fmt.Errorf("write log entry: %w", err)
	}
	if err := l.file.Sync(); err != nil {
		return fmt.Errorf("sync log file: %w", err)
	}
	l.currentSize += int64(n)
	return nil
}

func (l *AuditLogger) rotate() error {
	if err := l.file.Close(); err != nil {
		return fmt.Errorf("close current log file: %w", err)
	}
	l.file = nil

	archiveDir := filepath.Join(filepath.Dir(l.logPath), ArchiveDir)
	if err := os.MkdirAll(archiveDir, 0755); err != nil {
		return fmt.Errorf("create archive directory: %w", err)
	}

	l.rotationCounter++
	base := strings.TrimSuffix(filepath.Base(l.logPath), LogFileExtension)
	archiveName := fmt.Sprintf("%s.%s.%d%s", base, l.now().Format("20060102_150405"), l.rotationCounter, LogFileExtension)
	archivePath := filepath.Join(archiveDir, archiveName)

	if err := os.Rename(l.logPath, archivePath); err != nil {
		return fmt.Errorf("archive log file: %w", err)
	}
	if l.enableCompression {
		if err := compressArchive(archivePath); err != nil {
			return err
		}
	}
	return l.openLogFile()
}

// compressArchive replaces path with path.zst.
func compressArchive(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read archive: %w", err)
	}
	if err := os.WriteFile(path+CompressedExtension, zstdEncoder.EncodeAll(data, nil), 0644); err != nil {
		return fmt.Errorf("write compressed archive: %w", err)
	}
	if err := os.Remove(path); err != nil {
		return fmt.Errorf("remove uncompressed archive: %w", err)
	}
	return nil
}

// checksum is the blake3 digest of the entry serialised without its checksum.
func checksum(entry LogEntry) (string, error) {
	entry.Checksum = ""
	data, err := json.Marshal(entry)
	if err != nil {
		return "", fmt.Errorf("marshal entry for checksum: %w", err)
	}
	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:16]), nil
}

func (l *AuditLogger) EnableChecksum(enable bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.enableChecksum = enable
}

// EnableCompression makes rotation zstd-compress archived files.
func (l *AuditLogger) EnableCompression(enable bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.enableCompression = enable
}

// Attach writes every event of the given types to the log until the returned
// function is called. Write errors go to onError when it is non-nil.
func (l *AuditLogger) Attach(bus *Bus, onError func(error), types ...EventType) func() {
	if len(types) == 0 {
		types = AllEventTypes
	}
	unsubs := make([]func(), 0, len(types))
	for _, t := range types {
		unsubs = append(unsubs, bus.Subscribe(t, func(e Event) {
			err := l.WriteEntry(&LogEntry{
				Timestamp: e.Timestamp,
				EventType: string(e.Type),
				EventID:   uuid.NewString(),
				RunID:     stringField(e.Data, "run_id"),
				Workspace: stringField(e.Data, "workspace"),
				Details:   e.Data,
			})
			if err != nil && onError != nil {
				onError(err)
			}
		}))
	}
	return func() {
		for _, u := range unsubs {
			u()
		}
	}
}

func stringField(m map[string]interface{}, key string) string {
	s, _ := m[key].(string)
	return s
}

// ReadEntries decodes a log or archive file, decompressing .zst archives.
// Lines that are not valid JSON are skipped and counted in skipped.
func ReadEntries(path string) (entries []LogEntry, skipped int, err error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, 0, fmt.Errorf("read log file: %w", err)
	}
	if strings.HasSuffix(path, CompressedExtension) {
		raw, err = zstdDecoder.DecodeAll(raw, nil)
		if err != nil {
			return nil, 0, fmt.Errorf("zstd decompress %s: %w", filepath.Base(path), err)
		}
	}
	return decodeLines(bytes.NewReader(raw))
}

func decodeLines(r io.Reader) ([]LogEntry, int, error) {
	var entries []LogEntry
	skipped := 0
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 16*1024*1024)
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		var e LogEntry
		if err := json.Unmarshal(line, &e); err != nil {
			skipped++
			continue
		}
		entries = append(entries, e)
	}
	if err := sc.Err(); err != nil {
		return nil, 0, fmt.Errorf("scan log file: %w", err)
	}
	return entries, skipped, nil
}

// VerifyLogIntegrity returns the number of decodable entries and how many of
// them carry a valid checksum or none at all.
func VerifyLogIntegrity(logPath string) (int, int, error) {
	entries, _, err := ReadEntries(logPath)
	if err != nil {
		return 0, 0, err
	}
	valid := 0
	for _, e := range entries {
		if e.Checksum == "" {
			valid++
			continue
		}
		sum, err := checksum(e)
		if err == nil && sum == e.Checksum {
			valid++
		}
	}
	return len(entries), valid, nil
}

func (l *AuditLogger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file == nil {
		return nil
	}
	f := l.file
	l.file = nil
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func (l *AuditLogger) GetCurrentLogPath() string {
	return l.logPath
}

func (l *AuditLogger) GetCurrentSize() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.currentSize
}
