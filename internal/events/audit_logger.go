package events

import (
	"bufio"
	"bytes"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/zeebo/blake3"
)

const (
	// DefaultMaxLogSize is the size at which the active log is archived.
	DefaultMaxLogSize = 100 * 1024 * 1024
	LogFileExtension  = ".jsonl"
	ArchiveDir        = "archive"
)

// checksumKey is the trailing member appended to chained entries.
var checksumKey = []byte(`,"checksum":"`)

// LogEntry is one line of the audit log. Checksum is filled in by the logger
// and always serialized last.
type LogEntry struct {
	Timestamp time.Time      `json:"timestamp"`
	EventType string         `json:"event_type"`
	EventID   string         `json:"event_id,omitempty"`
	TaskID    int64          `json:"task_id,omitempty"`
	Zone      string         `json:"zone,omitempty"`
	Badge     string         `json:"badge,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
	Checksum  string         `json:"checksum,omitempty"`
}

// AuditLogger is an append-only JSONL log of lease events. With checksums
// enabled every line carries a BLAKE3 digest chained over the previous line's
// digest, so edits and removed lines both show up in VerifyLogIntegrity. The
// chain restarts in each archived file.
type AuditLogger struct {
	mu       sync.Mutex
	path     string
	maxSize  int64
	out      *os.File
	size     int64
	chained  bool
	prev     string
	archived int
}

func NewAuditLogger(logPath string, maxSize int64) (*AuditLogger, error) {
	if maxSize <= 0 {
		maxSize = DefaultMaxLogSize
	}
	if err := os.MkdirAll(filepath.Dir(logPath), 0755); err != nil {
		return nil, fmt.Errorf("create audit log directory: %w", err)
	}
	l := &AuditLogger{path: logPath, maxSize: maxSize}
	if err := l.open(); err != nil {
		return nil, err
	}
	return l, nil
}

// open (re)opens the active file and resumes the chain from its last line.
func (l *AuditLogger) open() error {
	prev, err := lastChecksum(l.path)
	if err != nil {
		return err
	}
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("open audit log: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return fmt.Errorf("stat audit log: %w", err)
	}
	l.out, l.size, l.prev = f, info.Size(), prev
	return nil
}

// Record writes a bus event. The task_id, zone and badge members of the event
// data are copied into their own entry fields.
func (l *AuditLogger) Record(event Event) error {
	entry := LogEntry{
		Timestamp: event.Timestamp,
		EventType: string(event.Type),
		EventID:   event.ID,
		Details:   event.Data,
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	switch id := event.Data["task_id"].(type) {
	case int64:
		entry.TaskID = id
	case int:
		entry.TaskID = int64(id)
	}
	entry.Zone, _ = event.Data["zone"].(string)
	entry.Badge, _ = event.Data["badge"].(string)
	return l.WriteEntry(&entry)
}

// Attach subscribes the logger to every event on bus and returns the
// unsubscribe func. Write failures go to onError.
func (l *AuditLogger) Attach(bus *Bus, onError func(error)) func() {
	return bus.SubscribeAll(func(e Event) {
		if err := l.Record(e); err != nil && onError != nil {
			onError(err)
		}
	})
}

// WriteEntry appends entry as one line, archiving the active file first when
// the line would push it past the size limit.
func (l *AuditLogger) WriteEntry(entry *LogEntry) error {
	entry.Checksum = ""
	body, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encode audit entry: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	// Worst case line length, so the chain never straddles two files.
	need := int64(len(body)) + 1
	if l.chained {
		need += int64(len(checksumKey)) + 2*blake3Size + 1
	}
	if l.size > 0 && l.size+need > l.maxSize {
		if err := l.archive(); err != nil {
			return fmt.Errorf("rotate audit log: %w", err)
		}
	}

	line := body
	if l.chained {
		sum := chainSum(l.prev, body)
		line = sealLine(body, sum)
		entry.Checksum = sum
	}
	line = append(line, '\n')

	n, err := l.out.Write(line)
	l.size += int64(n)
	if err != nil {
		return fmt.Errorf("write audit entry: %w", err)
	}
	if err := l.out.Sync(); err != nil {
		return fmt.Errorf("sync audit log: %w", err)
	}
	if l.chained {
		l.prev = entry.Checksum
	}
	return nil
}

// archive moves the active file to ArchiveDir as
// <base>.<yyyymmdd_hhmmss>.<n>.jsonl and starts a fresh one.
func (l *AuditLogger) archive() error {
	if err := l.out.Close(); err != nil {
		return err
	}
	dir := filepath.Join(filepath.Dir(l.path), ArchiveDir)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	l.archived++
	stem := strings.TrimSuffix(filepath.Base(l.path), LogFileExtension)
	name := stem + "." + time.Now().Format("20060102_150405") + fmt.Sprintf(".%d", l.archived) + LogFileExtension
	if err := os.Rename(l.path, filepath.Join(dir, name)); err != nil {
		return err
	}
	return l.open()
}

// EnableChecksum turns chained checksums on or off for subsequent entries.
func (l *AuditLogger) EnableChecksum(enable bool) {
	l.mu.Lock()
	l.chained = enable
	l.mu.Unlock()
}

func (l *AuditLogger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.out == nil {
		return nil
	}
	err := l.out.Sync()
	if cerr := l.out.Close(); err == nil {
		err = cerr
	}
	l.out = nil
	return err
}

func (l *AuditLogger) Path() string { return l.path }

func (l *AuditLogger) Size() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.size
}

const blake3Size = 32

func chainSum(prev string, body []byte) string {
	h := blake3.New()
	h.Write([]byte(prev))
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil))
}

// sealLine replaces the closing brace of body with the checksum member.
func sealLine(body []byte, sum string) []byte {
	out := make([]byte, 0, len(body)+len(checksumKey)+len(sum)+2)
	out = append(out, body[:len(body)-1]...)
	out = append(out, checksumKey...)
	out = append(out, sum...)
	return append(out, '"', '}')
}

// splitLine reverses sealLine. ok is false for lines without a checksum.
func splitLine(line []byte) (body []byte, sum string, ok bool) {
	i := bytes.LastIndex(line, checksumKey)
	if i < 0 || !bytes.HasSuffix(line, []byte(`"}`)) {
		return line, "", false
	}
	sum = string(line[i+len(checksumKey) : len(line)-2])
	body = append(append([]byte{}, line[:i]...), '}')
	return body, sum, true
}

func scanLines(path string, fn func(line []byte)) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 16*1024*1024)
	for sc.Scan() {
		if line := bytes.TrimSpace(sc.Bytes()); len(line) > 0 {
			fn(line)
		}
	}
	return sc.Err()
}

func lastChecksum(path string) (string, error) {
	var last string
	err := scanLines(path, func(line []byte) {
		if _, sum, ok := splitLine(line); ok {
			last = sum
		}
	})
	if os.IsNotExist(err) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read audit log: %w", err)
	}
	return last, nil
}

// VerifyLogIntegrity counts the entries in an audit file and how many of them
// verify against the chain. Each checksum is checked against the previous
// stored one, so a modified line fails alone and a removed line fails the
// line after it. Unsealed entries count as valid. Lines that are not JSON
// objects are skipped.
func VerifyLogIntegrity(logPath string) (total, valid int, err error) {
	prev := ""
	err = scanLines(logPath, func(line []byte) {
		if !json.Valid(line) || line[0] != '{' {
			return
		}
		total++
		body, sum, ok := splitLine(line)
		if !ok {
			valid++
			return
		}
		if chainSum(prev, body) == sum {
			valid++
		}
		prev = sum
	})
	if err != nil {
		return 0, 0, fmt.Errorf("verify audit log: %w", err)
	}
	return total, valid, nil
}
