// Package wal implements the write-ahead journal that makes backing file
// writes crash consistent.
//
// Each persisted entry is bracketed by two records:
//
//	BEGIN:<key>:<file>
//	COMMIT:<key>
//
// BEGIN is fsynced before the backing file is touched. At startup any BEGIN
// without a later COMMIT names a file that may be partially written; recovery
// deletes it and reports the key so the index can drop it. Committed keys
// are reported too: the journal is only truncated once a flush covers every
// record, so a surviving record means index.dat may be older than the write.
package wal

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/scttfrdmn/classcache/pkg/errors"
	"github.com/scttfrdmn/classcache/pkg/utils"
)

// MaxKeyLen is the largest key the index format can hold.
const MaxKeyLen = 1<<16 - 1

const (
	beginPrefix  = "BEGIN:"
	commitPrefix = "COMMIT:"
)

// Op is a journal record type.
type Op int

const (
	OpBegin Op = iota
	OpCommit
)

func (o Op) String() string {
	if o == OpBegin {
		return "BEGIN"
	}
	return "COMMIT"
}

// Record is one parsed journal line.
type Record struct {
	Op   Op
	Key  string
	File string
}

// ValidateKey checks that key can be framed in a journal record and stored in
// the index.
func ValidateKey(key string) error {
	switch {
	case key == "":
		return errors.NewError(errors.ErrCodeInvalidKey, "key is empty")
	case len(key) > MaxKeyLen:
		return errors.Newf(errors.ErrCodeInvalidKey, "key longer than %d bytes", MaxKeyLen)
	case !utf8.ValidString(key):
		return errors.NewError(errors.ErrCodeInvalidKey, "key is not valid UTF-8")
	case strings.ContainsAny(key, ":\r\n"):
		return errors.NewError(errors.ErrCodeInvalidKey, "key contains a reserved character").WithKey(key)
	}
	return nil
}

// Journal is an append-only log of BEGIN/COMMIT records. The file is
// created on the first Begin.
type Journal struct {
	mu       sync.Mutex
	path     string
	file     *os.File
	inFlight map[string]int
	// seq counts appended records. It never goes backwards.
	seq    uint64
	logger *utils.StructuredLogger
}

// Open returns a journal backed by path. Nothing is created on disk until
// the first record is appended.
func Open(path string, logger *utils.StructuredLogger) *Journal {
	if logger == nil {
		logger = utils.NewNopLogger()
	}
	return &Journal{
		path:     path,
		inFlight: make(map[string]int),
		logger:   logger.WithComponent("wal"),
	}
}

// Path returns the journal file path.
func (j *Journal) Path() string {
	return j.path
}

// Begin durably records that file is about to be written for key. It
// returns only after the record has been fsynced.
func (j *Journal) Begin(key, file string) error {
	if err := ValidateKey(key); err != nil {
		return err
	}
	if file == "" || strings.ContainsAny(file, ":\r\n") {
		return errors.Newf(errors.ErrCodeStorageWrite, "invalid backing file name %q", file).
			WithComponent("wal").WithKey(key)
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	if err := j.append(beginPrefix+key+":"+file+"\n", true); err != nil {
		return errors.Wrap(err, errors.ErrCodeStorageWrite, "failed to append begin record").
			WithComponent("wal").WithOperation("begin").WithKey(key)
	}
	j.inFlight[key]++
	return nil
}

// Commit records that key's write is complete. Commit is not fsynced: a lost
// commit only makes recovery discard a valid file.
func (j *Journal) Commit(key string) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	j.release(key)
	if err := j.append(commitPrefix+key+"\n", false); err != nil {
		return errors.Wrap(err, errors.ErrCodeStorageWrite, "failed to append commit record").
			WithComponent("wal").WithOperation("commit").WithKey(key)
	}
	return nil
}

// Abort forgets an in-flight write without writing anything. The dangling
// BEGIN is cleaned up by the next recovery.
func (j *Journal) Abort(key string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.release(key)
}

func (j *Journal) release(key string) {
	if n := j.inFlight[key]; n > 1 {
		j.inFlight[key] = n - 1
	} else {
		delete(j.inFlight, key)
	}
}

// InFlight returns the number of writes begun but neither committed nor
// aborted.
func (j *Journal) InFlight() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	n := 0
	for _, c := range j.inFlight {
		n += c
	}
	return n
}

// Pending reports whether key has a write in flight.
func (j *Journal) Pending(key string) bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.inFlight[key] > 0
}

// Seq returns the number of records appended since Open.
func (j *Journal) Seq() uint64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.seq
}

// PendingKeys returns the keys with a write in flight.
func (j *Journal) PendingKeys() []string {
	j.mu.Lock()
	defer j.mu.Unlock()
	keys := make([]string, 0, len(j.inFlight))
	for k := range j.inFlight {
		keys = append(keys, k)
	}
	return keys
}

func (j *Journal) append(line string, sync bool) error {
	if j.file == nil {
		f, err := os.OpenFile(j.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0640)
		if err != nil {
			return err
		}
		j.file = f
	}
	if _, err := io.WriteString(j.file, line); err != nil {
		return err
	}
	j.seq++
	if sync {
		return j.file.Sync()
	}
	return nil
}

// TruncateIfIdle empties the journal when no write is in flight and no
// record has been appended since Seq returned seq. The index calls it after a
// flush with the Seq read before its snapshot: only then is every record
// covered by the flushed file. It reports whether the journal was truncated.
func (j *Journal) TruncateIfIdle(seq uint64) (bool, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	if len(j.inFlight) > 0 || j.seq != seq {
		return false, nil
	}
	if err := j.truncateLocked(); err != nil {
		return false, err
	}
	return true, nil
}

func (j *Journal) truncateLocked() error {
	if j.file != nil {
		if err := j.file.Truncate(0); err != nil {
			return fmt.Errorf("failed to truncate journal: %w", err)
		}
		return j.file.Sync()
	}
	if err := os.Truncate(j.path, 0); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to truncate journal: %w", err)
	}
	return nil
}

// Close closes the journal file.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.file == nil {
		return nil
	}
	err := j.file.Sync()
	if cerr := j.file.Close(); err == nil {
		err = cerr
	}
	j.file = nil
	return err
}

// Parse reads journal records. A final line without a newline is a torn
// append and is dropped. Any other malformed line fails the whole parse.
func Parse(r io.Reader) ([]Record, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}

	var records []Record
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 64*1024), MaxKeyLen+4096)

	complete := bytes.HasSuffix(data, []byte("\n"))
	lines := bytes.Count(data, []byte("\n"))
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		if lineNo > lines && !complete {
			break
		}
		rec, err := parseLine(scanner.Text())
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", lineNo, err)
		}
		records = append(records, rec)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return records, nil
}

func parseLine(line string) (Record, error) {
	switch {
	case strings.HasPrefix(line, beginPrefix):
		rest := line[len(beginPrefix):]
		key, file, ok := strings.Cut(rest, ":")
		if !ok || key == "" || file == "" || strings.Contains(file, ":") {
			return Record{}, fmt.Errorf("malformed begin record %q", line)
		}
		return Record{Op: OpBegin, Key: key, File: file}, nil
	case strings.HasPrefix(line, commitPrefix):
		key := line[len(commitPrefix):]
		if key == "" || strings.Contains(key, ":") {
			return Record{}, fmt.Errorf("malformed commit record %q", line)
		}
		return Record{Op: OpCommit, Key: key}, nil
	default:
		return Record{}, fmt.Errorf("unknown record %q", line)
	}
}
