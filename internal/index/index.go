// Package index holds the authoritative table of cache entries and their
// backing files under the cache root.
//
// The table is loaded once per process from index.dat, kept in memory, and
// rewritten atomically on Flush. Every backing file write goes through the
// write-ahead journal so a crash never leaves a live entry pointing at a
// partial file.
package index

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/scttfrdmn/classcache/internal/wal"
	"github.com/scttfrdmn/classcache/pkg/classfile"
	"github.com/scttfrdmn/classcache/pkg/errors"
	"github.com/scttfrdmn/classcache/pkg/hasher"
	"github.com/scttfrdmn/classcache/pkg/utils"
)

// File names under the cache root.
const (
	IndexFile   = "index.dat"
	JournalFile = "wal.journal"
	ClassesDir  = "classes"
	classSuffix = ".class"
)

// ProducerVersion identifies the transform that produced an entry. Entries
// from any other version are not live.
type ProducerVersion struct {
	Major int32 `yaml:"major"`
	Minor int32 `yaml:"minor"`
}

func (v ProducerVersion) String() string {
	return fmt.Sprintf("%d.%d", v.Major, v.Minor)
}

// ProducerString is the producer identity recorded in the index header.
func ProducerString(name string, v ProducerVersion) string {
	return fmt.Sprintf("%s %s", name, v)
}

// Entry is one cached output.
type Entry struct {
	Key         string
	ContentHash []byte
	SourceMTime int64
	OutputSize  uint64
	BackingFile string
	CachedAt    int64
	Producer    ProducerVersion
}

// Digest returns the entry's content hash as a Digest.
func (e Entry) Digest() (hasher.Digest, bool) {
	d, err := hasher.FromBytes(e.ContentHash)
	return d, err == nil
}

// Matches reports whether e is the live entry for an input with the given
// digest and modification time under producer. A zero mtime skips the
// modification check.
func (e Entry) Matches(digest hasher.Digest, mtime int64, producer ProducerVersion) bool {
	if e.Producer != producer {
		return false
	}
	if !bytes.Equal(e.ContentHash, digest[:]) {
		return false
	}
	return mtime == 0 || e.SourceMTime == 0 || e.SourceMTime == mtime
}

// BackingFileFor returns the backing file path, relative to the cache root,
// used for key.
func BackingFileFor(key string) string {
	return path.Join(ClassesDir, hasher.KeyName(key)+classSuffix)
}

// Config holds the settings for an Index.
type Config struct {
	Root         string
	Producer     ProducerVersion
	ProducerName string
	Format       classfile.Format
	Journal      *wal.Journal
	Logger       *utils.StructuredLogger
	// OrphanGrace is how old an unreferenced file must be before self-heal
	// removes it.
	OrphanGrace time.Duration
}

// LoadResult describes what Load found on disk.
type LoadResult struct {
	Loaded  int
	Dropped int
	Missing bool
	Stale   bool
}

const lockStripes = 64

// Index is the in-memory entry table.
type Index struct {
	root     string
	config   Config
	journal  *wal.Journal
	logger   *utils.StructuredLogger
	producer string

	mu      sync.RWMutex
	entries map[string]Entry
	dirty   bool
	loaded  bool

	// keyLocks serialize writes and removals of the same key.
	keyLocks [lockStripes]sync.Mutex

	// untrusted holds journaled keys whose index.dat entries are discarded
	// by Load.
	untrusted map[string]struct{}

	ready     chan struct{}
	readyOnce sync.Once
}

// New creates an empty index rooted at cfg.Root. The classes directory is
// created if needed.
func New(cfg Config) (*Index, error) {
	if cfg.Root == "" {
		return nil, errors.NewError(errors.ErrCodeInvalidConfig, "index root is empty").WithComponent("index")
	}
	if cfg.Logger == nil {
		cfg.Logger = utils.NewNopLogger()
	}
	if cfg.Format.Magic == nil {
		cfg.Format = classfile.DefaultFormat
	}
	if cfg.OrphanGrace <= 0 {
		cfg.OrphanGrace = 10 * time.Minute
	}
	if cfg.ProducerName == "" {
		cfg.ProducerName = "classcache"
	}
	if cfg.Journal == nil {
		cfg.Journal = wal.Open(filepath.Join(cfg.Root, JournalFile), cfg.Logger)
	}

	if err := os.MkdirAll(filepath.Join(cfg.Root, ClassesDir), 0750); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeStorageWrite, "failed to create classes directory").
			WithComponent("index")
	}

	return &Index{
		root:       cfg.Root,
		config:     cfg,
		journal:    cfg.Journal,
		logger:     cfg.Logger.WithComponent("index"),
		producer:   ProducerString(cfg.ProducerName, cfg.Producer),
		entries:    make(map[string]Entry),
		untrusted:  make(map[string]struct{}),
		ready:      make(chan struct{}),
	}, nil
}

// Root returns the cache root directory.
func (x *Index) Root() string {
	return x.root
}

// Journal returns the write-ahead journal used by Store.
func (x *Index) Journal() *wal.Journal {
	return x.journal
}

// Path returns the absolute path of a backing file. A name that escapes the
// cache root is a corruption error.
func (x *Index) Path(backingFile string) (string, error) {
	p, ok := utils.WithinDir(x.root, filepath.FromSlash(backingFile))
	if !ok {
		return "", errors.Newf(errors.ErrCodeCorruption, "backing file %q escapes cache root", backingFile).
			WithComponent("index")
	}
	return p, nil
}

// Recover runs journal recovery. Keys of incomplete writes are dropped from
// the table now and from the next Load.
//
// Every other journaled key is also dropped from the next Load. The journal
// only outlives a flush that did not cover it, so index.dat may hold an
// older entry for such a key, and a rewrite reuses the backing file name.
func (x *Index) Recover() (wal.RecoveryResult, error) {
	result, err := x.journal.Recover(x.root)
	if err != nil {
		return result, errors.Wrap(err, errors.ErrCodeStorageRead, "journal recovery failed").
			WithComponent("index").WithOperation("recover")
	}

	x.mu.Lock()
	for _, key := range result.Journaled {
		x.untrusted[key] = struct{}{}
	}
	for _, inc := range result.Incomplete {
		x.untrusted[inc.Key] = struct{}{}
		if _, ok := x.entries[inc.Key]; ok {
			delete(x.entries, inc.Key)
			x.dirty = true
		}
	}
	x.mu.Unlock()

	return result, nil
}

// Load reads index.dat and merges it into the table. Entries stored since
// New take precedence over loaded ones. On a corrupt file the table stays as
// it is and the corruption error is returned. Ready is closed in every case.
func (x *Index) Load() (LoadResult, error) {
	defer x.markReady()

	var result LoadResult
	data, err := os.ReadFile(filepath.Join(x.root, IndexFile))
	if err != nil {
		if os.IsNotExist(err) {
			result.Missing = true
			x.logger.Info("no index file, starting empty")
			return result, nil
		}
		return result, errors.Wrap(err, errors.ErrCodeStorageRead, "failed to read index").
			WithComponent("index").WithOperation("load")
	}

	header, entries, err := Decode(data)
	if err != nil {
		x.markDirty()
		x.logger.Warn("index is corrupt, starting empty", map[string]interface{}{"error": err})
		return result, err
	}

	if header.Producer != x.producer {
		x.markDirty()
		result.Stale = true
		result.Dropped = len(entries)
		x.logger.Info("index was written by a different producer, discarding", map[string]interface{}{
			"found":    header.Producer,
			"expected": x.producer,
			"entries":  len(entries),
		})
		return result, nil
	}

	x.mu.Lock()
	defer x.mu.Unlock()
	for _, e := range entries {
		if _, skip := x.untrusted[e.Key]; skip {
			result.Dropped++
			x.dirty = true
			continue
		}
		if _, exists := x.entries[e.Key]; exists {
			continue
		}
		x.entries[e.Key] = e
		result.Loaded++
	}

	x.logger.Info("index loaded", map[string]interface{}{
		"entries": result.Loaded,
		"dropped": result.Dropped,
	})
	return result, nil
}

func (x *Index) markReady() {
	x.readyOnce.Do(func() {
		x.mu.Lock()
		x.loaded = true
		x.mu.Unlock()
		close(x.ready)
	})
}

// Ready is closed once Load has finished, successfully or not.
func (x *Index) Ready() <-chan struct{} {
	return x.ready
}

// WaitReady blocks until Load has finished or ctx is done.
func (x *Index) WaitReady(ctx context.Context) error {
	select {
	case <-x.ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Lookup returns the entry for key.
func (x *Index) Lookup(key string) (Entry, bool) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	e, ok := x.entries[key]
	return e, ok
}

// Len returns the number of entries.
func (x *Index) Len() int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return len(x.entries)
}

// Entries returns a snapshot of every entry ordered by key.
func (x *Index) Entries() []Entry {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return x.snapshotLocked()
}

func (x *Index) snapshotLocked() []Entry {
	entries := make([]Entry, 0, len(x.entries))
	for _, e := range x.entries {
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Key < entries[j].Key })
	return entries
}

func (x *Index) markDirty() {
	x.mu.Lock()
	x.dirty = true
	x.mu.Unlock()
}

func (x *Index) keyLock(key string) *sync.Mutex {
	return &x.keyLocks[xxhash.Sum64String(key)%lockStripes]
}

// Store writes data as the backing file for entry.Key and inserts or
// replaces the entry. The write follows the journal protocol: BEGIN is
// durable before the file is written, the file is renamed into place after
// an fsync, the table is updated, then COMMIT is appended.
//
// BackingFile, OutputSize and CachedAt are filled in by Store.
func (x *Index) Store(ctx context.Context, entry Entry, data []byte) (Entry, error) {
	if err := wal.ValidateKey(entry.Key); err != nil {
		return Entry{}, err
	}
	if err := ctx.Err(); err != nil {
		return Entry{}, err
	}

	entry.BackingFile = BackingFileFor(entry.Key)
	entry.OutputSize = uint64(len(data))
	entry.CachedAt = time.Now().UnixNano()
	if entry.Producer == (ProducerVersion{}) {
		entry.Producer = x.config.Producer
	}

	lock := x.keyLock(entry.Key)
	lock.Lock()
	defer lock.Unlock()

	if err := x.journal.Begin(entry.Key, entry.BackingFile); err != nil {
		return Entry{}, err
	}

	p, err := x.Path(entry.BackingFile)
	if err != nil {
		x.journal.Abort(entry.Key)
		return Entry{}, err
	}
	if err := utils.WriteFileAtomic(p, data, 0640); err != nil {
		x.journal.Abort(entry.Key)
		return Entry{}, errors.Wrap(err, errors.ErrCodeStorageWrite, "failed to write backing file").
			WithComponent("index").WithOperation("store").WithKey(entry.Key)
	}

	x.mu.Lock()
	x.entries[entry.Key] = entry
	x.dirty = true
	x.mu.Unlock()

	if err := x.journal.Commit(entry.Key); err != nil {
		// The file and entry are valid. Recovery treats the missing commit
		// as incomplete and discards them.
		x.logger.Warn("failed to commit journal record", map[string]interface{}{
			"key":   entry.Key,
			"error": err,
		})
	}

	return entry, nil
}

// Read returns the backing file content of e after checking its size and
// format magic.
func (x *Index) Read(e Entry) ([]byte, error) {
	p, err := x.Path(e.BackingFile)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(p)
	if err != nil {
		code := errors.ErrCodeStorageRead
		if os.IsNotExist(err) {
			code = errors.ErrCodeCorruption
		}
		return nil, errors.Wrap(err, code, "failed to read backing file").
			WithComponent("index").WithOperation("read").WithKey(e.Key)
	}
	if err := x.Verify(e, data); err != nil {
		return nil, err
	}
	return data, nil
}

// Verify checks data against the entry's recorded size and the format
// magic.
func (x *Index) Verify(e Entry, data []byte) error {
	if uint64(len(data)) != e.OutputSize {
		return errors.Newf(errors.ErrCodeCorruption, "backing file size %d, expected %d", len(data), e.OutputSize).
			WithComponent("index").WithOperation("verify").WithKey(e.Key)
	}
	if !x.config.Format.HasMagic(data) {
		return errors.NewError(errors.ErrCodeCorruption, "backing file has bad magic").
			WithComponent("index").WithOperation("verify").WithKey(e.Key)
	}
	return nil
}

// Remove drops key's entry and deletes its backing file.
func (x *Index) Remove(key string) error {
	lock := x.keyLock(key)
	lock.Lock()
	defer lock.Unlock()

	x.mu.Lock()
	e, ok := x.entries[key]
	if ok {
		delete(x.entries, key)
		x.dirty = true
	}
	x.mu.Unlock()

	if !ok {
		return nil
	}
	return x.removeFile(e.BackingFile)
}

// removeIfUnchanged purges e only if it is still the entry for its key.
func (x *Index) removeIfUnchanged(e Entry) bool {
	lock := x.keyLock(e.Key)
	lock.Lock()
	defer lock.Unlock()

	x.mu.Lock()
	cur, ok := x.entries[e.Key]
	if !ok || cur.CachedAt != e.CachedAt || cur.BackingFile != e.BackingFile {
		x.mu.Unlock()
		return false
	}
	delete(x.entries, e.Key)
	x.dirty = true
	x.mu.Unlock()

	if err := x.removeFile(e.BackingFile); err != nil {
		x.logger.Warn("failed to remove backing file", map[string]interface{}{
			"file":  e.BackingFile,
			"error": err,
		})
	}
	return true
}

// Purge removes e after a failed read or verification. It is a no-op if the
// entry has been replaced in the meantime.
func (x *Index) Purge(e Entry) bool {
	return x.removeIfUnchanged(e)
}

func (x *Index) removeFile(backingFile string) error {
	p, err := x.Path(backingFile)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// Dirty reports whether the table changed since the last flush.
func (x *Index) Dirty() bool {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return x.dirty
}

// Flush atomically rewrites index.dat from the table, then truncates the
// journal if no write is in flight. Before Load has finished Flush does
// nothing, so a partial table never replaces the file on disk.
func (x *Index) Flush() error {
	x.mu.RLock()
	loaded := x.loaded
	x.mu.RUnlock()
	if !loaded {
		x.logger.Debug("index not loaded yet, skipping flush")
		return nil
	}

	// Any record appended after seq may describe a write the snapshot
	// misses, and keeps the journal alive.
	seq := x.journal.Seq()

	x.mu.Lock()
	entries := x.snapshotLocked()
	x.dirty = false
	x.mu.Unlock()

	var buf bytes.Buffer
	if err := Encode(&buf, x.producer, entries); err != nil {
		x.markDirty()
		return errors.Wrap(err, errors.ErrCodeStorageWrite, "failed to encode index").
			WithComponent("index").WithOperation("flush")
	}

	if err := utils.WriteFileAtomic(filepath.Join(x.root, IndexFile), buf.Bytes(), 0640); err != nil {
		x.markDirty()
		return errors.Wrap(err, errors.ErrCodeStorageWrite, "failed to write index").
			WithComponent("index").WithOperation("flush")
	}

	if _, err := x.journal.TruncateIfIdle(seq); err != nil {
		x.logger.Warn("failed to truncate journal after flush", map[string]interface{}{"error": err})
	}

	x.logger.Debug("index flushed", map[string]interface{}{"entries": len(entries)})
	return nil
}

// FlushIfDirty flushes only when the table has changed.
func (x *Index) FlushIfDirty() error {
	if !x.Dirty() {
		return nil
	}
	return x.Flush()
}

// Clear removes every entry and backing file.
func (x *Index) Clear() error {
	x.mu.Lock()
	x.entries = make(map[string]Entry)
	x.dirty = true
	x.mu.Unlock()

	dir := filepath.Join(x.root, ClassesDir)
	if err := os.RemoveAll(dir); err != nil {
		return err
	}
	return os.MkdirAll(dir, 0750)
}
