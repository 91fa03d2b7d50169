package index

import (
	"context"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/scttfrdmn/classcache/pkg/utils"
)

// HealReport summarizes a self-heal pass.
type HealReport struct {
	Checked        int
	Missing        int
	SizeMismatch   int
	BadMagic       int
	OrphansRemoved int
	TempsRemoved   int
	Duration       time.Duration
}

// Purged returns the number of entries removed from the table.
func (r HealReport) Purged() int {
	return r.Missing + r.SizeMismatch + r.BadMagic
}

type fileProblem int

const (
	fileOK fileProblem = iota
	fileMissing
	fileSizeMismatch
	fileBadMagic
)

// SelfHeal verifies every entry's backing file exists, has the recorded size
// and starts with the format magic. Mismatching entries are purged together
// with their files, and the index is flushed if anything was purged.
//
// It also removes stale temp files and unreferenced backing files that are
// older than the orphan grace period and have no write in flight.
func (x *Index) SelfHeal(ctx context.Context) (HealReport, error) {
	start := time.Now()
	var report HealReport

	if err := x.WaitReady(ctx); err != nil {
		return report, err
	}

	for _, e := range x.Entries() {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		report.Checked++

		problem := x.inspect(e)
		if problem == fileOK || !x.removeIfUnchanged(e) {
			continue
		}
		switch problem {
		case fileMissing:
			report.Missing++
		case fileSizeMismatch:
			report.SizeMismatch++
		case fileBadMagic:
			report.BadMagic++
		}
		x.logger.Warn("purged invalid entry", map[string]interface{}{
			"key":  e.Key,
			"file": e.BackingFile,
		})
	}

	if err := x.sweep(ctx, &report); err != nil {
		return report, err
	}

	if report.Purged() > 0 {
		if err := x.Flush(); err != nil {
			return report, err
		}
	}
	report.Duration = time.Since(start)

	x.logger.Info("self-heal complete", map[string]interface{}{
		"checked":  report.Checked,
		"purged":   report.Purged(),
		"orphans":  report.OrphansRemoved,
		"temps":    report.TempsRemoved,
		"duration": report.Duration.String(),
	})
	return report, nil
}

func (x *Index) inspect(e Entry) fileProblem {
	p, err := x.Path(e.BackingFile)
	if err != nil {
		return fileMissing
	}
	f, err := os.Open(p)
	if err != nil {
		return fileMissing
	}
	defer func() { _ = f.Close() }()

	info, err := f.Stat()
	if err != nil || uint64(info.Size()) != e.OutputSize {
		return fileSizeMismatch
	}

	prefix := make([]byte, len(x.config.Format.Magic))
	if _, err := io.ReadFull(f, prefix); err != nil || !x.config.Format.HasMagic(prefix) {
		return fileBadMagic
	}
	return fileOK
}

// sweep removes leftovers under the root: temp files from interrupted
// writes and backing files no entry refers to.
func (x *Index) sweep(ctx context.Context, report *HealReport) error {
	referenced := make(map[string]struct{})
	for _, e := range x.Entries() {
		referenced[e.BackingFile] = struct{}{}
	}
	cutoff := time.Now().Add(-x.config.OrphanGrace)

	if x.removeIfOlder(filepath.Join(x.root, IndexFile+utils.TempSuffix), cutoff) {
		report.TempsRemoved++
	}

	dir := filepath.Join(x.root, ClassesDir)
	files, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	pending := x.pendingFiles()
	for _, f := range files {
		if err := ctx.Err(); err != nil {
			return err
		}
		if f.IsDir() {
			continue
		}
		name := f.Name()
		rel := path.Join(ClassesDir, name)

		if strings.HasSuffix(name, utils.TempSuffix) {
			if _, busy := pending[strings.TrimSuffix(rel, utils.TempSuffix)]; busy {
				continue
			}
			if x.removeIfOlder(filepath.Join(dir, name), cutoff) {
				report.TempsRemoved++
			}
			continue
		}

		if !strings.HasSuffix(name, classSuffix) {
			continue
		}
		if _, ok := referenced[rel]; ok {
			continue
		}
		if _, busy := pending[rel]; busy {
			continue
		}
		if x.removeIfOlder(filepath.Join(dir, name), cutoff) {
			report.OrphansRemoved++
		}
	}
	return nil
}

// pendingFiles returns the backing files of writes currently in flight.
func (x *Index) pendingFiles() map[string]struct{} {
	pending := make(map[string]struct{})
	for _, key := range x.journal.PendingKeys() {
		pending[BackingFileFor(key)] = struct{}{}
	}
	return pending
}

func (x *Index) removeIfOlder(p string, cutoff time.Time) bool {
	info, err := os.Stat(p)
	if err != nil || info.ModTime().After(cutoff) {
		return false
	}
	return os.Remove(p) == nil
}
