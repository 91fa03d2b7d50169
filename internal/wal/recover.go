package wal

import (
	"os"

	"github.com/scttfrdmn/classcache/pkg/utils"
)

// Incomplete is a write that began but never committed.
type Incomplete struct {
	Key  string
	File string
}

// RecoveryResult summarizes a startup recovery pass.
type RecoveryResult struct {
	Records    int
	Committed  int
	Incomplete []Incomplete
	// Journaled lists every key with a BEGIN record, in first-seen order.
	// The index file may predate any of these writes.
	Journaled []string
	// Corrupt is set when the journal could not be parsed and was discarded.
	Corrupt bool
}

// IncompleteKeys returns the keys of every incomplete write.
func (r RecoveryResult) IncompleteKeys() map[string]struct{} {
	keys := make(map[string]struct{}, len(r.Incomplete))
	for _, inc := range r.Incomplete {
		keys[inc.Key] = struct{}{}
	}
	return keys
}

// Recover scans the journal, deletes the backing file (and its temp file)
// of every incomplete write under root, then truncates the journal. It must
// run before any lookup or write.
//
// An unparsable journal is deleted without touching any backing file.
func (j *Journal) Recover(root string) (RecoveryResult, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	var result RecoveryResult

	f, err := os.Open(j.path)
	if err != nil {
		if os.IsNotExist(err) {
			return result, nil
		}
		return result, err
	}
	records, perr := Parse(f)
	_ = f.Close()

	if perr != nil {
		j.logger.Warn("journal is corrupt, discarding", map[string]interface{}{
			"path":  j.path,
			"error": perr,
		})
		result.Corrupt = true
		if err := os.Remove(j.path); err != nil && !os.IsNotExist(err) {
			return result, err
		}
		return result, nil
	}

	result.Records = len(records)

	// A key may be written several times. Only its last BEGIN matters.
	open := make(map[string]string)
	seen := make(map[string]struct{})
	var order []string
	for _, rec := range records {
		switch rec.Op {
		case OpBegin:
			if _, ok := seen[rec.Key]; !ok {
				seen[rec.Key] = struct{}{}
				order = append(order, rec.Key)
			}
			open[rec.Key] = rec.File
		case OpCommit:
			if _, ok := open[rec.Key]; ok {
				delete(open, rec.Key)
				result.Committed++
			}
		}
	}

	result.Journaled = order

	for _, key := range order {
		file, ok := open[key]
		if !ok {
			continue
		}
		result.Incomplete = append(result.Incomplete, Incomplete{Key: key, File: file})

		path, ok := utils.WithinDir(root, file)
		if !ok {
			j.logger.Warn("journal names a file outside the cache root, skipping", map[string]interface{}{
				"key":  key,
				"file": file,
			})
			continue
		}
		for _, p := range []string{path, path + utils.TempSuffix} {
			if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
				j.logger.Warn("failed to remove incomplete file", map[string]interface{}{
					"file":  p,
					"error": err,
				})
			}
		}
	}

	if len(result.Incomplete) > 0 {
		j.logger.Info("recovered incomplete writes", map[string]interface{}{
			"incomplete": len(result.Incomplete),
			"committed":  result.Committed,
		})
	}

	return result, j.truncateLocked()
}
