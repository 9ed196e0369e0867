package jobs

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	stderrors "errors"
	"io/fs"
	"os"
	"path/filepath"
	"sort"

	"github.com/truenas/middlewared/errors"
	"github.com/truenas/middlewared/pkg/retry"
)

// maxSnapshotLine bounds one record line
const maxSnapshotLine = 16 << 20

// snapshotFile is an append-only JSONL log of job records. A later line for
// the same id replaces an earlier one.
type snapshotFile struct {
	path string
}

func (f *snapshotFile) append(ctx context.Context, records []Record) error {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, r := range records {
		if err := enc.Encode(r); err != nil {
			// an unencodable result must not lose the rest of the batch
			r.Result = nil
			if err := enc.Encode(r); err != nil {
				return errors.WrapInvalid(err, "snapshot", "append", "encode record")
			}
		}
	}

	return retry.Do(ctx, retry.Quick(), func() error {
		if err := os.MkdirAll(filepath.Dir(f.path), 0o700); err != nil {
			return errors.WrapTransient(err, "snapshot", "append", "create directory")
		}
		file, err := os.OpenFile(f.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
		if err != nil {
			return errors.WrapTransient(err, "snapshot", "append", "open")
		}
		if _, err := file.Write(buf.Bytes()); err != nil {
			file.Close()
			return errors.WrapTransient(err, "snapshot", "append", "write")
		}
		if err := file.Sync(); err != nil {
			file.Close()
			return errors.WrapTransient(err, "snapshot", "append", "fsync")
		}
		return file.Close()
	})
}

// rewrite replaces the file with records through a synced temporary file
func (f *snapshotFile) rewrite(ctx context.Context, records []Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	dir := filepath.Dir(f.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return errors.WrapTransient(err, "snapshot", "rewrite", "create directory")
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(f.path)+".*.tmp")
	if err != nil {
		return errors.WrapTransient(err, "snapshot", "rewrite", "create temporary file")
	}
	defer os.Remove(tmp.Name())

	w := bufio.NewWriter(tmp)
	enc := json.NewEncoder(w)
	for _, r := range records {
		if err := enc.Encode(r); err != nil {
			r.Result = nil
			if err := enc.Encode(r); err != nil {
				tmp.Close()
				return errors.WrapInvalid(err, "snapshot", "rewrite", "encode record")
			}
		}
	}
	if err := w.Flush(); err != nil {
		tmp.Close()
		return errors.WrapTransient(err, "snapshot", "rewrite", "write")
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return errors.WrapTransient(err, "snapshot", "rewrite", "fsync")
	}
	if err := tmp.Close(); err != nil {
		return errors.WrapTransient(err, "snapshot", "rewrite", "close")
	}
	if err := os.Chmod(tmp.Name(), 0o600); err != nil {
		return errors.WrapTransient(err, "snapshot", "rewrite", "chmod")
	}
	if err := os.Rename(tmp.Name(), f.path); err != nil {
		return errors.WrapTransient(err, "snapshot", "rewrite", "rename")
	}
	if d, err := os.Open(dir); err == nil {
		_ = d.Sync()
		d.Close()
	}
	return nil
}

// load folds the file by id. A missing file is empty; a torn or corrupt
// line is skipped.
func (f *snapshotFile) load(ctx context.Context) ([]Record, error) {
	file, err := os.Open(f.path)
	if stderrors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.WrapTransient(err, "snapshot", "load", "open")
	}
	defer file.Close()

	byID := make(map[uint64]Record)
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 64<<10), maxSnapshotLine)
	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var r Record
		if err := json.Unmarshal(line, &r); err != nil || r.ID == 0 {
			continue
		}
		if prev, ok := byID[r.ID]; ok && prev.State.rank() > r.State.rank() {
			continue
		}
		byID[r.ID] = r
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.WrapTransient(err, "snapshot", "load", "read")
	}

	records := make([]Record, 0, len(byID))
	for _, r := range byID {
		records = append(records, r)
	}
	sort.Slice(records, func(a, b int) bool { return records[a].ID < records[b].ID })
	return records, nil
}
