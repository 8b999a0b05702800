package checkpoint

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/vietddude/relay/internal/core/domain"
)

// outputLog is the append-only JSONL artifact stream of a session.
type outputLog struct {
	path string
	f    *os.File
	size int64
}

// scanResult describes what is durably present in an output file.
type scanResult struct {
	ids       map[string]struct{}
	records   int
	skipped   int   // complete lines that did not decode
	truncated int64 // bytes of torn trailing line removed
}

func openOutput(path string) (*outputLog, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create output dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open output: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("stat output: %w", err)
	}
	return &outputLog{path: path, f: f, size: info.Size()}, nil
}

// reconcile reads every complete line, collects item ids, and cuts off a
// torn trailing line left by a crash mid-append.
func (o *outputLog) reconcile() (scanResult, error) {
	res := scanResult{ids: make(map[string]struct{})}

	if _, err := o.f.Seek(0, io.SeekStart); err != nil {
		return res, fmt.Errorf("seek output: %w", err)
	}

	var valid int64
	r := bufio.NewReader(o.f)
	for {
		line, err := r.ReadBytes('\n')
		if len(line) > 0 && line[len(line)-1] == '\n' {
			valid += int64(len(line))
			var rec domain.Record
			body := bytes.TrimSpace(line)
			if len(body) == 0 {
				continue
			}
			if jerr := json.Unmarshal(body, &rec); jerr != nil || rec.ItemID == "" {
				res.skipped++
				continue
			}
			if _, dup := res.ids[rec.ItemID]; !dup {
				res.ids[rec.ItemID] = struct{}{}
				res.records++
			}
		}
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return res, fmt.Errorf("read output: %w", err)
		}
	}

	if valid < o.size {
		res.truncated = o.size - valid
		if err := o.f.Truncate(valid); err != nil {
			return res, fmt.Errorf("truncate torn line: %w", err)
		}
		if err := o.f.Sync(); err != nil {
			return res, fmt.Errorf("sync output: %w", err)
		}
		o.size = valid
	}
	return res, nil
}

// append writes one record as a line and fsyncs it. On a failed write the
// file is cut back so no partial line survives.
func (o *outputLog) append(rec domain.Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode record: %w", err)
	}
	data = append(data, '\n')

	n, err := o.f.Write(data)
	if err == nil {
		err = o.f.Sync()
	}
	if err != nil {
		if n > 0 {
			_ = o.f.Truncate(o.size)
		}
		return fmt.Errorf("append record: %w", err)
	}
	o.size += int64(n)
	return nil
}

func (o *outputLog) close() error {
	if o == nil || o.f == nil {
		return nil
	}
	err := o.f.Close()
	o.f = nil
	return err
}
