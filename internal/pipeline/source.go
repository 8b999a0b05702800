package pipeline

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/vietddude/relay/internal/core/domain"
)

// Source yields work items. Next returns io.EOF when exhausted.
type Source interface {
	Next(ctx context.Context) (domain.WorkItem, error)
}

// SliceSource serves items from memory.
type SliceSource struct {
	items []domain.WorkItem
	pos   int
}

// NewSliceSource creates a source over items.
func NewSliceSource(items ...domain.WorkItem) *SliceSource {
	return &SliceSource{items: items}
}

func (s *SliceSource) Next(ctx context.Context) (domain.WorkItem, error) {
	if s.pos >= len(s.items) {
		return domain.WorkItem{}, io.EOF
	}
	item := s.items[s.pos]
	s.pos++
	return item, nil
}

// inputLine is one line of a JSONL prompt file.
type inputLine struct {
	ID          string            `json:"id"`
	Prompt      string            `json:"prompt"`
	MaxTokens   int               `json:"max_tokens"`
	Temperature *float64          `json:"temperature"`
	Metadata    map[string]string `json:"metadata"`
}

// FileSource reads work items from a JSONL file. Blank lines are skipped.
type FileSource struct {
	f    *os.File
	r    *bufio.Reader
	line int
}

// OpenFileSource opens a JSONL prompt file.
func OpenFileSource(path string) (*FileSource, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open input: %w", err)
	}
	return &FileSource{f: f, r: bufio.NewReader(f)}, nil
}

func (s *FileSource) Next(ctx context.Context) (domain.WorkItem, error) {
	for {
		if err := ctx.Err(); err != nil {
			return domain.WorkItem{}, err
		}
		raw, err := s.r.ReadBytes('\n')
		if len(raw) == 0 && err != nil {
			return domain.WorkItem{}, err
		}
		s.line++

		raw = bytes.TrimSpace(raw)
		if len(raw) == 0 {
			if err != nil {
				return domain.WorkItem{}, err
			}
			continue
		}

		var in inputLine
		if jerr := json.Unmarshal(raw, &in); jerr != nil {
			return domain.WorkItem{}, fmt.Errorf("input line %d: %w", s.line, jerr)
		}
		if in.Prompt == "" {
			return domain.WorkItem{}, fmt.Errorf("input line %d: empty prompt", s.line)
		}
		return domain.NewWorkItem(in.ID, domain.Payload{
			Prompt:      in.Prompt,
			MaxTokens:   in.MaxTokens,
			Temperature: in.Temperature,
			Metadata:    in.Metadata,
		}), nil
	}
}

// Close closes the underlying file.
func (s *FileSource) Close() error {
	return s.f.Close()
}
