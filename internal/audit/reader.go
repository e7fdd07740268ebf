package audit

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"slices"
	"time"
)

// maxLineBytes bounds a single JSONL record when reading back.
const maxLineBytes = 4 << 20

// Filter selects entries. Zero fields match everything.
type Filter struct {
	Action        string
	Result        string
	CorrelationID string
	Since         time.Time
}

func (f Filter) match(e Entry) bool {
	if f.Action != "" && e.Action != f.Action {
		return false
	}
	if f.Result != "" && e.Result != f.Result {
		return false
	}
	if f.CorrelationID != "" && e.CorrelationID != f.CorrelationID {
		return false
	}
	if !f.Since.IsZero() && e.Timestamp.Before(f.Since) {
		return false
	}
	return true
}

// Statistics aggregates the whole log file.
type Statistics struct {
	TotalEntries   int            `json:"total_entries"`
	ByAction       map[string]int `json:"by_action"`
	ByResult       map[string]int `json:"by_result"`
	MalformedLines int            `json:"malformed_lines"`
	FirstEntry     *time.Time     `json:"first_entry,omitempty"`
	LastEntry      *time.Time     `json:"last_entry,omitempty"`
}

// ReadRecentEntries returns up to limit matching entries, newest first.
// Malformed lines are skipped. A missing file yields no entries. limit <= 0
// returns every match.
func (l *Logger) ReadRecentEntries(limit int, f Filter) ([]Entry, error) {
	var matched []Entry
	_, err := l.scan(func(e Entry) {
		if f.match(e) {
			matched = append(matched, e)
		}
	})
	if err != nil {
		return nil, err
	}
	slices.Reverse(matched)
	if limit > 0 && len(matched) > limit {
		matched = matched[:limit]
	}
	return matched, nil
}

// GetStatistics scans the log file and counts entries by action and result.
func (l *Logger) GetStatistics() (Statistics, error) {
	stats := Statistics{
		ByAction: make(map[string]int),
		ByResult: make(map[string]int),
	}
	malformed, err := l.scan(func(e Entry) {
		stats.TotalEntries++
		stats.ByAction[e.Action]++
		stats.ByResult[e.Result]++
		ts := e.Timestamp
		if stats.FirstEntry == nil || ts.Before(*stats.FirstEntry) {
			stats.FirstEntry = &ts
		}
		if stats.LastEntry == nil || ts.After(*stats.LastEntry) {
			stats.LastEntry = &ts
		}
	})
	if err != nil {
		return Statistics{}, err
	}
	stats.MalformedLines = malformed
	return stats, nil
}

// scan decodes every well-formed line in file order and returns how many
// lines were skipped.
func (l *Logger) scan(fn func(Entry)) (int, error) {
	f, err := os.Open(l.path)
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("opening audit log %s: %w", l.path, err)
	}
	defer f.Close()
	return scanEntries(f, fn)
}

func scanEntries(r io.Reader, fn func(Entry)) (int, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxLineBytes)

	malformed := 0
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		var e Entry
		if err := json.Unmarshal(line, &e); err != nil || e.Action == "" {
			malformed++
			continue
		}
		fn(e)
	}
	if err := sc.Err(); err != nil {
		return malformed, fmt.Errorf("reading audit log: %w", err)
	}
	return malformed, nil
}
