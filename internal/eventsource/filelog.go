package eventsource

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// FileLog is a minimal, file-backed Source: one newline-delimited-JSON
// file per topic under Dir, one record per line, offset = line index.
// It stands in for a real upstream event log; production deployments
// wire Dispatcher.Source to their actual bus client instead.
type FileLog struct {
	Dir string

	mu sync.Mutex
}

// NewFileLog constructs a FileLog rooted at dir.
func NewFileLog(dir string) *FileLog {
	return &FileLog{Dir: dir}
}

type fileLogRecord struct {
	Key     []byte              `json:"key"`
	Value   []byte              `json:"value"`
	Headers map[string][]string `json:"headers"`
}

// load re-reads the on-disk log unconditionally: FileLog is a reference
// implementation, not a performance-sensitive one, and operators are
// expected to append to the file between polls.
func (l *FileLog) load(topic string) ([]Record, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var path = filepath.Join(l.Dir, topic+".jsonl")
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("opening event log %s: %w", path, err)
	}
	defer f.Close()

	var records []Record
	var scanner = bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		var r fileLogRecord
		if err := json.Unmarshal(scanner.Bytes(), &r); err != nil {
			return nil, fmt.Errorf("parsing event log %s: %w", path, err)
		}
		records = append(records, Record{
			Offset:  int64(len(records)),
			Key:     r.Key,
			Value:   r.Value,
			Headers: r.Headers,
		})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading event log %s: %w", path, err)
	}

	return records, nil
}

const pollInterval = 200 * time.Millisecond

// Read returns the record at offset. If offset is not yet ingested, Read
// polls the log file until ctx is done, at which point it returns ctx's
// error (the Dispatcher's emission loop treats DeadlineExceeded as "no
// new data this poll," not end-of-stream). FileLog never evicts, so
// ErrOutOfRange cannot occur except for a negative offset.
func (l *FileLog) Read(ctx context.Context, topic string, offset int64) (Record, error) {
	if offset < 0 {
		return Record{}, ErrOutOfRange
	}
	for {
		var records, err = l.load(topic)
		if err != nil {
			return Record{}, err
		}
		if offset < int64(len(records)) {
			return records[offset], nil
		}
		select {
		case <-ctx.Done():
			return Record{}, ctx.Err()
		case <-time.After(pollInterval):
		}
	}
}

func (l *FileLog) Close() error { return nil }
