package recordwriter

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jittakal/kafeventsink/pkg/event"
	"github.com/jittakal/kafeventsink/pkg/recordwriter"
	"github.com/jittakal/kafeventsink/pkg/storage"
)

// Ensure implementation satisfies interface at compile time.
var (
	_ recordwriter.Provider     = (*JSONProvider)(nil)
	_ recordwriter.RecordWriter = (*JSONWriter)(nil)
)

// JSONRecord is the line format written by JSONWriter.
type JSONRecord struct {
	Topic     string            `json:"topic"`
	Partition int32             `json:"partition"`
	Offset    int64             `json:"offset"`
	Timestamp time.Time         `json:"timestamp"`
	Key       []byte            `json:"key,omitempty"`
	Value     []byte            `json:"value,omitempty"`
	Headers   map[string]string `json:"headers,omitempty"`
}

func toJSONRecord(r event.Record) JSONRecord {
	return JSONRecord{
		Topic:     r.Topic,
		Partition: r.Partition,
		Offset:    r.Offset,
		Timestamp: r.Timestamp,
		Key:       r.Key,
		Value:     r.Value,
		Headers:   r.Headers,
	}
}

// JSONProvider creates newline-delimited JSON writers.
type JSONProvider struct{}

// NewJSONProvider creates a JSON lines provider.
func NewJSONProvider() *JSONProvider {
	return &JSONProvider{}
}

// NewRecordWriter opens a JSON lines writer on path.
func (p *JSONProvider) NewRecordWriter(ctx context.Context, store storage.Storage, path string) (recordwriter.RecordWriter, error) {
	f, err := openFile(ctx, store, path)
	if err != nil {
		return nil, err
	}
	return &JSONWriter{file: f}, nil
}

// Format returns the file format.
func (p *JSONProvider) Format() event.FileFormat {
	return event.FormatJSON
}

// JSONWriter writes one JSON document per line.
type JSONWriter struct {
	file *fileWriter
}

// Write encodes record as a single line.
func (w *JSONWriter) Write(record event.Record) error {
	if err := w.file.checkOpen(); err != nil {
		return err
	}
	line, err := json.Marshal(toJSONRecord(record))
	if err != nil {
		return fmt.Errorf("failed to marshal record: %w", err)
	}
	if _, err := w.file.out.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("failed to write record: %w", err)
	}
	return nil
}

// Close makes the file durable.
func (w *JSONWriter) Close() error {
	return w.file.Close()
}
