package recordwriter

import (
	"context"
	"fmt"
	"strings"

	"github.com/linkedin/goavro/v2"

	"github.com/jittakal/kafeventsink/pkg/event"
	"github.com/jittakal/kafeventsink/pkg/recordwriter"
	"github.com/jittakal/kafeventsink/pkg/storage"
)

// Ensure implementation satisfies interface at compile time.
var (
	_ recordwriter.Provider     = (*AvroProvider)(nil)
	_ recordwriter.RecordWriter = (*AvroWriter)(nil)
)

// avroSchema is the schema of records in committed Avro files.
const avroSchema = `{
	"type": "record",
	"name": "SinkRecord",
	"namespace": "com.kafka.event.sink",
	"fields": [
		{"name": "topic", "type": "string"},
		{"name": "partition", "type": "int"},
		{"name": "offset", "type": "long"},
		{"name": "timestamp", "type": "long"},
		{"name": "key", "type": ["null", "bytes"], "default": null},
		{"name": "value", "type": ["null", "bytes"], "default": null},
		{"name": "headers", "type": {"type": "map", "values": "string"}}
	]
}`

// AvroProvider creates Avro object container file writers.
type AvroProvider struct {
	codec           *goavro.Codec
	compressionName string
}

// NewAvroProvider creates an Avro provider. Compression is one of null,
// deflate or snappy; gzip is accepted as an alias for deflate.
func NewAvroProvider(compression string) (*AvroProvider, error) {
	codec, err := goavro.NewCodec(avroSchema)
	if err != nil {
		return nil, fmt.Errorf("failed to create avro codec: %w", err)
	}

	name, err := avroCompression(compression)
	if err != nil {
		return nil, err
	}

	return &AvroProvider{codec: codec, compressionName: name}, nil
}

func avroCompression(compression string) (string, error) {
	switch strings.ToLower(compression) {
	case "", "none", "null", "uncompressed":
		return goavro.CompressionNullLabel, nil
	case "deflate", "gzip":
		return goavro.CompressionDeflateLabel, nil
	case "snappy":
		return goavro.CompressionSnappyLabel, nil
	default:
		return "", fmt.Errorf("unsupported avro compression: %s", compression)
	}
}

// NewRecordWriter opens an OCF writer on path. The container header is
// written immediately.
func (p *AvroProvider) NewRecordWriter(ctx context.Context, store storage.Storage, path string) (recordwriter.RecordWriter, error) {
	f, err := openFile(ctx, store, path)
	if err != nil {
		return nil, err
	}

	ocf, err := goavro.NewOCFWriter(goavro.OCFConfig{
		W:               f.out,
		Codec:           p.codec,
		CompressionName: p.compressionName,
	})
	if err != nil {
		f.out.Close()
		return nil, fmt.Errorf("failed to create OCF writer: %w", err)
	}

	return &AvroWriter{file: f, ocf: ocf}, nil
}

// Format returns the file format.
func (p *AvroProvider) Format() event.FileFormat {
	return event.FormatAvro
}

// AvroWriter appends one OCF block per record.
type AvroWriter struct {
	file *fileWriter
	ocf  *goavro.OCFWriter
}

// Write appends record as its own block.
func (w *AvroWriter) Write(record event.Record) error {
	if err := w.file.checkOpen(); err != nil {
		return err
	}
	if err := w.ocf.Append([]interface{}{toAvroMap(record)}); err != nil {
		return fmt.Errorf("failed to write record: %w", err)
	}
	return nil
}

// Close makes the file durable.
func (w *AvroWriter) Close() error {
	return w.file.Close()
}

func toAvroMap(record event.Record) map[string]interface{} {
	headers := make(map[string]interface{}, len(record.Headers))
	for k, v := range record.Headers {
		headers[k] = v
	}

	avroMap := map[string]interface{}{
		"topic":     record.Topic,
		"partition": record.Partition,
		"offset":    record.Offset,
		"timestamp": record.Timestamp.UnixMilli(),
		"headers":   headers,
		"key":       nil,
		"value":     nil,
	}

	// Optional fields - use goavro.Union for nullable fields
	if record.Key != nil {
		avroMap["key"] = goavro.Union("bytes", record.Key)
	}
	if record.Value != nil {
		avroMap["value"] = goavro.Union("bytes", record.Value)
	}

	return avroMap
}
