package event

import (
	"fmt"
	"sort"
	"time"
)

// PartitionID uniquely identifies a Kafka partition.
type PartitionID struct {
	Topic     string
	Partition int32
}

// String returns a string representation of the partition ID in the format "topic-partition".
func (p PartitionID) String() string {
	return fmt.Sprintf("%s-%d", p.Topic, p.Partition)
}

// Record is a single upstream record destined for a partition's temp file.
type Record struct {
	Topic     string
	Partition int32
	Offset    int64
	Key       []byte
	Value     []byte
	Headers   map[string]string
	Timestamp time.Time
}

// PartitionID returns the partition the record belongs to.
func (r Record) PartitionID() PartitionID {
	return PartitionID{Topic: r.Topic, Partition: r.Partition}
}

// Size returns the approximate payload size of the record in bytes.
func (r Record) Size() int64 {
	size := int64(len(r.Key) + len(r.Value))
	for k, v := range r.Headers {
		size += int64(len(k) + len(v))
	}
	return size
}

// GroupByPartition splits records by partition, preserving their relative order.
func GroupByPartition(records []Record) map[PartitionID][]Record {
	grouped := make(map[PartitionID][]Record)
	for _, r := range records {
		pid := r.PartitionID()
		grouped[pid] = append(grouped[pid], r)
	}
	return grouped
}

// SortByOffset sorts records in place by ascending offset.
func SortByOffset(records []Record) {
	sort.SliceStable(records, func(i, j int) bool {
		return records[i].Offset < records[j].Offset
	})
}

// FileStats contains statistics about the records written to a temp file.
type FileStats struct {
	RecordCount    int
	SizeBytes      int64
	FirstWriteTime time.Time
	LastWriteTime  time.Time
}

// FileFormat represents the storage file format.
type FileFormat string

const (
	FormatParquet FileFormat = "parquet"
	FormatAvro    FileFormat = "avro"
	FormatJSON    FileFormat = "json"
)
