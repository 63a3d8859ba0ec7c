// Package event defines the record and partition types shared by the sink.
//
// # Records
//
// A Record carries its stream coordinates along with an opaque payload:
//
//	record := event.Record{
//	    Topic:     "orders",
//	    Partition: 3,
//	    Offset:    1042,
//	    Value:     payload,
//	    Timestamp: time.Now(),
//	}
//
// Offsets are what the sink cares about. They determine which committed
// file a record lands in and where consumption resumes after recovery.
//
// # Partition Identification
//
// PartitionID uniquely identifies a Kafka topic partition and is used as a map key:
//
//	pid := record.PartitionID()
//	key := pid.String() // "orders-3"
//
// # File Formats
//
//	event.FormatParquet  // Columnar format for analytics
//	event.FormatAvro     // Row-based format with schema
//	event.FormatJSON     // Newline-delimited JSON
package event
