// Package recordwriter implements record writers that stream records into a
// partition's temp file in a specific on-disk format.
//
// # Supported Formats
//
//   - Parquet: Columnar format for analytics, written on Close
//   - Avro: Object container file, one block per record
//   - JSON: Newline-delimited JSON, one line per record
//
// # Provider Factory
//
// A Provider is injected into the coordinator and opens one writer per temp file:
//
//	provider, err := recordwriter.NewProvider(event.FormatParquet, "snappy")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	w, err := provider.NewRecordWriter(ctx, store, tempPath)
//
// # Close Semantics
//
// Close makes the file durable. When it fails the writer stays usable for
// another Close attempt; format finalization (footer, final block) runs at
// most once and only the storage close is retried.
//
// # Testing
//
// MemoryProvider creates JSON line writers whose Write and Close calls can be
// made to fail, which is how partition writer backoff paths are exercised.
package recordwriter
