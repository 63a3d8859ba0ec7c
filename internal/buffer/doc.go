// Package buffer provides the pending record queue used by partition writers.
//
// Records arrive from the upstream consumer in batches and may be redelivered
// after a rebalance or a consumer seek. A PartitionBuffer keeps them in offset
// order and drops anything at or below its high watermark:
//
//	buf := buffer.New(partitionID, lastCommittedOffset, nil)
//	accepted := buf.Add(records...)
//
// The writer then moves records one at a time into its temp file:
//
//	for {
//	    record, ok := buf.Peek()
//	    if !ok {
//	        break
//	    }
//	    if err := w.Write(record); err != nil {
//	        return err // record stays at the head and is retried later
//	    }
//	    buf.Pop()
//	}
//
// # Thread Safety
//
// All PartitionBuffer methods are safe for concurrent use. Partition writers
// additionally serialize access under their own lock.
package buffer
