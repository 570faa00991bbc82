package domain

import (
	"fmt"
	"time"
)

// QueryBatch is the per-invocation value handed to batch listeners. It is
// built with the With* chain on the hot path and must not be mutated once
// handed off.
type QueryBatch struct {
	items              []string
	jobBatchNumber     int64
	forestBatchNumber  int64
	jobResultsSoFar    int64
	forestResultsSoFar int64
	forest             *Forest
	client             ForestClient
	serverTimestamp    int64
	timestamp          time.Time
	jobTicket          JobTicket
}

func NewQueryBatch() *QueryBatch {
	return &QueryBatch{}
}

func (b *QueryBatch) WithItems(items []string) *QueryBatch {
	b.items = items
	return b
}

func (b *QueryBatch) WithJobBatchNumber(n int64) *QueryBatch {
	b.jobBatchNumber = n
	return b
}

func (b *QueryBatch) WithForestBatchNumber(n int64) *QueryBatch {
	b.forestBatchNumber = n
	return b
}

func (b *QueryBatch) WithJobResultsSoFar(n int64) *QueryBatch {
	b.jobResultsSoFar = n
	return b
}

func (b *QueryBatch) WithForestResultsSoFar(n int64) *QueryBatch {
	b.forestResultsSoFar = n
	return b
}

func (b *QueryBatch) WithForest(f Forest) *QueryBatch {
	b.forest = &f
	return b
}

func (b *QueryBatch) WithClient(c ForestClient) *QueryBatch {
	b.client = c
	return b
}

func (b *QueryBatch) WithServerTimestamp(ts int64) *QueryBatch {
	b.serverTimestamp = ts
	return b
}

func (b *QueryBatch) WithTimestamp(t time.Time) *QueryBatch {
	b.timestamp = t
	return b
}

func (b *QueryBatch) WithJobTicket(t JobTicket) *QueryBatch {
	b.jobTicket = t
	return b
}

// Items is the URI list for this batch. Callers must not modify it.
func (b *QueryBatch) Items() []string { return b.items }

func (b *QueryBatch) JobBatchNumber() int64 { return b.jobBatchNumber }

func (b *QueryBatch) ForestBatchNumber() int64 { return b.forestBatchNumber }

func (b *QueryBatch) JobResultsSoFar() int64 { return b.jobResultsSoFar }

func (b *QueryBatch) ForestResultsSoFar() int64 { return b.forestResultsSoFar }

// Forest is nil for batches produced by the iterator variant.
func (b *QueryBatch) Forest() *Forest { return b.forest }

// Client is the transport client for the host this batch was read from; a
// listener may use it for follow-up calls against the same host.
func (b *QueryBatch) Client() ForestClient { return b.client }

func (b *QueryBatch) ServerTimestamp() int64 { return b.serverTimestamp }

func (b *QueryBatch) Timestamp() time.Time { return b.timestamp }

func (b *QueryBatch) JobTicket() JobTicket { return b.jobTicket }

// BatchFailure carries the in-flight batch and the underlying cause to
// failure listeners. It satisfies error so it can be handed back to Retry or
// propagated by callers.
type BatchFailure struct {
	batch *QueryBatch
	cause error
}

func NewBatchFailure(batch *QueryBatch, cause error) *BatchFailure {
	return &BatchFailure{batch: batch, cause: cause}
}

func (f *BatchFailure) Batch() *QueryBatch { return f.batch }

func (f *BatchFailure) Cause() error { return f.cause }

func (f *BatchFailure) Error() string {
	if f.batch != nil && f.batch.forest != nil {
		return fmt.Sprintf("query batch failed for forest %s: %v", f.batch.forest.Name, f.cause)
	}
	return fmt.Sprintf("query batch failed: %v", f.cause)
}

func (f *BatchFailure) Unwrap() error { return f.cause }
