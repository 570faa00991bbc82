package domain

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

const (
	ERR_RESOURCE_NOT_FOUND = "transport: resource not found"
)

var (
	// ErrResourceNotFound is returned (possibly wrapped) by a ForestClient
	// when the store reports no results page at the requested offset. The
	// batcher treats it as a terminal empty page.
	ErrResourceNotFound = errors.New(ERR_RESOURCE_NOT_FOUND)
)

// Query is the serialized document query submitted to the store.
type Query interface {
	String() string
}

// StringQuery is a Query from a raw serialized query string.
type StringQuery string

func (q StringQuery) String() string { return string(q) }

// ForestClient issues one paginated uris request against a single host.
// A timestamp > 0 pins the read to that server timestamp. The returned
// server timestamp is the point in time the page was read at.
type ForestClient interface {
	URIs(ctx context.Context, query Query, forestName string, start, pageLength, timestamp int64) (uris []string, serverTimestamp int64, err error)
	Host() string
}

// ClientProvider resolves the transport client for a forest's currently
// preferred host.
type ClientProvider interface {
	ForestClient(forest Forest) (ForestClient, error)
}

// URIIterator is a lazy sequence of URIs fed to the iterator variant of the
// batcher. ok is false once the sequence is exhausted. A non-nil error is
// reported to failure listeners without ending the sequence.
type URIIterator interface {
	Next() (uri string, ok bool, err error)
}

// SliceIterator is a URIIterator over an in-memory slice.
type SliceIterator struct {
	uris []string
	pos  int
}

func NewSliceIterator(uris []string) *SliceIterator {
	return &SliceIterator{uris: uris}
}

func (it *SliceIterator) Next() (string, bool, error) {
	if it.pos >= len(it.uris) {
		return "", false, nil
	}
	uri := it.uris[it.pos]
	it.pos++
	return uri, true, nil
}

// HasNext reports whether the sequence has more URIs without advancing it.
func (it *SliceIterator) HasNext() bool { return it.pos < len(it.uris) }

// BatchListener receives each batch of matching URIs. Errors (and panics)
// are logged by the batcher and do not affect pagination.
type BatchListener interface {
	ProcessBatch(ctx context.Context, batch *QueryBatch) error
}

// BatchListenerFunc adapts a function to a BatchListener.
type BatchListenerFunc func(ctx context.Context, batch *QueryBatch) error

func (fn BatchListenerFunc) ProcessBatch(ctx context.Context, batch *QueryBatch) error {
	return fn(ctx, batch)
}

// FailureListener receives batch failures. Errors (and panics) are logged by
// the batcher and never propagate.
type FailureListener interface {
	ProcessFailure(ctx context.Context, failure *BatchFailure) error
}

// FailureListenerFunc adapts a function to a FailureListener.
type FailureListenerFunc func(ctx context.Context, failure *BatchFailure) error

func (fn FailureListenerFunc) ProcessFailure(ctx context.Context, failure *BatchFailure) error {
	return fn(ctx, failure)
}

// JobTicketType identifies the kind of job a ticket was issued for.
type JobTicketType string

const (
	QueryBatcherTicket    JobTicketType = "query-batcher"
	IteratorBatcherTicket JobTicketType = "iterator-batcher"
)

// JobTicket is the opaque job identifier fixed at start.
type JobTicket struct {
	JobID string
	Type  JobTicketType
}

func NewJobTicket(t JobTicketType) JobTicket {
	return JobTicket{JobID: uuid.NewString(), Type: t}
}
