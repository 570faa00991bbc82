package query_batcher

import "errors"

const (
	ERR_JOB_ALREADY_STARTED   = "query batcher: configuration cannot be changed after job start"
	ERR_JOB_NOT_STARTED       = "query batcher: job not started"
	ERR_NIL_LISTENER          = "query batcher: listener must not be nil"
	ERR_NIL_QUERY             = "query batcher: query must not be nil"
	ERR_NIL_ITERATOR          = "query batcher: iterator must not be nil"
	ERR_NIL_CLIENT_PROVIDER   = "query batcher: client provider must not be nil"
	ERR_NIL_FOREST_CONFIG     = "query batcher: forest configuration must not be nil"
	ERR_INVALID_THREAD_COUNT  = "query batcher: thread count must be 1 or greater"
	ERR_FOREST_NOT_IN_CONFIG  = "query batcher: forest is not in the current forest configuration"
	ERR_INVALID_FAILURE_EVENT = "query batcher: failure event is missing batch or forest details"
)

var (
	ErrJobAlreadyStarted   = errors.New(ERR_JOB_ALREADY_STARTED)
	ErrJobNotStarted       = errors.New(ERR_JOB_NOT_STARTED)
	ErrNilListener         = errors.New(ERR_NIL_LISTENER)
	ErrNilQuery            = errors.New(ERR_NIL_QUERY)
	ErrNilIterator         = errors.New(ERR_NIL_ITERATOR)
	ErrNilClientProvider   = errors.New(ERR_NIL_CLIENT_PROVIDER)
	ErrNilForestConfig     = errors.New(ERR_NIL_FOREST_CONFIG)
	ErrInvalidThreadCount  = errors.New(ERR_INVALID_THREAD_COUNT)
	ErrForestNotInConfig   = errors.New(ERR_FOREST_NOT_IN_CONFIG)
	ErrInvalidFailureEvent = errors.New(ERR_INVALID_FAILURE_EVENT)
)

// DefaultBatchSize is the page length used when none is configured.
const DefaultBatchSize = 1000
