// Package query_batcher drives a document-query workload against a
// forest-sharded store: it fans page-fetch tasks across the forests of the
// current configuration, streams matching URIs to registered listeners in
// fixed-size batches, and adapts to configuration changes pushed in
// mid-job. An alternate construction batches a caller-supplied URI sequence
// instead of running a server query.
package query_batcher

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/comfforts/logger"

	"github.com/hankgalt/query-batcher/pkg/domain"
	"github.com/hankgalt/query-batcher/pkg/pool"
)

// QueryBatcher coordinates the page-fetch tasks of one job. Configuration
// setters are only valid before Start; control operations (WithForestConfig,
// Retry, Stop, AwaitCompletion) are valid any time after construction.
type QueryBatcher struct {
	// mu serializes Start and WithForestConfig with each other.
	mu sync.Mutex
	// stateMu guards the forest maps, config snapshot and quarantine.
	stateMu sync.Mutex

	l        *slog.Logger
	query    domain.Query
	iter     domain.URIIterator
	provider domain.ClientProvider

	jobName            string
	batchSize          int
	threadCount        int
	threadCountSet     bool
	consistentSnapshot bool
	urisReadyListeners []domain.BatchListener
	failureListeners   []domain.FailureListener

	workers   *pool.Pool
	jobTicket domain.JobTicket
	ctx       context.Context
	cancel    context.CancelFunc

	batchNumber     atomic.Int64
	resultsSoFar    atomic.Int64
	serverTimestamp atomic.Int64
	stopped         atomic.Bool
	clientList      atomic.Pointer[[]domain.ForestClient]

	forestConfig     domain.ForestConfiguration
	forests          []domain.Forest
	forestResults    map[string]*atomic.Int64
	forestIsDone     map[string]*atomic.Bool
	blackListedTasks map[string][]*queryTask
}

// NewQueryBatcher builds the query variant: one pagination stream per forest
// in the configuration.
func NewQueryBatcher(query domain.Query, provider domain.ClientProvider, fc domain.ForestConfiguration) (*QueryBatcher, error) {
	if query == nil {
		return nil, ErrNilQuery
	}
	qb, err := newBatcher(provider, fc)
	if err != nil {
		return nil, err
	}
	qb.query = query
	return qb, nil
}

// NewIteratorBatcher builds the iterator variant: batches are cut from the
// supplied sequence and dispatched round-robin across the configured hosts.
func NewIteratorBatcher(iter domain.URIIterator, provider domain.ClientProvider, fc domain.ForestConfiguration) (*QueryBatcher, error) {
	if iter == nil {
		return nil, ErrNilIterator
	}
	qb, err := newBatcher(provider, fc)
	if err != nil {
		return nil, err
	}
	qb.iter = iter
	return qb, nil
}

func newBatcher(provider domain.ClientProvider, fc domain.ForestConfiguration) (*QueryBatcher, error) {
	if provider == nil {
		return nil, ErrNilClientProvider
	}
	if fc == nil {
		return nil, ErrNilForestConfig
	}
	qb := &QueryBatcher{
		l:                logger.GetSlogLogger(),
		provider:         provider,
		batchSize:        DefaultBatchSize,
		forestResults:    map[string]*atomic.Int64{},
		forestIsDone:     map[string]*atomic.Bool{},
		blackListedTasks: map[string][]*queryTask{},
	}
	qb.serverTimestamp.Store(-1)
	if _, err := qb.applyForestConfig(fc); err != nil {
		return nil, err
	}
	return qb, nil
}

// WithLogger replaces the batcher's logger. Valid before start.
func (qb *QueryBatcher) WithLogger(l *slog.Logger) error {
	if err := qb.requireNotStarted(); err != nil {
		return err
	}
	if l != nil {
		qb.l = l
	}
	return nil
}

// WithJobName sets the job name used in log lines.
func (qb *QueryBatcher) WithJobName(name string) error {
	if err := qb.requireNotStarted(); err != nil {
		return err
	}
	qb.jobName = name
	return nil
}

// WithBatchSize sets the page length requested from each forest.
func (qb *QueryBatcher) WithBatchSize(size int) error {
	if err := qb.requireNotStarted(); err != nil {
		return err
	}
	qb.batchSize = size
	return nil
}

// WithThreadCount sets the worker count. Values below 1 are rejected.
func (qb *QueryBatcher) WithThreadCount(count int) error {
	if err := qb.requireNotStarted(); err != nil {
		return err
	}
	if count < 1 {
		return ErrInvalidThreadCount
	}
	qb.threadCount = count
	qb.threadCountSet = true
	return nil
}

// WithConsistentSnapshot pins every page of every forest to the server
// timestamp of the first successful page.
func (qb *QueryBatcher) WithConsistentSnapshot() error {
	if err := qb.requireNotStarted(); err != nil {
		return err
	}
	qb.consistentSnapshot = true
	return nil
}

// OnURIsReady appends a batch listener. Listeners are invoked in
// registration order on the worker goroutine that fetched the batch.
func (qb *QueryBatcher) OnURIsReady(listener domain.BatchListener) error {
	if listener == nil {
		return ErrNilListener
	}
	if err := qb.requireNotStarted(); err != nil {
		return err
	}
	qb.urisReadyListeners = append(qb.urisReadyListeners, listener)
	return nil
}

// OnQueryFailure appends a failure listener.
func (qb *QueryBatcher) OnQueryFailure(listener domain.FailureListener) error {
	if listener == nil {
		return ErrNilListener
	}
	if err := qb.requireNotStarted(); err != nil {
		return err
	}
	qb.failureListeners = append(qb.failureListeners, listener)
	return nil
}

// SetURIsReadyListeners replaces the registered batch listeners.
func (qb *QueryBatcher) SetURIsReadyListeners(listeners ...domain.BatchListener) error {
	if err := qb.requireNotStarted(); err != nil {
		return err
	}
	qb.urisReadyListeners = append([]domain.BatchListener{}, listeners...)
	return nil
}

// SetQueryFailureListeners replaces the registered failure listeners.
func (qb *QueryBatcher) SetQueryFailureListeners(listeners ...domain.FailureListener) error {
	if err := qb.requireNotStarted(); err != nil {
		return err
	}
	qb.failureListeners = append([]domain.FailureListener{}, listeners...)
	return nil
}

func (qb *QueryBatcher) JobName() string { return qb.jobName }

func (qb *QueryBatcher) BatchSize() int { return qb.batchSize }

func (qb *QueryBatcher) ThreadCount() int { return qb.threadCount }

// ForestConfig returns the current forest configuration snapshot.
func (qb *QueryBatcher) ForestConfig() domain.ForestConfiguration {
	qb.stateMu.Lock()
	defer qb.stateMu.Unlock()
	return qb.forestConfig
}

func (qb *QueryBatcher) started() bool {
	qb.stateMu.Lock()
	defer qb.stateMu.Unlock()
	return qb.workers != nil
}

func (qb *QueryBatcher) requireNotStarted() error {
	if qb.started() {
		return ErrJobAlreadyStarted
	}
	return nil
}

func (qb *QueryBatcher) requireJobStarted() error {
	if !qb.started() {
		return ErrJobNotStarted
	}
	return nil
}

// Start resolves defaulted configuration, builds the worker pool and seeds
// the job's tasks. The ticket identifies the job from here on.
func (qb *QueryBatcher) Start(ticket domain.JobTicket) error {
	qb.mu.Lock()

	if qb.started() {
		qb.mu.Unlock()
		qb.l.Warn("Start called more than once", "job", qb.jobName)
		return ErrJobAlreadyStarted
	}
	if qb.batchSize <= 0 {
		qb.l.Warn("batchSize should be 1 or greater, setting batchSize to 1", "job", qb.jobName)
		qb.batchSize = 1
	}
	if !qb.threadCountSet {
		if qb.query != nil {
			count := len(qb.currentForests())
			qb.l.Warn("threadCount not set, defaulting to number of forests", "count", count)
			qb.threadCount = count
		} else {
			count := len(*qb.clientList.Load())
			qb.l.Warn("threadCount not set, defaulting to number of hosts", "count", count)
			qb.threadCount = count
		}
		qb.threadCountSet = true
	}

	qb.l.Info(
		"starting job",
		"job", qb.jobName,
		"batchSize", qb.batchSize,
		"threadCount", qb.threadCount,
		"urisReady-listeners", len(qb.urisReadyListeners),
		"failure-listeners", len(qb.failureListeners),
	)

	qb.jobTicket = ticket
	qb.ctx, qb.cancel = context.WithCancel(context.Background())
	workers := pool.New(qb.threadCount, qb.l)
	workers.OnTerminated(func() {
		qb.l.Info(
			"job complete",
			"job", qb.jobName,
			"jobBatchNumber", qb.batchNumber.Load(),
			"jobResultsSoFar", qb.resultsSoFar.Load(),
		)
	})
	qb.stateMu.Lock()
	qb.workers = workers
	qb.stateMu.Unlock()

	// seed tasks outside the monitor: a seeded task may run inline on this
	// goroutine (snapshot mode, or queue overflow) and its listeners may
	// re-enter the control surface
	seeds := qb.currentForests()
	qb.mu.Unlock()

	if qb.query != nil {
		qb.startQuerying(seeds)
	} else {
		qb.startIterating()
	}
	return nil
}

// startQuerying seeds one first-page task per forest. With consistent
// snapshot enabled the first task runs on the starting goroutine so the
// server timestamp is fixed before parallel tasks begin.
func (qb *QueryBatcher) startQuerying(seeds []domain.Forest) {
	firstQueryHasRun := false
	for _, forest := range seeds {
		task := &queryTask{
			batcher:           qb,
			forest:            forest,
			forestBatchNum:    1,
			start:             1,
			retryBatchNumber:  -1,
			callFailListeners: true,
		}
		if qb.consistentSnapshot && !firstQueryHasRun {
			task.Run()
			firstQueryHasRun = true
		} else {
			qb.workers.Execute(task)
		}
	}
}

// WithForestConfig replaces the forest configuration. Before start it just
// sets the forests and hosts to talk to. Mid-job it reconciles queued work:
// tasks for forests that disappeared are quarantined until those forests
// reappear, tasks for re-appearing forests are re-queued with their original
// offsets, and brand-new forests are seeded from offset 1. Running tasks are
// not cancelled; they finish against the host they already resolved.
func (qb *QueryBatcher) WithForestConfig(fc domain.ForestConfiguration) error {
	if fc == nil {
		return ErrNilForestConfig
	}
	qb.mu.Lock()
	pending, err := qb.applyForestConfig(fc)
	qb.mu.Unlock()
	if err != nil {
		return err
	}

	// submissions run outside the monitor: with a full queue a task runs
	// inline on this goroutine and its listeners may re-enter the control
	// surface
	for _, r := range pending {
		qb.workerPool().Execute(r)
	}
	if qb.started() {
		qb.shutdownIfAllForestsAreDone()
	}
	return nil
}

func (qb *QueryBatcher) applyForestConfig(fc domain.ForestConfiguration) ([]pool.Runnable, error) {
	forests := fc.ListForests()
	if len(forests) == 0 {
		return nil, domain.ErrNoForests
	}
	for _, f := range forests {
		if f.PreferredHost == "" {
			return nil, fmt.Errorf("forest %s: %w", f.Name, domain.ErrMissingPreferredHost)
		}
	}

	hostForests := domain.HostForests(forests)
	hosts := domain.PreferredHosts(forests)
	newClients := make([]domain.ForestClient, 0, len(hosts))
	for _, host := range hosts {
		client, err := qb.provider.ForestClient(hostForests[host])
		if err != nil {
			return nil, fmt.Errorf("client for host %s: %w", host, err)
		}
		newClients = append(newClients, client)
	}

	qb.stateMu.Lock()
	oldForests := make(map[string]bool, len(qb.forestResults))
	for id := range qb.forestResults {
		oldForests[id] = true
	}
	for _, f := range forests {
		if qb.forestResults[f.ID] == nil {
			qb.forestResults[f.ID] = &atomic.Int64{}
		}
		if qb.forestIsDone[f.ID] == nil {
			qb.forestIsDone[f.ID] = &atomic.Bool{}
		}
	}
	qb.forestConfig = fc
	qb.forests = append([]domain.Forest{}, forests...)
	started := qb.workers != nil
	qb.stateMu.Unlock()
	qb.clientList.Store(&newClients)

	qb.l.Info(
		"(withForestConfig) using hosts",
		"hosts", hosts,
		"database", forests[0].DatabaseName,
		"job", qb.jobName,
	)

	if started && len(oldForests) > 0 {
		return qb.calculateDeltas(oldForests, forests), nil
	}
	return nil, nil
}

func (qb *QueryBatcher) calculateDeltas(oldForests map[string]bool, forests []domain.Forest) []pool.Runnable {
	var addedForests, restartedForests []domain.Forest
	blackListedForests := make(map[string]bool, len(oldForests))
	for id := range oldForests {
		blackListedForests[id] = true
	}

	qb.stateMu.Lock()
	for _, f := range forests {
		if !oldForests[f.ID] {
			addedForests = append(addedForests, f)
		}
		if len(qb.blackListedTasks[f.ID]) > 0 {
			restartedForests = append(restartedForests, f)
		}
		delete(blackListedForests, f.ID)
	}
	qb.stateMu.Unlock()

	return qb.cleanupExistingTasks(addedForests, restartedForests, blackListedForests)
}

// cleanupExistingTasks reconciles queued work with the new configuration
// and returns the tasks to submit once the monitor is released.
func (qb *QueryBatcher) cleanupExistingTasks(addedForests, restartedForests []domain.Forest, blackListedForests map[string]bool) []pool.Runnable {
	var pending []pool.Runnable

	if len(blackListedForests) > 0 {
		ids := make([]string, 0, len(blackListedForests))
		for id := range blackListedForests {
			ids = append(ids, id)
		}
		qb.l.Warn("removing queued tasks for offline forests", "forests", ids, "job", qb.jobName)
		drained := qb.workers.DrainQueue()
		for _, r := range drained {
			task, ok := r.(*queryTask)
			if ok && blackListedForests[task.forest.ID] {
				// hold the task in case this forest comes back online
				qb.stateMu.Lock()
				qb.blackListedTasks[task.forest.ID] = append(qb.blackListedTasks[task.forest.ID], task)
				qb.stateMu.Unlock()
				continue
			}
			// still valid, re-queue in the order drained
			pending = append(pending, r)
		}
	}

	if len(addedForests) > 0 {
		qb.l.Warn("adding tasks for new forests", "forests", domain.ForestNames(addedForests), "job", qb.jobName)
	}
	for _, forest := range addedForests {
		// the snapshot timestamp, if any, is already fixed by now
		pending = append(pending, &queryTask{
			batcher:           qb,
			forest:            forest,
			forestBatchNum:    1,
			start:             1,
			retryBatchNumber:  -1,
			callFailListeners: true,
		})
	}

	if len(restartedForests) > 0 {
		qb.l.Warn("re-adding quarantined tasks for forests", "forests", domain.ForestNames(restartedForests), "job", qb.jobName)
	}
	for _, forest := range restartedForests {
		qb.stateMu.Lock()
		tasks := qb.blackListedTasks[forest.ID]
		delete(qb.blackListedTasks, forest.ID)
		qb.stateMu.Unlock()
		for _, task := range tasks {
			pending = append(pending, task)
		}
	}

	return pending
}

// Retry re-enters the pipeline at the offset where the given failure
// occurred and runs the page fetch synchronously on the calling goroutine.
// Failure listeners are not re-entered; an error is returned to the caller
// instead. On success the fetched batch flows to listeners with the failed
// batch's job batch number and pagination resumes as usual.
func (qb *QueryBatcher) Retry(failure *domain.BatchFailure) error {
	if err := qb.requireJobStarted(); err != nil {
		return err
	}
	if failure == nil || failure.Batch() == nil || failure.Batch().Forest() == nil {
		return ErrInvalidFailureEvent
	}
	batch := failure.Batch()
	eventForest := *batch.Forest()

	// look the forest up in the current configuration so the retry targets
	// the currently preferred host
	var retryForest *domain.Forest
	for _, f := range qb.currentForests() {
		if f.Equal(eventForest) {
			retryForest = &f
			break
		}
	}
	if retryForest == nil {
		return fmt.Errorf("forest %s: %w", eventForest.Name, ErrForestNotInConfig)
	}

	// we're obviously not done with this forest
	if isDone := qb.forestDone(retryForest.ID); isDone != nil {
		isDone.Store(false)
	}
	start := batch.ForestResultsSoFar() + 1
	qb.l.Debug(
		"retrying batch",
		"forest", retryForest.Name,
		"host", retryForest.PreferredHost,
		"start", start,
		"job", qb.jobName,
	)
	task := &queryTask{
		batcher:           qb,
		forest:            *retryForest,
		forestBatchNum:    batch.ForestBatchNumber(),
		start:             start,
		retryBatchNumber:  batch.JobBatchNumber(),
		callFailListeners: false,
	}
	return task.run()
}

// Stop halts the job: queued tasks are discarded and running tasks observe
// the cancelled context. Best effort; already fetched batches may still
// reach listeners.
func (qb *QueryBatcher) Stop() {
	qb.stopped.Store(true)
	if qb.cancel != nil {
		qb.cancel()
	}
	qb.stateMu.Lock()
	workers := qb.workers
	qb.stateMu.Unlock()
	if workers != nil {
		workers.ShutdownNow()
	}
	if qb.query != nil {
		qb.stateMu.Lock()
		for _, done := range qb.forestIsDone {
			if !done.Load() {
				qb.l.Warn("query batcher stopped before all results were retrieved", "job", qb.jobName)
				break
			}
		}
		qb.stateMu.Unlock()
	} else if qb.iter != nil {
		if peek, ok := qb.iter.(interface{ HasNext() bool }); ok && peek.HasNext() {
			qb.l.Warn("query batcher stopped before all results were processed", "job", qb.jobName)
		}
	}
}

// AwaitCompletion blocks until the job has fully terminated.
func (qb *QueryBatcher) AwaitCompletion() (bool, error) {
	return qb.AwaitCompletionWithTimeout(0)
}

// AwaitCompletionWithTimeout blocks until the job has fully terminated or
// the timeout elapses; it reports false on timeout. A timeout <= 0 waits
// indefinitely.
func (qb *QueryBatcher) AwaitCompletionWithTimeout(timeout time.Duration) (bool, error) {
	if err := qb.requireJobStarted(); err != nil {
		return false, err
	}
	return qb.workerPool().AwaitTermination(timeout), nil
}

// IsStopped reports whether the job's worker pool has fully terminated.
func (qb *QueryBatcher) IsStopped() bool {
	p := qb.workerPool()
	return p != nil && p.IsTerminated()
}

// GetJobTicket returns the ticket fixed at start.
func (qb *QueryBatcher) GetJobTicket() (domain.JobTicket, error) {
	if err := qb.requireJobStarted(); err != nil {
		return domain.JobTicket{}, err
	}
	return qb.jobTicket, nil
}

func (qb *QueryBatcher) workerPool() *pool.Pool {
	qb.stateMu.Lock()
	defer qb.stateMu.Unlock()
	return qb.workers
}

func (qb *QueryBatcher) currentForests() []domain.Forest {
	qb.stateMu.Lock()
	defer qb.stateMu.Unlock()
	return qb.forests
}

// currentForest resolves the task's forest against the current
// configuration so the fetch targets the currently preferred host.
func (qb *QueryBatcher) currentForest(f domain.Forest) domain.Forest {
	for _, cur := range qb.currentForests() {
		if cur.Equal(f) {
			return cur
		}
	}
	return f
}

func (qb *QueryBatcher) forestDone(id string) *atomic.Bool {
	qb.stateMu.Lock()
	defer qb.stateMu.Unlock()
	return qb.forestIsDone[id]
}

func (qb *QueryBatcher) forestResultCount(id string) *atomic.Int64 {
	qb.stateMu.Lock()
	defer qb.stateMu.Unlock()
	return qb.forestResults[id]
}

// shutdownIfAllForestsAreDone requests orderly pool shutdown once every
// forest of the current configuration is done. Entries for forests that
// have been removed from the configuration keep their counters for a
// possible resume but do not hold up termination.
func (qb *QueryBatcher) shutdownIfAllForestsAreDone() {
	qb.stateMu.Lock()
	current := make(map[string]bool, len(qb.forests))
	for _, f := range qb.forests {
		current[f.ID] = true
	}
	for id, done := range qb.forestIsDone {
		if !current[id] {
			continue
		}
		if !done.Load() {
			qb.stateMu.Unlock()
			return
		}
	}
	workers := qb.workers
	qb.stateMu.Unlock()
	if workers != nil {
		workers.Shutdown()
	}
}

func (qb *QueryBatcher) notifyURIsReady(ctx context.Context, batch *domain.QueryBatch) {
	for _, listener := range qb.urisReadyListeners {
		qb.guardListener(func() error { return listener.ProcessBatch(ctx, batch) }, "urisReady")
	}
}

func (qb *QueryBatcher) notifyQueryFailure(ctx context.Context, failure *domain.BatchFailure) {
	for _, listener := range qb.failureListeners {
		qb.guardListener(func() error { return listener.ProcessFailure(ctx, failure) }, "failure")
	}
}

// guardListener keeps listener errors and panics from affecting pagination.
func (qb *QueryBatcher) guardListener(fn func() error, kind string) {
	defer func() {
		if r := recover(); r != nil {
			qb.l.Error("listener panicked", "kind", kind, "recovered", r, "job", qb.jobName)
		}
	}()
	if err := fn(); err != nil {
		qb.l.Error("listener returned error", "kind", kind, "error", err, "job", qb.jobName)
	}
}
