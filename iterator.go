package query_batcher

import (
	"sync/atomic"
	"time"

	"github.com/hankgalt/query-batcher/pkg/domain"
	"github.com/hankgalt/query-batcher/pkg/pool"
)

// startIterating runs one long-lived driver task on the pool. The driver
// pulls URIs from the caller's sequence, cuts batches of batchSize, and
// queues a dispatch task per batch. Dispatch tasks pick their transport
// client round-robin across the configured hosts so listeners doing
// follow-up calls spread load over the cluster. Iteration errors are
// reported to failure listeners and the sequence continues; the pool shuts
// down once the sequence is drained.
func (qb *QueryBatcher) startIterating() {
	qb.workers.Execute(pool.RunnableFunc(func() {
		var batchNumber, resultsSoFar atomic.Int64
		uriQueue := make([]string, 0, qb.batchSize)
		for {
			if qb.ctx.Err() != nil || qb.stopped.Load() {
				break
			}
			uri, ok, err := qb.iter.Next()
			if err != nil {
				qb.reportIterationFailure(err)
				continue
			}
			if ok {
				uriQueue = append(uriQueue, uri)
			}
			if len(uriQueue) > 0 && (len(uriQueue) == qb.batchSize || !ok) {
				uris := uriQueue
				uriQueue = make([]string, 0, qb.batchSize)
				qb.workers.Execute(qb.dispatchTask(uris, &batchNumber, &resultsSoFar))
			}
			if !ok {
				break
			}
		}
		qb.workers.Shutdown()
	}))
}

func (qb *QueryBatcher) dispatchTask(uris []string, batchNumber, resultsSoFar *atomic.Int64) pool.Runnable {
	return pool.RunnableFunc(func() {
		currentBatchNumber := batchNumber.Add(1)
		// round-robin over a snapshot of the current client list
		clients := *qb.clientList.Load()
		client := clients[currentBatchNumber%int64(len(clients))]
		batch := domain.NewQueryBatch().
			WithClient(client).
			WithTimestamp(time.Now()).
			WithJobTicket(qb.jobTicket).
			WithJobBatchNumber(currentBatchNumber).
			WithJobResultsSoFar(resultsSoFar.Add(int64(len(uris)))).
			WithItems(uris)
		qb.l.Debug(
			"iterator batch ready",
			"size", len(uris),
			"jobBatchNumber", batch.JobBatchNumber(),
			"jobResultsSoFar", batch.JobResultsSoFar(),
			"host", client.Host(),
		)
		qb.notifyURIsReady(qb.ctx, batch)
	})
}

func (qb *QueryBatcher) reportIterationFailure(cause error) {
	clients := *qb.clientList.Load()
	batch := domain.NewQueryBatch().
		WithItems([]string{}).
		WithClient(clients[0]).
		WithTimestamp(time.Now()).
		WithJobTicket(qb.jobTicket)
	qb.notifyQueryFailure(qb.ctx, domain.NewBatchFailure(batch, cause))
	qb.l.Warn("error iterating to queue uris", "error", cause, "job", qb.jobName)
}
