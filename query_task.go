package query_batcher

import (
	"context"
	"errors"
	"time"

	"github.com/hankgalt/query-batcher/pkg/domain"
)

// queryTask fetches one page of URIs from one forest starting at one
// offset. The next-page task is created only at the tail of the current
// task's success path, so a forest never has more than one task in flight
// and per-forest batches arrive in ascending offset order.
type queryTask struct {
	batcher           *QueryBatcher
	forest            domain.Forest
	forestBatchNum    int64
	start             int64
	retryBatchNumber  int64
	callFailListeners bool
}

// Run satisfies pool.Runnable. Errors are routed to failure listeners; the
// retry path calls run directly to receive them instead.
func (t *queryTask) Run() {
	if err := t.run(); err != nil {
		t.batcher.l.Error(
			"query task failed",
			"forest", t.forest.Name,
			"start", t.start,
			"error", err,
		)
	}
}

func (t *queryTask) run() error {
	qb := t.batcher

	isDone := qb.forestDone(t.forest.ID)
	if isDone == nil || isDone.Load() {
		qb.l.Error(
			"attempt to query forest after its last batch was already retrieved",
			"forest", t.forest.Name,
			"forestBatchNum", t.forestBatchNum,
			"start", t.start,
		)
		return nil
	}
	if qb.stopped.Load() {
		qb.l.Warn(
			"cancelling query task, job is stopped",
			"forest", t.forest.Name,
			"forestBatchNum", t.forestBatchNum,
			"start", t.start,
		)
		return nil
	}

	ctx := qb.ctx
	forest := qb.currentForest(t.forest)

	batch := domain.NewQueryBatch().
		WithTimestamp(time.Now()).
		WithJobTicket(qb.jobTicket).
		WithForestBatchNumber(t.forestBatchNum).
		WithForest(forest)
	if t.retryBatchNumber != -1 {
		batch = batch.WithJobBatchNumber(t.retryBatchNumber)
	} else {
		batch = batch.WithJobBatchNumber(qb.batchNumber.Add(1))
	}

	client, err := qb.provider.ForestClient(forest)
	if err == nil {
		batch = batch.WithClient(client)
		err = t.fetch(ctx, client, forest, batch)
		if err == nil {
			return nil
		}
	}

	if errors.Is(err, domain.ErrResourceNotFound) {
		// the previous page was exactly full and no results remain
		isDone.Store(true)
		qb.shutdownIfAllForestsAreDone()
		return nil
	}

	// any error outside listeners halts pagination for this forest
	isDone.Store(true)
	if !t.callFailListeners {
		return err
	}
	batch = batch.
		WithJobResultsSoFar(qb.resultsSoFar.Load()).
		WithForestResultsSoFar(qb.forestResultCount(forest.ID).Load())
	qb.notifyQueryFailure(ctx, domain.NewBatchFailure(batch, err))
	qb.shutdownIfAllForestsAreDone()
	return nil
}

func (t *queryTask) fetch(ctx context.Context, client domain.ForestClient, forest domain.Forest, batch *domain.QueryBatch) error {
	qb := t.batcher

	var timestamp int64
	if qb.consistentSnapshot && qb.serverTimestamp.Load() > -1 {
		timestamp = qb.serverTimestamp.Load()
	}
	uris, serverTS, err := client.URIs(ctx, qb.query, forest.Name, t.start, int64(qb.batchSize), timestamp)
	if err != nil {
		return err
	}

	// first successful page in snapshot mode fixes the job's timestamp
	if qb.consistentSnapshot && qb.serverTimestamp.CompareAndSwap(-1, serverTS) {
		qb.l.Info("consistent snapshot timestamp", "timestamp", serverTS, "job", qb.jobName)
	}

	if len(uris) == qb.batchSize {
		// full page, there may be more
		t.launchNextTask()
	} else {
		// a partial page is always the last
		isDone := qb.forestDone(forest.ID)
		isDone.Store(true)
		qb.shutdownIfAllForestsAreDone()
	}

	batch = batch.
		WithItems(uris).
		WithServerTimestamp(qb.serverTimestamp.Load()).
		WithJobResultsSoFar(qb.resultsSoFar.Add(int64(len(uris)))).
		WithForestResultsSoFar(qb.forestResultCount(forest.ID).Add(int64(len(uris))))
	qb.l.Debug(
		"batch ready",
		"size", len(uris),
		"jobBatchNumber", batch.JobBatchNumber(),
		"jobResultsSoFar", batch.JobResultsSoFar(),
		"forest", forest.Name,
	)
	qb.notifyURIsReady(ctx, batch)
	return nil
}

func (t *queryTask) launchNextTask() {
	qb := t.batcher
	if qb.stopped.Load() {
		return
	}
	if isDone := qb.forestDone(t.forest.ID); isDone == nil || isDone.Load() {
		return
	}
	qb.workerPool().Execute(&queryTask{
		batcher:           qb,
		forest:            t.forest,
		forestBatchNum:    t.forestBatchNum + 1,
		start:             t.start + int64(qb.batchSize),
		retryBatchNumber:  -1,
		callFailListeners: true,
	})
}
