package listeners_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	qb "github.com/hankgalt/query-batcher"
	"github.com/hankgalt/query-batcher/pkg/domain"
	"github.com/hankgalt/query-batcher/pkg/listeners"
)

var errHostDown = errors.New("connect: host down")

// hostTransport scripts responses per host and records which hosts served
// which forests.
type hostTransport struct {
	mu      sync.Mutex
	clients map[string]*hostClient
	served  map[string][]string // forest -> hosts that served it
	handler func(host, forest string, start int64) ([]string, int64, error)
}

func newHostTransport(handler func(host, forest string, start int64) ([]string, int64, error)) *hostTransport {
	return &hostTransport{
		clients: map[string]*hostClient{},
		served:  map[string][]string{},
		handler: handler,
	}
}

func (t *hostTransport) ForestClient(forest domain.Forest) (domain.ForestClient, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if client, ok := t.clients[forest.PreferredHost]; ok {
		return client, nil
	}
	client := &hostClient{host: forest.PreferredHost, transport: t}
	t.clients[forest.PreferredHost] = client
	return client, nil
}

func (t *hostTransport) servedBy(forest string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string{}, t.served[forest]...)
}

type hostClient struct {
	host      string
	transport *hostTransport
}

func (c *hostClient) Host() string { return c.host }

func (c *hostClient) URIs(ctx context.Context, query domain.Query, forestName string, start, pageLength, timestamp int64) ([]string, int64, error) {
	c.transport.mu.Lock()
	c.transport.served[forestName] = append(c.transport.served[forestName], c.host)
	c.transport.mu.Unlock()
	return c.transport.handler(c.host, forestName, start)
}

func TestHostAvailabilityListenerFailsOverAndRetries(t *testing.T) {
	transport := newHostTransport(func(host, forest string, start int64) ([]string, int64, error) {
		if host == "host-a" {
			return nil, 0, errHostDown
		}
		switch forest {
		case "docs-1":
			return []string{"a"}, 10, nil
		case "docs-2":
			return []string{"b"}, 10, nil
		}
		return nil, 0, errors.New("unexpected forest " + forest)
	})

	f1 := domain.Forest{ID: "f-1", Name: "docs-1", PreferredHost: "host-a", DatabaseName: "Documents"}
	f2 := domain.Forest{ID: "f-2", Name: "docs-2", PreferredHost: "host-b", DatabaseName: "Documents"}

	batcher, err := qb.NewQueryBatcher(domain.StringQuery(`{}`), transport, domain.Forests{f1, f2})
	require.NoError(t, err)
	require.NoError(t, batcher.WithBatchSize(2))

	var mu sync.Mutex
	var delivered [][]string
	require.NoError(t, batcher.OnURIsReady(domain.BatchListenerFunc(func(ctx context.Context, batch *domain.QueryBatch) error {
		if len(batch.Items()) == 0 {
			return nil
		}
		mu.Lock()
		delivered = append(delivered, batch.Items())
		mu.Unlock()
		return nil
	})))

	monitor := listeners.NewHostAvailabilityListener(batcher, nil).
		WithSuspendTime(50 * time.Millisecond).
		WithMaxRetries(2).
		WithHostUnavailable(func(err error) bool { return errors.Is(err, errHostDown) })
	require.NoError(t, batcher.OnQueryFailure(monitor))

	require.NoError(t, batcher.Start(domain.NewJobTicket(domain.QueryBatcherTicket)))
	done, err := batcher.AwaitCompletionWithTimeout(5 * time.Second)
	require.NoError(t, err)
	require.True(t, done)

	// every forest's results arrived despite host-a being down
	mu.Lock()
	require.Len(t, delivered, 2)
	mu.Unlock()

	// docs-1 failed on host-a, the retry was served by host-b
	served := transport.servedBy("docs-1")
	require.Equal(t, []string{"host-a", "host-b"}, served)

	// after the suspension window the original configuration is restored
	require.Eventually(t, func() bool {
		for _, f := range batcher.ForestConfig().ListForests() {
			if f.ID == "f-1" {
				return f.PreferredHost == "host-a"
			}
		}
		return false
	}, time.Second, 10*time.Millisecond)
}

func TestHostAvailabilityListenerReassignsQueuedWorkOnFailedHost(t *testing.T) {
	transport := newHostTransport(func(host, forest string, start int64) ([]string, int64, error) {
		if host == "host-a" {
			return nil, 0, errHostDown
		}
		switch forest {
		case "docs-1":
			return []string{"a"}, 10, nil
		case "docs-2":
			return []string{"b"}, 10, nil
		case "docs-3":
			return []string{"c"}, 10, nil
		}
		return nil, 0, errors.New("unexpected forest " + forest)
	})

	// host-a carries two forests; docs-3 has a queued task when docs-1 fails
	f1 := domain.Forest{ID: "f-1", Name: "docs-1", PreferredHost: "host-a", DatabaseName: "Documents"}
	f3 := domain.Forest{ID: "f-3", Name: "docs-3", PreferredHost: "host-a", DatabaseName: "Documents"}
	f2 := domain.Forest{ID: "f-2", Name: "docs-2", PreferredHost: "host-b", DatabaseName: "Documents"}

	batcher, err := qb.NewQueryBatcher(domain.StringQuery(`{}`), transport, domain.Forests{f1, f3, f2})
	require.NoError(t, err)
	require.NoError(t, batcher.WithBatchSize(2))
	require.NoError(t, batcher.WithThreadCount(1))

	var mu sync.Mutex
	var delivered []string
	require.NoError(t, batcher.OnURIsReady(domain.BatchListenerFunc(func(ctx context.Context, batch *domain.QueryBatch) error {
		mu.Lock()
		delivered = append(delivered, batch.Items()...)
		mu.Unlock()
		return nil
	})))

	monitor := listeners.NewHostAvailabilityListener(batcher, nil).
		WithSuspendTime(250 * time.Millisecond).
		WithMaxRetries(2).
		WithHostUnavailable(func(err error) bool { return errors.Is(err, errHostDown) })
	require.NoError(t, batcher.OnQueryFailure(monitor))

	require.NoError(t, batcher.Start(domain.NewJobTicket(domain.QueryBatcherTicket)))
	done, err := batcher.AwaitCompletionWithTimeout(5 * time.Second)
	require.NoError(t, err)
	require.True(t, done)

	mu.Lock()
	require.ElementsMatch(t, []string{"a", "b", "c"}, delivered)
	mu.Unlock()

	// the failed fetch was retried against the surviving host
	require.Equal(t, []string{"host-a", "host-b"}, transport.servedBy("docs-1"))
	// docs-3's queued task was never quarantined: the reassignment kept the
	// forest in the configuration, so the task resolved the new host
	require.Equal(t, []string{"host-b"}, transport.servedBy("docs-3"))
	require.Equal(t, []string{"host-b"}, transport.servedBy("docs-2"))

	// after the suspension window the original configuration is restored
	require.Eventually(t, func() bool {
		restored := 0
		for _, f := range batcher.ForestConfig().ListForests() {
			if (f.ID == "f-1" || f.ID == "f-3") && f.PreferredHost == "host-a" {
				restored++
			}
		}
		return restored == 2
	}, time.Second, 10*time.Millisecond)
}

func TestHostAvailabilityListenerIgnoresOtherFailures(t *testing.T) {
	monitor := listeners.NewHostAvailabilityListener(nil, nil).
		WithHostUnavailable(func(err error) bool { return errors.Is(err, errHostDown) })

	forest := domain.Forest{ID: "f-1", Name: "docs-1", PreferredHost: "host-a"}
	batch := domain.NewQueryBatch().WithForest(forest)
	failure := domain.NewBatchFailure(batch, errors.New("document parse error"))

	// not a host failure: left to other listeners, no batcher interaction
	require.NoError(t, monitor.ProcessFailure(context.Background(), failure))

	// iterator-variant failures carry no forest
	noForest := domain.NewBatchFailure(domain.NewQueryBatch(), errHostDown)
	require.NoError(t, monitor.ProcessFailure(context.Background(), noForest))
}

func TestHostAvailabilityListenerNoSurvivingHosts(t *testing.T) {
	transport := newHostTransport(func(host, forest string, start int64) ([]string, int64, error) {
		return nil, 0, errHostDown
	})

	f1 := domain.Forest{ID: "f-1", Name: "docs-1", PreferredHost: "host-a"}
	batcher, err := qb.NewQueryBatcher(domain.StringQuery(`{}`), transport, domain.Forests{f1})
	require.NoError(t, err)

	monitor := listeners.NewHostAvailabilityListener(batcher, nil).
		WithHostUnavailable(func(err error) bool { return errors.Is(err, errHostDown) })

	forest := domain.Forest{ID: "f-1", Name: "docs-1", PreferredHost: "host-a"}
	batch := domain.NewQueryBatch().WithForest(forest)
	failure := domain.NewBatchFailure(batch, errHostDown)

	require.ErrorIs(t, monitor.ProcessFailure(context.Background(), failure), listeners.ErrNoHostsLeft)
}
