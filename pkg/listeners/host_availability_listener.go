package listeners

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/comfforts/logger"

	"github.com/hankgalt/query-batcher/pkg/domain"
)

const (
	ERR_HOST_LISTENER_NO_HOSTS_LEFT = "host availability listener: no healthy hosts left to fail over to"
)

var (
	ErrNoHostsLeft = errors.New(ERR_HOST_LISTENER_NO_HOSTS_LEFT)
)

const (
	DefaultSuspendTime = 10 * time.Minute
	DefaultMaxRetries  = 3
)

// ForestBatcher is the control surface the listener drives.
type ForestBatcher interface {
	WithForestConfig(fc domain.ForestConfiguration) error
	Retry(failure *domain.BatchFailure) error
	ForestConfig() domain.ForestConfiguration
}

// HostAvailabilityListener reacts to host-unavailable failures: it
// reassigns the dead host's forests to the surviving hosts in place,
// schedules the original configuration to be restored after a suspension
// window, and retries the failed batch so the job keeps moving. Every
// forest keeps its identity and stays in the configuration, so pagination
// state is untouched and queued tasks simply resolve the new preferred
// host when they run. When no healthy host remains, ProcessFailure returns
// ErrNoHostsLeft and the failed forest stays halted until an external
// reconfiguration and retry.
type HostAvailabilityListener struct {
	batcher           ForestBatcher
	suspendTime       time.Duration
	maxRetries        int
	isHostUnavailable func(error) bool
	mu                sync.Mutex
	retries           map[string]int
	l                 *slog.Logger
}

func NewHostAvailabilityListener(batcher ForestBatcher, l *slog.Logger) *HostAvailabilityListener {
	if l == nil {
		l = logger.GetSlogLogger()
	}
	return &HostAvailabilityListener{
		batcher:     batcher,
		suspendTime: DefaultSuspendTime,
		maxRetries:  DefaultMaxRetries,
		isHostUnavailable: func(err error) bool {
			var netErr net.Error
			return errors.As(err, &netErr)
		},
		retries: map[string]int{},
		l:       l,
	}
}

// WithSuspendTime sets how long a failed host stays black-listed.
func (h *HostAvailabilityListener) WithSuspendTime(d time.Duration) *HostAvailabilityListener {
	h.suspendTime = d
	return h
}

// WithMaxRetries caps retries per failed batch.
func (h *HostAvailabilityListener) WithMaxRetries(n int) *HostAvailabilityListener {
	h.maxRetries = n
	return h
}

// WithHostUnavailable replaces the matcher deciding which failures mean the
// host is unavailable.
func (h *HostAvailabilityListener) WithHostUnavailable(matcher func(error) bool) *HostAvailabilityListener {
	h.isHostUnavailable = matcher
	return h
}

// ProcessFailure handles one batch failure. Failures that don't look like
// host unavailability, and iterator-variant failures without a forest, are
// left to other listeners.
func (h *HostAvailabilityListener) ProcessFailure(ctx context.Context, failure *domain.BatchFailure) error {
	batch := failure.Batch()
	if batch == nil || batch.Forest() == nil {
		return nil
	}
	if !h.isHostUnavailable(failure.Cause()) {
		return nil
	}

	forest := *batch.Forest()
	key := fmt.Sprintf("%s#%d", forest.ID, batch.ForestBatchNumber())
	h.mu.Lock()
	attempts := h.retries[key]
	if attempts >= h.maxRetries {
		h.mu.Unlock()
		h.l.Warn(
			"host availability listener: retry budget exhausted",
			"forest", forest.Name,
			"forestBatchNumber", batch.ForestBatchNumber(),
			"attempts", attempts,
		)
		return nil
	}
	h.retries[key] = attempts + 1
	h.mu.Unlock()

	original := h.batcher.ForestConfig()
	failedOver, err := failOver(original.ListForests(), forest.PreferredHost)
	if err != nil {
		return err
	}

	h.l.Warn(
		"host availability listener: black-listing host",
		"host", forest.PreferredHost,
		"suspendTime", h.suspendTime,
		"attempt", attempts+1,
	)
	if err := h.batcher.WithForestConfig(failedOver); err != nil {
		return err
	}
	time.AfterFunc(h.suspendTime, func() {
		if err := h.batcher.WithForestConfig(original); err != nil {
			h.l.Error("host availability listener: error restoring forest configuration", "error", err)
		}
	})

	return h.batcher.Retry(failure)
}

// failOver reassigns forests preferring the bad host across the surviving
// hosts, round-robin. Forest identity is unchanged, only the preferred
// host moves, so the engine sees no membership delta.
func failOver(forests []domain.Forest, badHost string) (domain.Forests, error) {
	var survivors []string
	for _, host := range domain.PreferredHosts(forests) {
		if host != badHost {
			survivors = append(survivors, host)
		}
	}
	if len(survivors) == 0 {
		return nil, ErrNoHostsLeft
	}

	reassigned := make(domain.Forests, 0, len(forests))
	next := 0
	for _, f := range forests {
		if f.PreferredHost == badHost {
			f.PreferredHost = survivors[next%len(survivors)]
			next++
		}
		reassigned = append(reassigned, f)
	}
	return reassigned, nil
}
