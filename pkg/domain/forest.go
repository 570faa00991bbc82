package domain

import (
	"errors"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

const (
	ERR_MISSING_PREFERRED_HOST = "forest: preferred host is required"
	ERR_NO_FORESTS             = "forest: configuration lists no forests"
)

var (
	ErrMissingPreferredHost = errors.New(ERR_MISSING_PREFERRED_HOST)
	ErrNoForests            = errors.New(ERR_NO_FORESTS)
)

// Forest is a snapshot of one shard of the document store. Identity is the
// forest ID; the preferred host may change across configuration updates while
// the ID stays stable.
type Forest struct {
	ID            string
	Name          string
	PreferredHost string
	DatabaseName  string
}

// Equal reports whether two forests refer to the same shard.
func (f Forest) Equal(o Forest) bool { return f.ID == o.ID }

// ForestConfiguration is a point-in-time view of the forests a job should
// talk to, usually supplied by an external discovery/monitoring component.
type ForestConfiguration interface {
	ListForests() []Forest
}

// Forests is a static ForestConfiguration.
type Forests []Forest

func (f Forests) ListForests() []Forest { return f }

// HostForests maps each distinct preferred host to one of its forests.
func HostForests(forests []Forest) map[string]Forest {
	hosts := make(map[string]Forest, len(forests))
	for _, f := range forests {
		if _, ok := hosts[f.PreferredHost]; !ok {
			hosts[f.PreferredHost] = f
		}
	}
	return hosts
}

// PreferredHosts returns the distinct preferred hosts in stable (sorted) order.
func PreferredHosts(forests []Forest) []string {
	hosts := maps.Keys(HostForests(forests))
	slices.Sort(hosts)
	return hosts
}

// ForestNames returns the forest names for logging.
func ForestNames(forests []Forest) []string {
	names := make([]string, 0, len(forests))
	for _, f := range forests {
		names = append(names, f.Name)
	}
	return names
}
