package coordstore

import "context"

// Gate is a per-service boolean readiness flag (§4.5): the reconciler
// sets it after a successful run, and a dependent service must refuse
// write traffic while it is unset on boot.
type Gate struct {
	store *Store
	name  string
}

// NewGate builds a gate named name (e.g. "execution", "signals").
func NewGate(store *Store, name string) *Gate {
	return &Gate{store: store, name: name}
}

func (g *Gate) key() string { return "reconciled:" + g.name }

// Set marks the gate ready or not-ready.
func (g *Gate) Set(ctx context.Context, ready bool) error {
	val := "false"
	if ready {
		val = "true"
	}
	return g.store.Set(ctx, g.key(), val, 0)
}

// Ready reports whether the gate is currently set. An unset key (never
// written, e.g. on first boot before any reconcile has run) reports false.
func (g *Gate) Ready(ctx context.Context) (bool, error) {
	val, ok, err := g.store.Get(ctx, g.key())
	if err != nil {
		return false, err
	}
	return ok && val == "true", nil
}
