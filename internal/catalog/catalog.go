// Package catalog implements the Catalog Cache component (C2): a
// durable, atomically-swapped CatalogGeneration that answers
// node-descriptor queries and feeds the Semantic Index's delta-driven
// re-embedding.
package catalog

import (
	"context"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/rakunlabs/flowisemcp/internal/circuit"
	"github.com/rakunlabs/flowisemcp/internal/clock"
	"github.com/rakunlabs/flowisemcp/internal/core"
	"github.com/rakunlabs/flowisemcp/internal/corefail"
)

// DefaultStaleness is the default generation age after which
// ensure_fresh triggers a refresh.
const DefaultStaleness = 24 * time.Hour

// NodeLister fetches the live node list from the Flowise gateway. The
// cache always calls it through the circuit gate, never directly.
type NodeLister interface {
	ListNodes(ctx context.Context) ([]core.NodeDescriptor, error)
}

// GenerationStorer persists and restores CatalogGeneration snapshots,
// implementing the generation-directory-plus-pointer-file persisted
// layout.
type GenerationStorer interface {
	SaveGeneration(ctx context.Context, gen core.CatalogGeneration) error
	LoadLatestGeneration(ctx context.Context) (*core.CatalogGeneration, error)
}

// VectorIndexer receives the delta set from a refresh so the Semantic
// Index can batch its re-embedding.
type VectorIndexer interface {
	IndexNodeDelta(ctx context.Context, changed []core.NodeDescriptor) error
}

// Cache is the Catalog Cache component.
type Cache struct {
	clock     clock.Clock
	gate      *circuit.Gate
	lister    NodeLister
	storer    GenerationStorer
	vector    VectorIndexer
	staleness time.Duration

	mu      sync.RWMutex
	current *core.CatalogGeneration

	// refreshMu serializes concurrent refreshes so callers that arrive
	// mid-refresh wait on the running one rather than racing a second
	// fetch. It does not freeze the generation for readers: callers
	// that need one generation across several lookups take Pin once
	// and read from that.
	refreshMu sync.Mutex
}

// New constructs a Cache. vector may be nil if no vector index is
// configured yet (indexing is then skipped, not an error).
func New(clk clock.Clock, gate *circuit.Gate, lister NodeLister, storer GenerationStorer, vector VectorIndexer, staleness time.Duration) *Cache {
	if staleness <= 0 {
		staleness = DefaultStaleness
	}
	return &Cache{
		clock:     clk,
		gate:      gate,
		lister:    lister,
		storer:    storer,
		vector:    vector,
		staleness: staleness,
	}
}

// Restore loads the last committed generation at startup, if any.
func (c *Cache) Restore(ctx context.Context) error {
	gen, err := c.storer.LoadLatestGeneration(ctx)
	if err != nil {
		slog.Warn("catalog: failed to load persisted generation, starting empty", "error", err)
		return nil
	}
	c.mu.Lock()
	c.current = gen
	c.mu.Unlock()
	return nil
}

// snapshot returns the currently committed generation, or nil if none exists yet.
func (c *Cache) snapshot() *core.CatalogGeneration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.current
}

// Age reports how old the current generation is as of now. Callers with
// no generation at all get the maximum possible duration, which always
// exceeds any staleness threshold.
func (c *Cache) Age(now time.Time) time.Duration {
	gen := c.snapshot()
	if gen == nil {
		return time.Duration(1<<63 - 1)
	}
	return now.Sub(gen.FetchedAt)
}

// EnsureFresh refreshes the catalog
// when the current generation is older than the staleness threshold,
// blocking the caller until the refresh resolves. A refresh failure
// with a pre-existing generation degrades to a StaleCatalog warning
// rather than failing the caller; it only returns an error when no
// generation exists and the refresh itself failed.
func (c *Cache) EnsureFresh(ctx context.Context, now time.Time) error {
	gen := c.snapshot()
	if gen != nil && now.Sub(gen.FetchedAt) <= c.staleness {
		return nil
	}

	_, err := c.Refresh(ctx)
	if err == nil {
		return nil
	}

	if gen == nil {
		return err
	}

	slog.Warn("catalog: refresh failed, continuing to serve stale generation", "error", err, "age", now.Sub(gen.FetchedAt))
	return &corefail.StaleCatalog{Age: now.Sub(gen.FetchedAt), Threshold: c.staleness}
}

// RefreshStats summarizes what one refresh changed.
type RefreshStats struct {
	Added      int `json:"added"`
	Changed    int `json:"changed"`
	Deprecated int `json:"deprecated"`
	Total      int `json:"total"`
}

// Refresh runs the two-phase algorithm: fetch through the circuit gate,
// diff against the current generation, commit a new generation under a
// scratch id, then swap the pointer. Only the pointer swap is a
// linearization point; everything before it can fail without any
// visible change.
func (c *Cache) Refresh(ctx context.Context) (RefreshStats, error) {
	c.refreshMu.Lock()
	defer c.refreshMu.Unlock()

	live, err := circuit.Call(ctx, c.gate, core.DependencyGateway, c.lister.ListNodes)
	if err != nil {
		return RefreshStats{}, err
	}

	prev := c.snapshot()
	next, changed, stats := diff(prev, live, c.clock.Now())

	if err := c.storer.SaveGeneration(ctx, next); err != nil {
		return RefreshStats{}, err
	}

	c.mu.Lock()
	c.current = &next
	c.mu.Unlock()

	if c.vector != nil && len(changed) > 0 {
		if err := c.vector.IndexNodeDelta(ctx, changed); err != nil {
			// The generation has already been committed; indexing is
			// best-effort catch-up, not part of the swap's atomicity.
			slog.Warn("catalog: vector index delta update failed", "error", err, "delta_size", len(changed))
		}
	}

	slog.Info("catalog: refresh committed", "generation_id", next.GenerationID, "node_count", len(next.Descriptors))
	return stats, nil
}

// diff builds the next generation from the live list against prev,
// returning the generation and the set of descriptors that were
// inserted or changed (the delta set driving re-embedding).
//
// core.CatalogGeneration.Descriptors is keyed by Name alone, holding
// the representative version (latest non-deprecated, falling back to
// latest overall); AllVersions keyed by Name holds every known version,
// including ones carried forward as deprecated after disappearing from
// a live fetch.
func diff(prev *core.CatalogGeneration, live []core.NodeDescriptor, now time.Time) (core.CatalogGeneration, []core.NodeDescriptor, RefreshStats) {
	next := core.CatalogGeneration{
		GenerationID: ulid.Make().String(),
		FetchedAt:    now,
		Descriptors:  make(map[string]core.NodeDescriptor),
		AllVersions:  make(map[string][]core.NodeDescriptor),
	}

	var (
		changed []core.NodeDescriptor
		stats   RefreshStats
	)
	liveVersions := make(map[string]map[string]bool) // name -> version -> seen

	for _, d := range live {
		if liveVersions[d.Name] == nil {
			liveVersions[d.Name] = make(map[string]bool)
		}
		liveVersions[d.Name][d.Version] = true

		prevDesc, existed := findVersion(prev, d.Name, d.Version)
		switch {
		case !existed:
			stats.Added++
			changed = append(changed, d)
		case !equalDescriptor(prevDesc, d):
			stats.Changed++
			changed = append(changed, d)
		}
		next.AllVersions[d.Name] = append(next.AllVersions[d.Name], d)
	}

	// Disappeared: present in prev but absent from the live fetch.
	// Carried forward marked deprecated, never hard-deleted, so
	// historical flows referencing them still resolve.
	if prev != nil {
		for name, versions := range prev.AllVersions {
			for _, d := range versions {
				if liveVersions[name][d.Version] {
					continue
				}
				deprecated := d
				if !deprecated.Deprecated {
					deprecated.Deprecated = true
					stats.Deprecated++
					changed = append(changed, deprecated)
				}
				next.AllVersions[name] = append(next.AllVersions[name], deprecated)
			}
		}
	}

	for name, versions := range next.AllVersions {
		sort.Slice(versions, func(i, j int) bool { return versionLess(versions[i].Version, versions[j].Version) })
		next.AllVersions[name] = versions
		next.Descriptors[name] = representative(versions)
		stats.Total += len(versions)
	}

	return next, changed, stats
}

// versionLess orders version strings numerically, segment by dotted
// segment ("2" < "10", "1.9" < "1.10"), so the highest version really
// is the last element after sorting. Non-numeric segments fall back to
// string comparison.
func versionLess(a, b string) bool {
	as := strings.Split(a, ".")
	bs := strings.Split(b, ".")

	for i := 0; i < len(as) && i < len(bs); i++ {
		an, aerr := strconv.Atoi(as[i])
		bn, berr := strconv.Atoi(bs[i])
		switch {
		case aerr == nil && berr == nil:
			if an != bn {
				return an < bn
			}
		default:
			if as[i] != bs[i] {
				return as[i] < bs[i]
			}
		}
	}
	return len(as) < len(bs)
}

// representative picks the descriptor Descriptors[name] should hold:
// the latest non-deprecated version, or the latest version overall if
// every known version is deprecated.
func representative(versions []core.NodeDescriptor) core.NodeDescriptor {
	for i := len(versions) - 1; i >= 0; i-- {
		if !versions[i].Deprecated {
			return versions[i]
		}
	}
	return versions[len(versions)-1]
}

func findVersion(gen *core.CatalogGeneration, name, version string) (core.NodeDescriptor, bool) {
	return gen.Lookup(name, version)
}

// equalDescriptor reports whether two descriptors are identical in
// every field a refresh would care about, so that an unchanged node is
// neither re-committed with a new identity nor re-embedded for nothing.
func equalDescriptor(a, b core.NodeDescriptor) bool {
	if a.Name != b.Name || a.Version != b.Version || a.Label != b.Label ||
		a.Category != b.Category || a.Description != b.Description || a.Deprecated != b.Deprecated {
		return false
	}
	if len(a.BaseClasses) != len(b.BaseClasses) {
		return false
	}
	for i := range a.BaseClasses {
		if a.BaseClasses[i] != b.BaseClasses[i] {
			return false
		}
	}
	if len(a.InputAnchors) != len(b.InputAnchors) || len(a.OutputAnchors) != len(b.OutputAnchors) {
		return false
	}
	for i := range a.InputAnchors {
		if a.InputAnchors[i] != b.InputAnchors[i] {
			return false
		}
	}
	for i := range a.OutputAnchors {
		if a.OutputAnchors[i].Name != b.OutputAnchors[i].Name {
			return false
		}
		if len(a.OutputAnchors[i].TypeChain) != len(b.OutputAnchors[i].TypeChain) {
			return false
		}
		for j := range a.OutputAnchors[i].TypeChain {
			if a.OutputAnchors[i].TypeChain[j] != b.OutputAnchors[i].TypeChain[j] {
				return false
			}
		}
	}
	return true
}

// Lookup resolves a descriptor by name against the current generation.
// An empty version selects the latest non-deprecated version for that
// name, falling back to the latest version overall if every version is
// deprecated.
func (c *Cache) Lookup(name, version string) (core.NodeDescriptor, error) {
	d, ok := c.snapshot().Lookup(name, version)
	if !ok {
		return core.NodeDescriptor{}, corefail.UnknownNode(name)
	}
	return d, nil
}

// Pin returns the currently committed generation (nil if none exists
// yet) so a multi-lookup operation like build_flow reads one consistent
// generation throughout, even when a concurrent refresh swaps the
// pointer mid-operation. Generations are immutable once committed, so
// holding the pointer is safe.
func (c *Cache) Pin() *core.CatalogGeneration {
	return c.snapshot()
}

// IterActive enumerates the representative descriptor of each name in
// the current generation, skipping names whose representative is
// deprecated, for semantic indexing. Older non-deprecated versions of a
// name are not included.
func (c *Cache) IterActive() []core.NodeDescriptor {
	gen := c.snapshot()
	if gen == nil {
		return nil
	}

	out := make([]core.NodeDescriptor, 0, len(gen.Descriptors))
	for _, d := range gen.Descriptors {
		if !d.Deprecated {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return versionLess(out[i].Version, out[j].Version)
	})
	return out
}

// GenerationID returns the id of the currently committed generation,
// or the empty string if none exists yet.
func (c *Cache) GenerationID() string {
	gen := c.snapshot()
	if gen == nil {
		return ""
	}
	return gen.GenerationID
}
