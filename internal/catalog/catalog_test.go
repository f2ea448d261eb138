package catalog

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rakunlabs/flowisemcp/internal/circuit"
	"github.com/rakunlabs/flowisemcp/internal/clock"
	"github.com/rakunlabs/flowisemcp/internal/core"
	"github.com/rakunlabs/flowisemcp/internal/corefail"
)

type fakeLister struct {
	nodes []core.NodeDescriptor
	fail  error
	calls int
}

func (f *fakeLister) ListNodes(ctx context.Context) ([]core.NodeDescriptor, error) {
	f.calls++
	if f.fail != nil {
		return nil, f.fail
	}
	out := make([]core.NodeDescriptor, len(f.nodes))
	copy(out, f.nodes)
	return out, nil
}

type fakeStorer struct {
	saved []core.CatalogGeneration
	fail  error
}

func (f *fakeStorer) SaveGeneration(ctx context.Context, gen core.CatalogGeneration) error {
	if f.fail != nil {
		return f.fail
	}
	f.saved = append(f.saved, gen)
	return nil
}

func (f *fakeStorer) LoadLatestGeneration(ctx context.Context) (*core.CatalogGeneration, error) {
	if len(f.saved) == 0 {
		return nil, errors.New("empty")
	}
	gen := f.saved[len(f.saved)-1]
	return &gen, nil
}

type fakeIndexer struct {
	deltas [][]core.NodeDescriptor
}

func (f *fakeIndexer) IndexNodeDelta(ctx context.Context, changed []core.NodeDescriptor) error {
	f.deltas = append(f.deltas, changed)
	return nil
}

func descriptor(name, version string) core.NodeDescriptor {
	return core.NodeDescriptor{
		Name:        name,
		Version:     version,
		Label:       name,
		Category:    "Chat Models",
		BaseClasses: []string{name, "BaseChatModel"},
		OutputAnchors: []core.OutputAnchor{
			{Name: name, TypeChain: []string{name, "BaseChatModel"}},
		},
	}
}

func newTestCache(lister *fakeLister, storer *fakeStorer, indexer *fakeIndexer) (*Cache, *clock.Fake) {
	clk := clock.NewFake(time.Unix(1000, 0))
	gate := circuit.New(clk, circuit.Config{}, nil)
	var vi VectorIndexer
	if indexer != nil {
		vi = indexer
	}
	return New(clk, gate, lister, storer, vi, time.Hour), clk
}

func TestRefresh_CountsAddedChangedDeprecated(t *testing.T) {
	lister := &fakeLister{nodes: []core.NodeDescriptor{
		descriptor("chatOpenAI", "1"),
		descriptor("calculator", "1"),
	}}
	cache, _ := newTestCache(lister, &fakeStorer{}, nil)

	stats, err := cache.Refresh(context.Background())
	if err != nil {
		t.Fatalf("refresh failed: %v", err)
	}
	if stats.Added != 2 || stats.Changed != 0 || stats.Deprecated != 0 || stats.Total != 2 {
		t.Fatalf("unexpected stats on first refresh: %+v", stats)
	}

	// Change one descriptor, drop the other.
	changed := descriptor("chatOpenAI", "1")
	changed.Description = "updated"
	lister.nodes = []core.NodeDescriptor{changed}

	stats, err = cache.Refresh(context.Background())
	if err != nil {
		t.Fatalf("second refresh failed: %v", err)
	}
	if stats.Added != 0 || stats.Changed != 1 || stats.Deprecated != 1 {
		t.Fatalf("unexpected stats on second refresh: %+v", stats)
	}

	// The disappeared node is retained, marked deprecated.
	d, err := cache.Lookup("calculator", "")
	if err != nil {
		t.Fatalf("deprecated node must still resolve: %v", err)
	}
	if !d.Deprecated {
		t.Fatalf("expected calculator to be marked deprecated")
	}
}

func TestRefresh_IdenticalResponseIndexesNothing(t *testing.T) {
	lister := &fakeLister{nodes: []core.NodeDescriptor{descriptor("chatOpenAI", "1")}}
	indexer := &fakeIndexer{}
	cache, _ := newTestCache(lister, &fakeStorer{}, indexer)

	if _, err := cache.Refresh(context.Background()); err != nil {
		t.Fatalf("refresh failed: %v", err)
	}
	if _, err := cache.Refresh(context.Background()); err != nil {
		t.Fatalf("second refresh failed: %v", err)
	}

	if len(indexer.deltas) != 1 {
		t.Fatalf("an unchanged catalog must not be re-indexed; deltas: %d", len(indexer.deltas))
	}
}

func TestEnsureFresh_FreshGenerationSkipsGateway(t *testing.T) {
	lister := &fakeLister{nodes: []core.NodeDescriptor{descriptor("chatOpenAI", "1")}}
	cache, clk := newTestCache(lister, &fakeStorer{}, nil)

	if _, err := cache.Refresh(context.Background()); err != nil {
		t.Fatalf("refresh failed: %v", err)
	}
	calls := lister.calls

	if err := cache.EnsureFresh(context.Background(), clk.Now()); err != nil {
		t.Fatalf("EnsureFresh on a fresh generation must succeed: %v", err)
	}
	if lister.calls != calls {
		t.Fatalf("EnsureFresh on a fresh generation must not hit the gateway")
	}
}

func TestEnsureFresh_StaleFallbackKeepsServing(t *testing.T) {
	lister := &fakeLister{nodes: []core.NodeDescriptor{descriptor("chatOpenAI", "1")}}
	cache, clk := newTestCache(lister, &fakeStorer{}, nil)

	if _, err := cache.Refresh(context.Background()); err != nil {
		t.Fatalf("refresh failed: %v", err)
	}
	prevGen := cache.GenerationID()

	clk.Advance(2 * time.Hour)
	lister.fail = errors.New("connection refused")

	err := cache.EnsureFresh(context.Background(), clk.Now())
	var stale *corefail.StaleCatalog
	if !errors.As(err, &stale) {
		t.Fatalf("expected StaleCatalog warning, got %v", err)
	}

	if cache.GenerationID() != prevGen {
		t.Fatalf("a failed refresh must leave the previous generation in place")
	}
	if _, err := cache.Lookup("chatOpenAI", ""); err != nil {
		t.Fatalf("lookups must keep serving from the stale generation: %v", err)
	}
	if cache.Age(clk.Now()) <= time.Hour {
		t.Fatalf("catalog age must exceed the staleness threshold")
	}
}

func TestEnsureFresh_NoGenerationFails(t *testing.T) {
	lister := &fakeLister{fail: errors.New("connection refused")}
	cache, clk := newTestCache(lister, &fakeStorer{}, nil)

	err := cache.EnsureFresh(context.Background(), clk.Now())
	if err == nil {
		t.Fatalf("EnsureFresh must fail when no generation exists and refresh fails")
	}
	var stale *corefail.StaleCatalog
	if errors.As(err, &stale) {
		t.Fatalf("no-generation failure must not masquerade as a staleness warning")
	}
}

func TestLookup_VersionSelection(t *testing.T) {
	v1 := descriptor("chatOpenAI", "1")
	v2 := descriptor("chatOpenAI", "2")
	v2.Deprecated = true
	lister := &fakeLister{nodes: []core.NodeDescriptor{v1, v2}}
	cache, _ := newTestCache(lister, &fakeStorer{}, nil)

	if _, err := cache.Refresh(context.Background()); err != nil {
		t.Fatalf("refresh failed: %v", err)
	}

	d, err := cache.Lookup("chatOpenAI", "")
	if err != nil {
		t.Fatalf("lookup failed: %v", err)
	}
	if d.Version != "1" {
		t.Fatalf("default lookup must pick the latest non-deprecated version, got %q", d.Version)
	}

	d, err = cache.Lookup("chatOpenAI", "2")
	if err != nil {
		t.Fatalf("pinned lookup failed: %v", err)
	}
	if d.Version != "2" || !d.Deprecated {
		t.Fatalf("a pinned version must be honored even when deprecated, got %+v", d)
	}

	if _, err := cache.Lookup("missing", ""); err == nil {
		t.Fatalf("unknown node must not resolve")
	}
}

func TestLookup_VersionOrderingIsNumeric(t *testing.T) {
	lister := &fakeLister{nodes: []core.NodeDescriptor{
		descriptor("chatOpenAI", "2"),
		descriptor("chatOpenAI", "10"),
		descriptor("textSplitter", "1.9"),
		descriptor("textSplitter", "1.10"),
	}}
	cache, _ := newTestCache(lister, &fakeStorer{}, nil)

	if _, err := cache.Refresh(context.Background()); err != nil {
		t.Fatalf("refresh failed: %v", err)
	}

	d, err := cache.Lookup("chatOpenAI", "")
	if err != nil {
		t.Fatalf("lookup failed: %v", err)
	}
	if d.Version != "10" {
		t.Fatalf(`version "10" must outrank "2", got %q`, d.Version)
	}

	d, err = cache.Lookup("textSplitter", "")
	if err != nil {
		t.Fatalf("lookup failed: %v", err)
	}
	if d.Version != "1.10" {
		t.Fatalf(`version "1.10" must outrank "1.9", got %q`, d.Version)
	}
}

func TestRestore_LoadsPersistedGeneration(t *testing.T) {
	lister := &fakeLister{nodes: []core.NodeDescriptor{descriptor("chatOpenAI", "1")}}
	storer := &fakeStorer{}
	cache, _ := newTestCache(lister, storer, nil)
	if _, err := cache.Refresh(context.Background()); err != nil {
		t.Fatalf("refresh failed: %v", err)
	}

	restored, _ := newTestCache(&fakeLister{}, storer, nil)
	if err := restored.Restore(context.Background()); err != nil {
		t.Fatalf("restore failed: %v", err)
	}
	if restored.GenerationID() != cache.GenerationID() {
		t.Fatalf("restored cache must serve the persisted generation")
	}
}
