package dedup

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/scanium/scan-engine/internal/aggregator"
	"github.com/scanium/scan-engine/internal/model"
	"github.com/scanium/scan-engine/internal/state"
)

const (
	// DefaultDuplicateThreshold is deliberately above the aggregator's merge
	// threshold: items that survived aggregation as separate entries need
	// stronger evidence before the engine suggests collapsing them.
	DefaultDuplicateThreshold = 0.75

	// DefaultScanInterval is the period of the background rescan.
	DefaultScanInterval = 10 * time.Second
)

// Detector periodically scans the published items for likely duplicates and
// surfaces them as merge suggestions. Suggestions are advisory: nothing is
// merged until Accept is called, and a rejected group stays dismissed even
// if later rescans find the same pair again.
type Detector struct {
	mgr       *state.Manager
	scorer    *aggregator.Scorer
	threshold float64
	interval  time.Duration
	nowMs     func() int64

	mu        sync.RWMutex
	current   model.MergeSuggestionState
	dismissed map[string]struct{}
	subs      []chan model.MergeSuggestionState
}

// Option configures the detector.
type Option func(*Detector)

// WithThreshold overrides the duplicate score cutoff.
func WithThreshold(t float64) Option {
	return func(d *Detector) { d.threshold = t }
}

// WithScanInterval overrides the background rescan period.
func WithScanInterval(iv time.Duration) Option {
	return func(d *Detector) {
		if iv > 0 {
			d.interval = iv
		}
	}
}

// New creates a detector over the manager's published state.
func New(mgr *state.Manager, scorer *aggregator.Scorer, opts ...Option) *Detector {
	d := &Detector{
		mgr:       mgr,
		scorer:    scorer,
		threshold: DefaultDuplicateThreshold,
		interval:  DefaultScanInterval,
		nowMs:     func() int64 { return time.Now().UnixMilli() },
		dismissed: make(map[string]struct{}),
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// WithNow fixes the detector clock for tests.
func (d *Detector) WithNow(nowMs func() int64) *Detector {
	d.nowMs = nowMs
	return d
}

// Run rescans on a fixed interval until the context is cancelled.
func (d *Detector) Run(ctx context.Context) {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.Rescan()
		}
	}
}

// Rescan recomputes the suggestion set from the current published items
// and publishes it to subscribers.
func (d *Detector) Rescan() {
	items := d.mgr.Items()
	groups := d.findGroups(items)

	d.mu.Lock()
	d.current = model.MergeSuggestionState{
		Groups:        groups,
		GeneratedAtMs: d.nowMs(),
	}
	snapshot := d.current
	subs := append([]chan model.MergeSuggestionState(nil), d.subs...)
	d.mu.Unlock()

	for _, ch := range subs {
		select {
		case ch <- snapshot:
		default:
		}
	}
}

// Suggestions returns the latest suggestion state.
func (d *Detector) Suggestions() model.MergeSuggestionState {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.current
}

// Subscribe returns a channel receiving each recomputed suggestion state.
// Slow subscribers skip intermediate states.
func (d *Detector) Subscribe() <-chan model.MergeSuggestionState {
	ch := make(chan model.MergeSuggestionState, 1)
	d.mu.Lock()
	d.subs = append(d.subs, ch)
	d.mu.Unlock()
	return ch
}

// Accept applies the suggested merge through the state manager and drops
// the suggestion.
func (d *Detector) Accept(ctx context.Context, suggestionID string) error {
	group, ok := d.take(suggestionID, false)
	if !ok {
		return eris.Errorf("dedup: unknown suggestion %s", suggestionID)
	}
	if err := d.mgr.MergeItems(ctx, group.PrimaryItemID, group.SecondaryIDs()); err != nil {
		return eris.Wrapf(err, "dedup: accept suggestion %s", suggestionID)
	}
	zap.L().Info("dedup: merge suggestion accepted",
		zap.String("suggestion_id", suggestionID),
		zap.String("primary_id", group.PrimaryItemID),
		zap.Int("merged", len(group.AllItemIDs)-1),
	)
	return nil
}

// Reject dismisses the suggestion. The underlying items are untouched, and
// the same grouping will not be suggested again.
func (d *Detector) Reject(suggestionID string) error {
	if _, ok := d.take(suggestionID, true); !ok {
		return eris.Errorf("dedup: unknown suggestion %s", suggestionID)
	}
	return nil
}

// take removes the suggestion from the current state, optionally recording
// its signature as dismissed.
func (d *Detector) take(suggestionID string, dismiss bool) (model.MergeGroup, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i, g := range d.current.Groups {
		if g.SuggestionID != suggestionID {
			continue
		}
		d.current.Groups = append(d.current.Groups[:i], d.current.Groups[i+1:]...)
		if dismiss {
			d.dismissed[groupSignature(g.AllItemIDs)] = struct{}{}
		}
		return g, true
	}
	return model.MergeGroup{}, false
}

// findGroups clusters items whose pairwise similarity clears the threshold,
// using union-find over the above-threshold pairs. The oldest item of each
// cluster becomes the primary.
func (d *Detector) findGroups(items []model.ScannedItem) []model.MergeGroup {
	if len(items) < 2 {
		return nil
	}

	parent := make(map[string]string, len(items))
	for _, item := range items {
		parent[item.ID] = item.ID
	}
	var find func(string) string
	find = func(id string) string {
		if parent[id] != id {
			parent[id] = find(parent[id])
		}
		return parent[id]
	}
	union := func(a, b string) {
		parent[find(a)] = find(b)
	}

	pairScore := make(map[string]float64)
	for i := 0; i < len(items); i++ {
		for j := i + 1; j < len(items); j++ {
			score := d.scorer.ScoreSnapshot(items[i], items[j])
			if score > d.threshold {
				union(items[i].ID, items[j].ID)
				pairScore[groupSignature([]string{items[i].ID, items[j].ID})] = score
			}
		}
	}

	byID := make(map[string]model.ScannedItem, len(items))
	clusters := make(map[string][]string)
	for _, item := range items {
		byID[item.ID] = item
		root := find(item.ID)
		clusters[root] = append(clusters[root], item.ID)
	}

	d.mu.RLock()
	dismissed := d.dismissed
	var groups []model.MergeGroup
	for _, ids := range clusters {
		if len(ids) < 2 {
			continue
		}
		sort.Strings(ids)
		if _, skip := dismissed[groupSignature(ids)]; skip {
			continue
		}
		groups = append(groups, model.MergeGroup{
			SuggestionID:  uuid.NewString(),
			PrimaryItemID: pickPrimary(ids, byID),
			AllItemIDs:    ids,
			Score:         maxPairScore(ids, pairScore),
		})
	}
	d.mu.RUnlock()

	sort.Slice(groups, func(i, j int) bool {
		return groups[i].AllItemIDs[0] < groups[j].AllItemIDs[0]
	})
	return groups
}

// pickPrimary prefers the item seen first; ties break on id for stability.
func pickPrimary(ids []string, byID map[string]model.ScannedItem) string {
	primary := ids[0]
	for _, id := range ids[1:] {
		if byID[id].FirstSeenMs < byID[primary].FirstSeenMs {
			primary = id
		}
	}
	return primary
}

func maxPairScore(ids []string, pairScore map[string]float64) float64 {
	best := 0.0
	for i := 0; i < len(ids); i++ {
		for j := i + 1; j < len(ids); j++ {
			if s, ok := pairScore[groupSignature([]string{ids[i], ids[j]})]; ok && s > best {
				best = s
			}
		}
	}
	return best
}

func groupSignature(ids []string) string {
	sorted := append([]string(nil), ids...)
	sort.Strings(sorted)
	return strings.Join(sorted, "|")
}
