package state

import (
	"context"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/scanium/scan-engine/internal/aggregator"
	"github.com/scanium/scan-engine/internal/model"
)

// Listener receives every publish cycle after a mutation. The engine wires
// its coordinators behind one listener; see engine.New for the trigger
// order, which is fixed and documented there.
type Listener func(ChangeSet)

type command struct {
	name     string
	fn       func()
	readonly bool
	done     chan struct{}
}

// Manager owns the canonical item list. Every mutation runs as a closure on
// one writer goroutine, so read-modify-write races on the same item cannot
// interleave: concurrent producers (HTTP handlers, enrichment coordinators)
// submit commands and the single consumer applies them in submission order.
// After each mutation the manager republishes the projection, hands the new
// snapshot to the persistence bridge without waiting for the write, and
// notifies the change listener.
type Manager struct {
	agg    *aggregator.Aggregator
	pub    *ItemStore
	bridge *Bridge

	cmds     chan command
	errs     chan ErrorEvent
	listener Listener
	changes  chan struct{}

	pendingMu  sync.Mutex
	pendingCS  ChangeSet
	hasPending bool

	nowMs func() int64
}

// NewManager wires the aggregator, published store, and persistence bridge.
// The listener may be nil.
func NewManager(agg *aggregator.Aggregator, pub *ItemStore, bridge *Bridge, listener Listener) *Manager {
	return &Manager{
		agg:      agg,
		pub:      pub,
		bridge:   bridge,
		cmds:     make(chan command, 64),
		errs:     make(chan ErrorEvent, 32),
		listener: listener,
		changes:  make(chan struct{}, 1),
		nowMs:    func() int64 { return time.Now().UnixMilli() },
	}
}

// WithNow fixes the manager clock for tests.
func (m *Manager) WithNow(nowMs func() int64) *Manager {
	m.nowMs = nowMs
	return m
}

// Start seeds the aggregator from the store and launches the writer, the
// listener dispatcher, and the persistence bridge. It returns once the
// seed publish has completed.
func (m *Manager) Start(ctx context.Context) error {
	seed, err := m.bridge.Load(ctx)
	if err != nil {
		// A failed load is not fatal: the engine starts empty and the
		// failure is surfaced like any other persistence error.
		zap.L().Warn("state: seed load failed", zap.Error(err))
		m.emitError("load", err)
	} else if len(seed) > 0 {
		m.agg.SeedFromScannedItems(seed)
		zap.L().Info("state: seeded from store", zap.Int("items", len(seed)))
	}
	m.pub.Publish(m.agg.Items())

	go m.bridge.Run(ctx)
	go m.writerLoop(ctx)
	go m.dispatchLoop(ctx)
	return nil
}

func (m *Manager) writerLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case cmd := <-m.cmds:
			cmd.fn()
			if !cmd.readonly {
				m.republish()
			}
			close(cmd.done)
		}
	}
}

// republish runs in the writer context after every mutation.
func (m *Manager) republish() {
	change := m.pub.Publish(m.agg.Items())
	m.bridge.Enqueue(change.Snapshot, change.RemovedIDs)

	if m.listener == nil {
		return
	}
	// Coalesce listener notifications: the dispatcher always sees the
	// newest snapshot, with new-item ids accumulated across skipped
	// cycles. Coordinators therefore must scan state, not count events.
	m.pendingMu.Lock()
	newIDs := append(m.pendingCS.NewIDs, change.NewIDs...)
	m.pendingCS = change
	m.pendingCS.NewIDs = newIDs
	m.hasPending = true
	m.pendingMu.Unlock()

	select {
	case m.changes <- struct{}{}:
	default:
	}
}

func (m *Manager) dispatchLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.changes:
		}
		m.pendingMu.Lock()
		if !m.hasPending {
			m.pendingMu.Unlock()
			continue
		}
		cs := m.pendingCS
		m.pendingCS = ChangeSet{}
		m.hasPending = false
		m.pendingMu.Unlock()

		m.listener(cs)
	}
}

// do submits a mutation to the writer and waits for it to be applied.
func (m *Manager) do(ctx context.Context, name string, fn func()) error {
	return m.submit(ctx, command{name: name, fn: fn, done: make(chan struct{})})
}

// doRead submits a read to the writer. Reads observe state between
// mutations but do not republish, so they never reach the persistence
// bridge or the change listener.
func (m *Manager) doRead(ctx context.Context, name string, fn func()) error {
	return m.submit(ctx, command{name: name, fn: fn, readonly: true, done: make(chan struct{})})
}

func (m *Manager) submit(ctx context.Context, cmd command) error {
	select {
	case m.cmds <- cmd:
	case <-ctx.Done():
		return eris.Wrapf(ctx.Err(), "state: submit %s", cmd.name)
	}
	select {
	case <-cmd.done:
		return nil
	case <-ctx.Done():
		return eris.Wrapf(ctx.Err(), "state: await %s", cmd.name)
	}
}

func (m *Manager) emitError(op string, err error) {
	select {
	case m.errs <- ErrorEvent{Op: op, Err: err, At: time.Now()}:
	default:
		zap.L().Warn("state: error event dropped", zap.String("op", op), zap.Error(err))
	}
}

// ReportError feeds an external failure into the error event stream. The
// persistence bridge uses it so store write failures surface alongside the
// manager's own errors.
func (m *Manager) ReportError(op string, err error) {
	m.emitError(op, err)
}

// Errors returns the error event stream for persistence and background
// failures.
func (m *Manager) Errors() <-chan ErrorEvent {
	return m.errs
}

// Store exposes the read-only published state.
func (m *Manager) Store() *ItemStore {
	return m.pub
}

// Items returns the current published snapshot.
func (m *Manager) Items() []model.ScannedItem {
	return m.pub.Items()
}

// Get returns one published item.
func (m *Manager) Get(id string) (model.ScannedItem, bool) {
	return m.pub.Get(id)
}

// ---- mutations ----

// ProcessDetection routes a single detection through the aggregator.
func (m *Manager) ProcessDetection(ctx context.Context, d model.RawDetection) (model.ScannedItem, error) {
	var out model.ScannedItem
	err := m.do(ctx, "process_detection", func() {
		out = m.agg.ProcessDetection(d).Project()
	})
	return out, err
}

// ProcessDetections routes a batch of detections in input order.
func (m *Manager) ProcessDetections(ctx context.Context, ds []model.RawDetection) ([]model.ScannedItem, error) {
	var out []model.ScannedItem
	err := m.do(ctx, "process_detections", func() {
		for _, item := range m.agg.ProcessDetections(ds) {
			out = append(out, item.Project())
		}
	})
	return out, err
}

// RemoveItem deletes an item. Removing an unknown id reports false.
func (m *Manager) RemoveItem(ctx context.Context, id string) (bool, error) {
	var ok bool
	err := m.do(ctx, "remove_item", func() {
		ok = m.agg.RemoveItem(id)
	})
	return ok, err
}

// RemoveStaleItems reaps items not seen within maxAge.
func (m *Manager) RemoveStaleItems(ctx context.Context, maxAge time.Duration) ([]string, error) {
	var removed []string
	err := m.do(ctx, "remove_stale", func() {
		removed = m.agg.RemoveStaleItems(maxAge.Milliseconds(), m.nowMs())
	})
	return removed, err
}

// ClearAll resets the aggregator, the published state, the thumbnail
// cache, and the persisted snapshot.
func (m *Manager) ClearAll(ctx context.Context) error {
	return m.do(ctx, "clear_all", func() {
		m.agg.Reset()
		m.pub.Clear()
		if err := m.bridge.Clear(ctx); err != nil {
			m.emitError("clear", err)
		}
	})
}

// UpdateSimilarityThreshold tunes the aggregator merge cutoff.
func (m *Manager) UpdateSimilarityThreshold(ctx context.Context, t float64) error {
	return m.do(ctx, "update_threshold", func() {
		m.agg.UpdateSimilarityThreshold(t)
	})
}

// UpdateAttribute writes one attribute. Provenance rules apply: an
// automatic source never replaces a user-sourced value. Reports whether
// the write was applied.
func (m *Manager) UpdateAttribute(ctx context.Context, id string, key model.AttributeKey, attr model.ItemAttribute) (bool, error) {
	var applied bool
	err := m.do(ctx, "update_attribute", func() {
		item, ok := m.agg.Get(id)
		if !ok {
			m.warnUnknown("update_attribute", id)
			return
		}
		applied = item.SetAttribute(key, attr)
	})
	return applied, err
}

// UpdateSummary sets the item summary text. When userEdited is true the
// user-edited latch is set, suppressing automatic regeneration until it is
// explicitly cleared via ClearSummaryUserEdited.
func (m *Manager) UpdateSummary(ctx context.Context, id, text string, userEdited bool) error {
	return m.do(ctx, "update_summary", func() {
		item, ok := m.agg.Get(id)
		if !ok {
			m.warnUnknown("update_summary", id)
			return
		}
		item.SummaryText = text
		if userEdited {
			item.SummaryUserEdited = true
		}
	})
}

// ClearSummaryUserEdited releases the user-edited latch.
func (m *Manager) ClearSummaryUserEdited(ctx context.Context, id string) error {
	return m.do(ctx, "clear_summary_edited", func() {
		item, ok := m.agg.Get(id)
		if !ok {
			m.warnUnknown("clear_summary_edited", id)
			return
		}
		item.SummaryUserEdited = false
	})
}

// AddPhoto appends a photo to the item.
func (m *Manager) AddPhoto(ctx context.Context, id string, photo model.PhotoRef) error {
	return m.do(ctx, "add_photo", func() {
		item, ok := m.agg.Get(id)
		if !ok {
			m.warnUnknown("add_photo", id)
			return
		}
		item.Photos = append(item.Photos, photo)
	})
}

// RemovePhoto removes a photo by id.
func (m *Manager) RemovePhoto(ctx context.Context, id, photoID string) error {
	return m.do(ctx, "remove_photo", func() {
		item, ok := m.agg.Get(id)
		if !ok {
			m.warnUnknown("remove_photo", id)
			return
		}
		for i, p := range item.Photos {
			if p.PhotoID == photoID {
				item.Photos = append(item.Photos[:i], item.Photos[i+1:]...)
				return
			}
		}
	})
}

// UpdateExportContent stores generated listing copy.
func (m *Manager) UpdateExportContent(ctx context.Context, id string, content model.ExportContent) error {
	return m.do(ctx, "update_export", func() {
		item, ok := m.agg.Get(id)
		if !ok {
			m.warnUnknown("update_export", id)
			return
		}
		item.Export = content
	})
}

// UpdateListing records marketplace listing state.
func (m *Manager) UpdateListing(ctx context.Context, id string, info model.ListingInfo) error {
	return m.do(ctx, "update_listing", func() {
		item, ok := m.agg.Get(id)
		if !ok {
			m.warnUnknown("update_listing", id)
			return
		}
		item.Listing = info
	})
}

// ---- classification transitions ----

// StartClassification marks classification in progress and records the
// correlation id. Reports false for an unknown item.
func (m *Manager) StartClassification(ctx context.Context, id, correlationID string) (bool, error) {
	var ok bool
	err := m.do(ctx, "start_classification", func() {
		item, found := m.agg.Get(id)
		if !found {
			m.warnUnknown("start_classification", id)
			return
		}
		item.ClassificationStatus = model.ClassificationInProgress
		item.CorrelationID = correlationID
		item.ClassificationError = ""
		ok = true
	})
	return ok, err
}

// ApplyClassification merges a classification result. Unknown ids are
// logged and dropped inside the aggregator.
func (m *Manager) ApplyClassification(ctx context.Context, id string, result model.ClassificationResult) error {
	return m.do(ctx, "apply_classification", func() {
		m.agg.ApplyEnhancedClassification(id, result)
	})
}

// FailClassification records a classification failure. Attributes from
// earlier successful runs are left untouched.
func (m *Manager) FailClassification(ctx context.Context, id, message string) error {
	return m.do(ctx, "fail_classification", func() {
		item, ok := m.agg.Get(id)
		if !ok {
			m.warnUnknown("fail_classification", id)
			return
		}
		item.ClassificationStatus = model.ClassificationError
		item.ClassificationError = message
	})
}

// ---- enrichment layer transitions ----

// StartEnrichment moves the selected layers to in-progress. An explicit
// request restarts a failed or completed layer.
func (m *Manager) StartEnrichment(ctx context.Context, id string, layers ...model.Layer) error {
	return m.do(ctx, "start_enrichment", func() {
		item, ok := m.agg.Get(id)
		if !ok {
			m.warnUnknown("start_enrichment", id)
			return
		}
		for _, l := range layers {
			switch l {
			case model.EnrichLayerB:
				item.Enrichment.LayerB = model.LayerInProgress
			case model.EnrichLayerC:
				item.Enrichment.LayerC = model.LayerInProgress
			}
		}
	})
}

// CompleteEnrichmentLayer finishes one layer. The transition applies only
// from in-progress, so a stale completion for a layer that was since
// restarted or never started is dropped; lastUpdated is stamped on every
// applied completion and never moves backwards.
func (m *Manager) CompleteEnrichmentLayer(ctx context.Context, id string, layer model.Layer, success bool) error {
	return m.do(ctx, "complete_enrichment", func() {
		item, ok := m.agg.Get(id)
		if !ok {
			m.warnUnknown("complete_enrichment", id)
			return
		}
		final := model.LayerSuccess
		if !success {
			final = model.LayerFailed
		}
		var slot *model.LayerState
		switch layer {
		case model.EnrichLayerB:
			slot = &item.Enrichment.LayerB
		case model.EnrichLayerC:
			slot = &item.Enrichment.LayerC
		default:
			return
		}
		if *slot != model.LayerInProgress {
			zap.L().Debug("state: dropping stale enrichment completion",
				zap.String("item_id", id),
				zap.String("layer", string(layer)),
				zap.String("current", string(*slot)),
			)
			return
		}
		*slot = final
		if now := m.nowMs(); now > item.Enrichment.LastUpdatedMs {
			item.Enrichment.LastUpdatedMs = now
		}
	})
}

// ApplyVision merges vision extraction output and derived attributes.
func (m *Manager) ApplyVision(ctx context.Context, id string, vision model.VisionAttributes, attrs map[model.AttributeKey]model.ItemAttribute) error {
	return m.do(ctx, "apply_vision", func() {
		item, ok := m.agg.Get(id)
		if !ok {
			m.warnUnknown("apply_vision", id)
			return
		}
		m.agg.MergeVision(id, vision)
		for k, attr := range attrs {
			if attr.Source == "" {
				attr.Source = model.SourceVision
			}
			item.SetAttribute(k, attr)
		}
	})
}

// ---- price estimation transitions ----

// StartPriceEstimation marks pricing in progress.
func (m *Manager) StartPriceEstimation(ctx context.Context, id string) (bool, error) {
	var ok bool
	err := m.do(ctx, "start_price", func() {
		item, found := m.agg.Get(id)
		if !found {
			m.warnUnknown("start_price", id)
			return
		}
		item.PriceStatus = model.PriceInProgress
		item.PriceError = ""
		ok = true
	})
	return ok, err
}

// ApplyPriceRange records a successful price estimate.
func (m *Manager) ApplyPriceRange(ctx context.Context, id string, pr model.PriceRange) error {
	return m.do(ctx, "apply_price", func() {
		item, ok := m.agg.Get(id)
		if !ok {
			m.warnUnknown("apply_price", id)
			return
		}
		item.PriceRange = &pr
		item.PriceStatus = model.PriceSuccess
		item.PriceError = ""
	})
}

// FailPriceEstimation records a pricing failure.
func (m *Manager) FailPriceEstimation(ctx context.Context, id, message string) error {
	return m.do(ctx, "fail_price", func() {
		item, ok := m.agg.Get(id)
		if !ok {
			m.warnUnknown("fail_price", id)
			return
		}
		item.PriceStatus = model.PriceError
		item.PriceError = message
	})
}

// ---- merge ----

// MergeItems consolidates the secondary items into the primary: attributes
// are unioned preferring user provenance then higher confidence, photos and
// source detections move to the primary, and the secondaries are deleted.
func (m *Manager) MergeItems(ctx context.Context, primaryID string, secondaryIDs []string) error {
	return m.do(ctx, "merge_items", func() {
		primary, ok := m.agg.Get(primaryID)
		if !ok {
			m.warnUnknown("merge_items", primaryID)
			return
		}
		for _, sid := range secondaryIDs {
			if sid == primaryID {
				continue
			}
			secondary, ok := m.agg.Get(sid)
			if !ok {
				m.warnUnknown("merge_items", sid)
				continue
			}
			consolidate(primary, secondary)
			m.agg.RemoveItem(sid)
		}
	})
}

// consolidate folds secondary into primary without losing data.
func consolidate(primary, secondary *model.AggregatedItem) {
	primary.SourceDetectionIDs = append(primary.SourceDetectionIDs, secondary.SourceDetectionIDs...)
	primary.MergeCount += secondary.MergeCount + 1
	primary.Photos = append(primary.Photos, secondary.Photos...)

	for k, attr := range secondary.Attributes {
		existing, ok := primary.Attributes[k]
		if !ok {
			primary.SetAttribute(k, attr)
			continue
		}
		if existing.Source == model.SourceUser {
			continue
		}
		if attr.Source == model.SourceUser || attr.Confidence > existing.Confidence {
			primary.Attributes[k] = attr
		}
	}

	if secondary.Confidence > primary.Confidence {
		primary.Confidence = secondary.Confidence
		if secondary.Label != "" {
			primary.Label = secondary.Label
		}
	}
	if primary.PriceRange == nil && secondary.PriceRange != nil {
		pr := *secondary.PriceRange
		primary.PriceRange = &pr
		if primary.PriceStatus != model.PriceSuccess {
			primary.PriceStatus = secondary.PriceStatus
		}
	}
	if primary.DomainCategoryID == "" {
		primary.DomainCategoryID = secondary.DomainCategoryID
	}
	if secondary.LastSeenMs > primary.LastSeenMs {
		primary.LastSeenMs = secondary.LastSeenMs
	}
	if secondary.FirstSeenMs != 0 && (primary.FirstSeenMs == 0 || secondary.FirstSeenMs < primary.FirstSeenMs) {
		primary.FirstSeenMs = secondary.FirstSeenMs
	}
}

// Stats reports aggregation statistics.
func (m *Manager) Stats(ctx context.Context) (aggregator.Stats, error) {
	var s aggregator.Stats
	err := m.doRead(ctx, "stats", func() {
		s = m.agg.Stats()
	})
	return s, err
}

func (m *Manager) warnUnknown(op, id string) {
	zap.L().Warn("state: mutation for unknown item",
		zap.String("op", op),
		zap.String("item_id", id),
	)
}
