package batch

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"image-batch-go/internal/compressor"
	"image-batch-go/internal/items"
	"image-batch-go/internal/logger"
	"image-batch-go/internal/results"
	"image-batch-go/internal/transfer"
)

var (
	ErrEmptyBatch     = errors.New("batch has no items")
	ErrAlreadyRunning = errors.New("a batch is already running")
	ErrInvalidState   = errors.New("operation not allowed in current phase")
	ErrSuperseded     = errors.New("run superseded by reset")
)

const archiveFileName = "compressed_images.zip"

// Controller owns the item and result stores and drives one batch run at a
// time through the compression service.
type Controller struct {
	client transfer.Client
	log    *logrus.Logger

	mu         sync.RWMutex
	items      *items.Store
	results    *results.Store
	phase      Phase
	progress   int
	generation uint64
	lastErr    error
	run        *Run
	cancel     context.CancelFunc
	seq        uint64
	wg         sync.WaitGroup

	listenersMu  sync.Mutex
	listeners    map[int]func(Snapshot)
	nextListener int

	notifyMu  sync.Mutex
	delivered uint64
}

// New creates a Controller in the idle phase.
func New(client transfer.Client, log *logrus.Logger) *Controller {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Controller{
		client:    client,
		log:       log,
		items:     items.NewStore(),
		results:   results.NewStore(),
		listeners: make(map[int]func(Snapshot)),
	}
}

// AddItems queues sources in order. Sources that are not supported images
// are dropped and counted in rejected.
func (c *Controller) AddItems(sources ...items.Source) (added []items.InputItem, rejected int) {
	c.mu.Lock()
	added, rejected = c.items.Add(sources...)
	snap := c.changedLocked()
	c.mu.Unlock()

	if rejected > 0 {
		logger.WithOperation(c.log, "add").Warnf("Skipped %d unsupported file(s)", rejected)
	}
	c.log.Debugf("Added %d item(s), %d queued", len(added), len(snap.Items))
	c.notify(snap)
	return added, rejected
}

// AddPaths collects image files from paths and queues them.
func (c *Controller) AddPaths(paths ...string) (added []items.InputItem, rejected int, err error) {
	sources, err := items.CollectSources(paths...)
	if err != nil {
		return nil, 0, err
	}
	added, rejected = c.AddItems(sources...)
	return added, rejected, nil
}

// RemoveItem removes a queued item. A run already in flight is not affected.
func (c *Controller) RemoveItem(id string) error {
	c.mu.Lock()
	if err := c.items.Remove(id); err != nil {
		c.mu.Unlock()
		return err
	}
	snap := c.changedLocked()
	c.mu.Unlock()

	logger.WithItem(c.log, id, "remove").Debug("Item removed")
	c.notify(snap)
	return nil
}

// ClearItems empties the queue. An in-flight run is discarded and the
// controller returns to idle; results of a finished run are kept.
func (c *Controller) ClearItems() {
	c.mu.Lock()
	c.items.Clear()
	var superseded *Run
	if c.phase.Active() {
		superseded = c.abandonLocked()
		c.phase = PhaseIdle
		c.progress = 0
	}
	snap := c.changedLocked()
	c.mu.Unlock()

	if superseded != nil {
		superseded.finish(ErrSuperseded)
		logger.WithRun(c.log, superseded.Generation).Info("Run discarded: items cleared")
	}
	c.notify(snap)
}

// Items returns the queued items in insertion order.
func (c *Controller) Items() []items.InputItem {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.items.List()
}

// TotalBytes returns the combined size of the queued items.
func (c *Controller) TotalBytes() int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.items.TotalBytes()
}

// Start submits every queued item as one batch. The submission runs in the
// background under ctx; the returned Run reports its outcome.
func (c *Controller) Start(ctx context.Context, settings compressor.Settings) (*Run, error) {
	c.mu.Lock()
	if c.phase.Active() {
		c.mu.Unlock()
		return nil, ErrAlreadyRunning
	}
	if c.items.Len() == 0 {
		c.mu.Unlock()
		return nil, ErrEmptyBatch
	}
	if err := settings.Validate(); err != nil {
		c.mu.Unlock()
		return nil, err
	}

	c.generation++
	run := newRun(c.generation)
	runCtx, cancel := context.WithCancel(ctx)
	c.run = run
	c.cancel = cancel
	c.results.Clear()
	c.lastErr = nil
	c.phase = PhaseSubmitting
	c.progress = 0
	batch := c.items.List()
	snap := c.changedLocked()
	c.wg.Add(1)
	c.mu.Unlock()

	logger.WithRun(c.log, run.Generation).WithFields(logrus.Fields{
		"items":   len(batch),
		"quality": settings.Quality,
		"format":  settings.Format,
	}).Info("Batch run started")
	c.notify(snap)

	go c.execute(runCtx, run, batch, settings)
	return run, nil
}

func (c *Controller) execute(ctx context.Context, run *Run, batch []items.InputItem, settings compressor.Settings) {
	defer c.wg.Done()
	out, err := c.client.SubmitBatch(ctx, batch, settings, func(percent int) {
		c.applyProgress(run.Generation, percent)
	})
	c.complete(run, out, err)
}

func (c *Controller) applyProgress(generation uint64, percent int) {
	percent = min(max(percent, 0), 100)

	c.mu.Lock()
	if generation != c.generation || !c.phase.Active() {
		c.mu.Unlock()
		return
	}
	changed := false
	if c.phase == PhaseSubmitting {
		c.phase = PhaseProcessing
		changed = true
	}
	if percent > c.progress {
		c.progress = percent
		changed = true
	}
	if !changed {
		c.mu.Unlock()
		return
	}
	snap := c.changedLocked()
	c.mu.Unlock()

	c.notify(snap)
}

func (c *Controller) complete(run *Run, out *results.Batch, err error) {
	log := logger.WithRun(c.log, run.Generation)

	c.mu.Lock()
	if run.Generation != c.generation {
		c.mu.Unlock()
		log.Debug("Discarding outcome of superseded run")
		run.finish(ErrSuperseded)
		return
	}
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	c.run = nil

	if err == nil && out == nil {
		err = fmt.Errorf("%w: submit: empty response", transfer.ErrTransfer)
	}
	if err != nil {
		c.results.Clear()
		c.lastErr = err
		c.phase = PhaseFailed
	} else {
		c.results.ReplaceAll(out)
		c.progress = 100
		c.phase = PhaseSucceeded
	}
	stats := c.results.Stats()
	snap := c.changedLocked()
	c.mu.Unlock()

	if err != nil {
		log.WithError(err).Error("Batch run failed")
	} else {
		log.WithFields(logrus.Fields{
			"files":      len(snap.Results),
			"original":   stats.OriginalSize,
			"compressed": stats.CompressedSize,
			"savings":    stats.SavingsPercent,
		}).Info("Batch run succeeded")
	}
	c.notify(snap)
	run.finish(err)
}

// Reset discards everything: queued items, results, stats and any run in
// flight. It is valid in every phase.
func (c *Controller) Reset() {
	c.mu.Lock()
	superseded := c.abandonLocked()
	c.items.Clear()
	c.results.Clear()
	c.lastErr = nil
	c.phase = PhaseIdle
	c.progress = 0
	snap := c.changedLocked()
	c.mu.Unlock()

	if superseded != nil {
		superseded.finish(ErrSuperseded)
	}
	logger.WithRun(c.log, snap.Generation).Info("Controller reset")
	c.notify(snap)
}

// Close resets the controller and waits for background submissions to return.
func (c *Controller) Close() {
	c.Reset()
	c.wg.Wait()
}

// abandonLocked bumps the generation and cancels the current run, returning
// it so the caller can finish it outside the lock.
func (c *Controller) abandonLocked() *Run {
	c.generation++
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	run := c.run
	c.run = nil
	return run
}

// DownloadOne fetches the compressed bytes of one result.
func (c *Controller) DownloadOne(ctx context.Context, id string) (*transfer.Blob, error) {
	c.mu.RLock()
	if c.phase != PhaseSucceeded {
		phase := c.phase
		c.mu.RUnlock()
		return nil, fmt.Errorf("%w: download in phase %s", ErrInvalidState, phase)
	}
	res, err := c.results.Get(id)
	c.mu.RUnlock()
	if err != nil {
		return nil, err
	}

	blob, err := c.client.FetchOne(ctx, id)
	if err != nil {
		logger.WithItem(c.log, id, "download").WithError(err).Error("Download failed")
		return nil, err
	}
	if blob.FileName == "" {
		blob.FileName = fmt.Sprintf("compressed_%s.%s", id, res.Format.Extension())
	}
	if blob.ContentType == "" {
		blob.ContentType = res.Format.MediaType()
	}
	return blob, nil
}

// DownloadAll fetches the archive holding every result of the last run.
func (c *Controller) DownloadAll(ctx context.Context) (*transfer.Blob, error) {
	c.mu.RLock()
	phase := c.phase
	c.mu.RUnlock()
	if phase != PhaseSucceeded {
		return nil, fmt.Errorf("%w: download in phase %s", ErrInvalidState, phase)
	}

	blob, err := c.client.FetchArchive(ctx)
	if err != nil {
		logger.WithOperation(c.log, "download-all").WithError(err).Error("Archive download failed")
		return nil, err
	}
	if blob.FileName == "" {
		blob.FileName = archiveFileName
	}
	return blob, nil
}

// Subscribe registers fn to receive a snapshot after every state change.
// Listeners run outside the controller lock but must not call mutating
// controller methods synchronously. The returned func unregisters fn.
func (c *Controller) Subscribe(fn func(Snapshot)) (unsubscribe func()) {
	c.listenersMu.Lock()
	id := c.nextListener
	c.nextListener++
	c.listeners[id] = fn
	c.listenersMu.Unlock()

	return func() {
		c.listenersMu.Lock()
		delete(c.listeners, id)
		c.listenersMu.Unlock()
	}
}

func (c *Controller) notify(snap Snapshot) {
	c.notifyMu.Lock()
	defer c.notifyMu.Unlock()
	if snap.seq <= c.delivered {
		return
	}
	c.delivered = snap.seq

	c.listenersMu.Lock()
	fns := make([]func(Snapshot), 0, len(c.listeners))
	for _, fn := range c.listeners {
		fns = append(fns, fn)
	}
	c.listenersMu.Unlock()

	for _, fn := range fns {
		fn(snap)
	}
}

// changedLocked records a state change and returns the resulting snapshot.
func (c *Controller) changedLocked() Snapshot {
	c.seq++
	return c.snapshotLocked()
}

func (c *Controller) snapshotLocked() Snapshot {
	snap := Snapshot{
		Phase:      c.phase,
		Progress:   c.progress,
		Generation: c.generation,
		Items:      c.items.List(),
		Results:    c.results.ListAll(),
		Stats:      c.results.Stats(),
		seq:        c.seq,
	}
	if c.lastErr != nil {
		snap.Error = c.lastErr.Error()
	}
	return snap
}

// Snapshot returns a copy of the current state.
func (c *Controller) Snapshot() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.snapshotLocked()
}

func (c *Controller) Phase() Phase {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.phase
}

func (c *Controller) Progress() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.progress
}

func (c *Controller) Generation() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.generation
}

func (c *Controller) Results() []results.CompressedResult {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.results.ListAll()
}

func (c *Controller) Result(id string) (results.CompressedResult, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.results.Get(id)
}

func (c *Controller) Stats() results.BatchStats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.results.Stats()
}

// Err returns the failure of the last run, if any.
func (c *Controller) Err() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastErr
}
