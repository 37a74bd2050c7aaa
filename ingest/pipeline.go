package ingest

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	gkLog "github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/services"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/libragraph-com/vault/format"
	"github.com/libragraph-com/vault/index"
	"github.com/libragraph-com/vault/pkg/blobref"
	"github.com/libragraph-com/vault/pkg/buffer"
	"github.com/libragraph-com/vault/pkg/util/log"
	"github.com/libragraph-com/vault/task"
	"github.com/libragraph-com/vault/vaultdb/backend"
	"github.com/libragraph-com/vault/vaultdb/manifest"
)

var (
	metricEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "vault",
		Name:      "ingest_events_total",
		Help:      "Pipeline events dispatched by type.",
	}, []string{"type"})
	metricStored = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "vault",
		Name:      "ingest_objects_stored_total",
		Help:      "Objects written to storage by kind.",
	}, []string{"kind"})
	metricBonus = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "vault",
		Name:      "ingest_bonus_total",
		Help:      "Bonus decompositions fired for stored-tier containers.",
	})
	metricFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "vault",
		Name:      "ingest_failures_total",
		Help:      "Ingest subtrees that failed.",
	})
)

// Pipeline is the ingest event executor, a managed service. Roots enter via
// Submit; the pipeline completes or fails the owning task when the tree
// resolves.
type Pipeline struct {
	services.Service

	cfg     *Config
	store   backend.Store
	idx     *index.DB
	tasks   *task.Store
	formats *format.Registry
	logger  gkLog.Logger

	events chan event
	wg     sync.WaitGroup

	// OnObjectCreated, when set before the service starts, observes every
	// object written to storage.
	OnObjectCreated func(ObjectCreated)
}

func NewPipeline(cfg *Config, store backend.Store, idx *index.DB, tasks *task.Store, formats *format.Registry) *Pipeline {
	p := &Pipeline{
		cfg:     cfg,
		store:   store,
		idx:     idx,
		tasks:   tasks,
		formats: formats,
		logger:  gkLog.With(log.Logger, "component", "ingest"),
		events:  make(chan event, cfg.QueueDepth),
	}
	p.Service = services.NewBasicService(nil, p.running, nil)
	return p
}

func (p *Pipeline) running(ctx context.Context) error {
	level.Info(p.logger).Log("msg", "ingest pipeline running", "executors", p.cfg.ExecutorCount)
	for i := 0; i < p.cfg.ExecutorCount; i++ {
		p.wg.Add(1)
		go p.executor(ctx)
	}
	<-ctx.Done()
	p.wg.Wait()
	return nil
}

func (p *Pipeline) executor(ctx context.Context) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case e := <-p.events:
			p.handle(ctx, e)
		}
	}
}

// Submit enqueues a root ingest on behalf of a claimed task. The task is
// expected to move to BACKGROUND; the pipeline completes or fails it when the
// tree resolves.
func (p *Pipeline) Submit(ctx context.Context, taskID, tenantID string, buf *buffer.Buffer, filename string) {
	p.publish(ctx, ingestFile{taskID: taskID, tenantID: tenantID, buf: buf, filename: filename})
}

// publish never blocks an executor: a full queue spills the send to a
// goroutine so deeply nested containers cannot deadlock the pool.
func (p *Pipeline) publish(ctx context.Context, e event) {
	metricEvents.WithLabelValues(e.eventName()).Inc()
	select {
	case p.events <- e:
	default:
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			select {
			case p.events <- e:
			case <-ctx.Done():
			}
		}()
	}
}

func (p *Pipeline) handle(ctx context.Context, e event) {
	switch ev := e.(type) {
	case ingestFile:
		if err := p.ingestFile(ctx, ev); err != nil {
			p.fail(ctx, ev.taskID, ev.bonus, err)
		}
	case childDiscovered:
		if err := p.childDiscovered(ctx, ev); err != nil {
			p.fail(ctx, ev.fan.taskID, ev.fan.bonus, err)
		}
	case allChildrenComplete:
		if err := p.childrenComplete(ctx, ev.fan); err != nil {
			p.fail(ctx, ev.fan.taskID, ev.fan.bonus, err)
		}
	}
}

// fail collapses a subtree failure into the owning task. Bonus subtrees are
// best-effort: their failure never fails the task that already stored the
// original bytes.
func (p *Pipeline) fail(ctx context.Context, taskID string, bonus bool, err error) {
	metricFailures.Inc()
	if bonus {
		level.Warn(p.logger).Log("msg", "bonus ingest failed", "task", taskID, "err", err)
		return
	}
	level.Error(p.logger).Log("msg", "ingest failed", "task", taskID, "err", err)
	terr := &task.Error{Message: err.Error(), Retryable: task.Retryable(err)}
	if ferr := p.tasks.Fail(ctx, taskID, terr); ferr != nil {
		level.Error(p.logger).Log("msg", "failing ingest task failed", "task", taskID, "err", ferr)
	}
}

func (p *Pipeline) ingestFile(ctx context.Context, e ingestFile) error {
	mime := sniff(e.buf)
	factory := p.formats.Detect(header(e.buf), e.filename, mime)
	if factory == nil {
		return p.finishLeaf(ctx, e, mime, "")
	}

	h := factory.New(e.buf, e.filename)
	if !h.HasChildren() {
		return p.finishLeaf(ctx, e, mime, factory.Key())
	}

	caps := h.Capabilities()
	if caps.Tier == format.TierStored && !e.bonus {
		// the envelope cannot be rebuilt: keep the original bytes as a leaf
		// and index the contents through a bonus decomposition
		if err := p.finishLeaf(ctx, e, mime, factory.Key()); err != nil {
			return err
		}
		metricBonus.Inc()
		p.publish(ctx, ingestFile{
			taskID:   e.taskID,
			tenantID: e.tenantID,
			buf:      e.buf,
			filename: e.filename,
			bonus:    true,
		})
		return nil
	}

	ext, err := h.Children()
	if err != nil {
		return errors.Wrapf(err, "extracting %s", e.filename)
	}
	ref, err := blobref.NewContainer(e.buf.Hash(), uint64(e.buf.Len()))
	if err != nil {
		return err
	}

	fan := newFanIn(len(ext.Children))
	fan.parent, fan.parentSlot = e.parent, e.parentSlot
	fan.ref = ref
	fan.tenantID = e.tenantID
	fan.taskID = e.taskID
	fan.filename = e.filename
	fan.bonus = e.bonus
	fan.tier = caps.Tier
	fan.formatKey = factory.Key()
	fan.meta = ext.Meta
	fan.path = e.entryPath
	fan.mtime = e.entryMTime
	fan.formatMeta = e.entryMeta

	if len(ext.Children) == 0 {
		p.publish(ctx, allChildrenComplete{fan: fan})
		return nil
	}
	for i, child := range ext.Children {
		p.publish(ctx, childDiscovered{child: child, fan: fan, slot: i})
	}
	return nil
}

// finishLeaf stores e.buf as a leaf and settles its place in the tree: the
// parent slot for children, task completion for non-bonus roots.
func (p *Pipeline) finishLeaf(ctx context.Context, e ingestFile, mime, formatKey string) error {
	if e.buf.Len() == 0 {
		return errors.Errorf("cannot ingest empty input %q", e.filename)
	}
	ref, err := e.buf.LeafRef()
	if err != nil {
		return err
	}
	res, err := p.storeBlob(ctx, e.tenantID, ref, e.buf.Bytes(), mime, formatKey)
	if err != nil {
		return err
	}

	if e.parent != nil {
		p.resolveSlot(ctx, e.parent, e.parentSlot, childResult{
			path:       e.entryPath,
			ref:        ref,
			hasRef:     true,
			blobRefID:  res.BlobRefID,
			entryType:  manifest.EntryTypeFile,
			mtime:      e.entryMTime,
			formatMeta: e.entryMeta,
		})
		return nil
	}
	if e.bonus {
		return nil
	}
	return p.completeTask(ctx, e.taskID, ref, 0)
}

func (p *Pipeline) childDiscovered(ctx context.Context, e childDiscovered) error {
	c := e.child

	switch {
	case c.Type == manifest.EntryTypeDirectory:
		p.resolveSlot(ctx, e.fan, e.slot, childResult{
			path:       c.Path,
			entryType:  manifest.EntryTypeDirectory,
			mtime:      c.MTime,
			formatMeta: c.FormatMeta,
		})
		return nil

	case c.Type == manifest.EntryTypeSymlink:
		p.resolveSlot(ctx, e.fan, e.slot, childResult{
			path:       c.Path,
			entryType:  manifest.EntryTypeSymlink,
			mtime:      c.MTime,
			formatMeta: c.FormatMeta,
		})
		return nil

	case c.Content == nil || c.Content.Len() == 0:
		// zero-byte file: an entry, but no blob
		p.resolveSlot(ctx, e.fan, e.slot, childResult{
			path:       c.Path,
			entryType:  manifest.EntryTypeFile,
			mtime:      c.MTime,
			formatMeta: c.FormatMeta,
		})
		return nil
	}

	mime := sniff(c.Content)
	factory := p.formats.Detect(header(c.Content), c.Path, mime)

	if factory != nil {
		h := factory.New(c.Content, c.Path)
		if h.HasChildren() {
			caps := h.Capabilities()
			if caps.Tier != format.TierStored {
				// a nested reconstructable container: recursion is a new
				// event; the slot resolves when its fan-in completes
				p.publish(ctx, ingestFile{
					taskID:     e.fan.taskID,
					tenantID:   e.fan.tenantID,
					buf:        c.Content,
					filename:   c.Path,
					parent:     e.fan,
					parentSlot: e.slot,
					bonus:      e.fan.bonus,
					entryPath:  c.Path,
					entryMTime: c.MTime,
					entryMeta:  c.FormatMeta,
				})
				return nil
			}

			// stored-tier child: its original bytes are the leaf
			ref, err := c.Content.LeafRef()
			if err != nil {
				return err
			}
			res, err := p.storeBlob(ctx, e.fan.tenantID, ref, c.Content.Bytes(), mime, factory.Key())
			if err != nil {
				return err
			}
			p.resolveSlot(ctx, e.fan, e.slot, childResult{
				path:       c.Path,
				ref:        ref,
				hasRef:     true,
				blobRefID:  res.BlobRefID,
				entryType:  manifest.EntryTypeFile,
				mtime:      c.MTime,
				formatMeta: c.FormatMeta,
			})
			metricBonus.Inc()
			p.publish(ctx, ingestFile{
				taskID:   e.fan.taskID,
				tenantID: e.fan.tenantID,
				buf:      c.Content,
				filename: c.Path,
				bonus:    true,
			})
			return nil
		}
	}

	// plain leaf
	ref, err := c.Content.LeafRef()
	if err != nil {
		return err
	}
	formatKey := ""
	if factory != nil {
		formatKey = factory.Key()
	}
	res, err := p.storeBlob(ctx, e.fan.tenantID, ref, c.Content.Bytes(), mime, formatKey)
	if err != nil {
		return err
	}
	p.resolveSlot(ctx, e.fan, e.slot, childResult{
		path:       c.Path,
		ref:        ref,
		hasRef:     true,
		blobRefID:  res.BlobRefID,
		entryType:  manifest.EntryTypeFile,
		mtime:      c.MTime,
		formatMeta: c.FormatMeta,
	})
	return nil
}

// childrenComplete assembles the manifest from the ordered results, writes it
// at the container key and records the container in the index, then settles
// the container's own place in the tree.
func (p *Pipeline) childrenComplete(ctx context.Context, fan *fanIn) error {
	m := &manifest.Manifest{
		Hash:      fan.ref.Hash.Bytes(),
		Size:      fan.ref.Size,
		FormatKey: fan.formatKey,
		Metadata:  fan.meta,
	}
	for _, r := range fan.results {
		entry := manifest.Entry{
			Path:        r.path,
			Type:        r.entryType,
			MTimeMillis: mtimeMillis(r.mtime),
			Metadata:    r.formatMeta,
		}
		if r.hasRef {
			entry.Hash = r.ref.Hash.Bytes()
			entry.Size = r.ref.Size
			entry.IsContainer = r.isContainer
		}
		m.Entries = append(m.Entries, entry)
	}
	data, err := m.Marshal()
	if err != nil {
		return err
	}

	res, err := p.idx.Gate(ctx, fan.tenantID, fan.ref, "", fan.formatKey)
	if err != nil {
		return err
	}
	if !res.Exists {
		if err := p.store.Create(ctx, fan.tenantID, fan.ref, data, "application/cbor"); err != nil {
			return errors.Wrapf(err, "storing manifest %s", fan.ref.Key())
		}
		metricStored.WithLabelValues("manifest").Inc()
		p.objectCreated(fan.tenantID, fan.ref, res, "application/cbor")
	}

	entries := make([]index.EntryRow, 0, len(fan.results))
	for _, r := range fan.results {
		entries = append(entries, index.EntryRow{
			Path:      r.path,
			Type:      r.entryType.String(),
			BlobRefID: r.blobRefID,
			MTime:     r.mtime,
		})
	}
	if _, err := p.idx.InsertContainer(ctx, res.BlobID, entries); err != nil {
		return err
	}

	if fan.parent != nil {
		p.resolveSlot(ctx, fan.parent, fan.parentSlot, childResult{
			path:        fan.path,
			ref:         fan.ref,
			hasRef:      true,
			blobRefID:   res.BlobRefID,
			isContainer: true,
			entryType:   manifest.EntryTypeFile,
			mtime:       fan.mtime,
			formatMeta:  fan.formatMeta,
		})
		return nil
	}
	if fan.bonus {
		return nil
	}
	return p.completeTask(ctx, fan.taskID, fan.ref, len(fan.results))
}

func (p *Pipeline) resolveSlot(ctx context.Context, fan *fanIn, slot int, r childResult) {
	if fan.resolve(slot, r) {
		p.publish(ctx, allChildrenComplete{fan: fan})
	}
}

// storeBlob runs the dedup gate and writes the bytes only for genuinely new
// content.
func (p *Pipeline) storeBlob(ctx context.Context, tenantID string, ref blobref.BlobRef, data []byte, mime, formatKey string) (index.GateResult, error) {
	res, err := p.idx.Gate(ctx, tenantID, ref, mime, formatKey)
	if err != nil {
		return index.GateResult{}, err
	}
	if res.Exists {
		return res, nil
	}
	if err := p.store.Create(ctx, tenantID, ref, data, mime); err != nil {
		return index.GateResult{}, errors.Wrapf(err, "storing blob %s", ref.Key())
	}
	metricStored.WithLabelValues("leaf").Inc()
	p.objectCreated(tenantID, ref, res, mime)
	return res, nil
}

func (p *Pipeline) objectCreated(tenantID string, ref blobref.BlobRef, res index.GateResult, mime string) {
	if p.OnObjectCreated == nil {
		return
	}
	p.OnObjectCreated(ObjectCreated{
		TenantID:  tenantID,
		Ref:       ref,
		BlobRefID: res.BlobRefID,
		BlobID:    res.BlobID,
		MimeType:  mime,
	})
}

func (p *Pipeline) completeTask(ctx context.Context, taskID string, ref blobref.BlobRef, entries int) error {
	output := map[string]any{"ref": ref.Key()}
	if entries > 0 {
		output["entries"] = entries
	}
	if err := p.tasks.Complete(ctx, taskID, output); err != nil {
		return errors.Wrapf(err, "completing ingest task %s", taskID)
	}
	return nil
}

// header returns the leading bytes used for magic detection; tar needs to see
// offset 257.
func header(buf *buffer.Buffer) []byte {
	data := buf.Bytes()
	if len(data) > 1024 {
		return data[:1024]
	}
	return data
}

func sniff(buf *buffer.Buffer) string {
	mime := http.DetectContentType(header(buf))
	// strip the charset suffix DetectContentType appends to text types
	if i := strings.IndexByte(mime, ';'); i >= 0 {
		mime = mime[:i]
	}
	return mime
}

func mtimeMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}
