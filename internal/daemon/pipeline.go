package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"protomedia/internal/config"
	"protomedia/internal/draft"
	"protomedia/internal/encoder"
	"protomedia/internal/faults"
	"protomedia/internal/jobqueue"
	"protomedia/internal/logging"
	"protomedia/internal/media"
	"protomedia/internal/statuscache"
	"protomedia/internal/upload"
)

// Capture is one photo handed to the pipeline: raw camera bytes plus the
// metadata captured alongside them.
type Capture struct {
	ProtocolID string
	ItemID     string
	Source     []byte
	CapturedAt time.Time
	Latitude   *float64
	Longitude  *float64
}

// Pipeline connects the capture flow end to end: intake registers the item
// on the draft, the encoder produces the two renditions, and the queues
// carry upload and document work with retry. Each stage hands off through
// a durable record so a crash at any point is recoverable.
type Pipeline struct {
	cfg      *config.Config
	enc      *encoder.Encoder
	drafts   *draft.Store
	queues   *jobqueue.Manager
	uploader *upload.Client
	cache    *statuscache.Cache
	logger   *slog.Logger

	wg sync.WaitGroup
}

// NewPipeline wires the pipeline; uploader may be nil, in which case
// renditions stay in local storage and jobs record local refs.
func NewPipeline(
	cfg *config.Config,
	enc *encoder.Encoder,
	drafts *draft.Store,
	queues *jobqueue.Manager,
	uploader *upload.Client,
	cache *statuscache.Cache,
	logger *slog.Logger,
) *Pipeline {
	return &Pipeline{
		cfg:      cfg,
		enc:      enc,
		drafts:   drafts,
		queues:   queues,
		uploader: uploader,
		cache:    cache,
		logger:   logging.NewComponentLogger(logger, "pipeline"),
	}
}

// RegisterConsumers binds the queue handlers. Must happen before the queue
// manager starts.
func (p *Pipeline) RegisterConsumers() error {
	if err := p.queues.RegisterHandler(jobqueue.QueueImageFinishing, p.handleImageFinishing); err != nil {
		return err
	}
	return p.queues.RegisterHandler(jobqueue.QueueDocumentRendering, p.handleDocumentRendering)
}

// Start brings up the encoder pool and the result consumer. Blocks until
// the encoder signals readiness.
func (p *Pipeline) Start(ctx context.Context) error {
	if err := p.enc.Start(); err != nil {
		return err
	}
	select {
	case <-p.enc.Ready():
	case <-ctx.Done():
		return ctx.Err()
	}

	p.wg.Add(1)
	go p.consumeResults()
	return nil
}

// Stop drains the encoder. In-flight tasks finish; their results are
// consumed before Stop returns.
func (p *Pipeline) Stop() {
	p.enc.Stop()
	p.wg.Wait()
}

// SubmitCapture registers a captured photo on its protocol draft and hands
// the bytes to the encoder. The draft row is written before the encoder
// sees the task, so a crash between the two leaves a pending item that
// recovery can surface.
func (p *Pipeline) SubmitCapture(ctx context.Context, capture Capture) (string, error) {
	if capture.ProtocolID == "" {
		return "", faults.Wrap(faults.ErrValidation, "pipeline", "submit capture", "missing protocol id", nil)
	}
	if len(capture.Source) == 0 {
		return "", faults.Wrap(faults.ErrValidation, "pipeline", "submit capture", "empty source", nil)
	}

	item, err := p.drafts.AddItem(ctx, capture.ProtocolID, capture.ItemID, int64(len(capture.Source)))
	if err != nil {
		return "", err
	}

	capturedAt := capture.CapturedAt
	if capturedAt.IsZero() {
		capturedAt = time.Now()
	}
	task := encoder.Task{
		ID:         taskID(capture.ProtocolID, item.ID),
		Source:     capture.Source,
		Gallery:    p.cfg.Encoder.Gallery,
		Document:   p.cfg.Encoder.Document,
		CapturedAt: capturedAt.Unix(),
		Latitude:   capture.Latitude,
		Longitude:  capture.Longitude,
	}
	if err := p.enc.Submit(task); err != nil {
		return "", err
	}
	return item.ID, nil
}

func (p *Pipeline) consumeResults() {
	defer p.wg.Done()
	for result := range p.enc.Results() {
		p.handleEncodeResult(result)
	}
}

func (p *Pipeline) handleEncodeResult(result encoder.Result) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	protocolID, itemID, err := splitTaskID(result.ID)
	if err != nil {
		p.logger.Error("encoder result with malformed task id",
			logging.String(logging.FieldJobID, result.ID),
			logging.Error(err))
		return
	}
	log := p.logger.With(
		logging.String(logging.FieldProtocolID, protocolID),
		logging.String(logging.FieldItemID, itemID))

	// A result may arrive after its draft was discarded; cancellation is
	// cooperative, so late results are dropped instead of resurrected.
	current, err := p.drafts.Find(ctx, protocolID)
	if err != nil {
		log.Error("failed to check draft before applying result", logging.Error(err))
		return
	}
	if current == nil {
		log.Debug("encode result for discarded draft ignored")
		return
	}

	if result.Err != nil {
		// Decode failures are permanent for this item and never poison
		// the pool or the rest of the draft.
		if err := p.drafts.RecordItemTransition(ctx, protocolID, itemID, media.StateFailed); err != nil {
			log.Error("failed to record encode failure", logging.Error(err))
			return
		}
		log.Warn("capture failed to encode",
			logging.Error(result.Err),
			logging.String(logging.FieldEventType, "encode_failed"),
			logging.String(logging.FieldErrorHint, "retake the photo; the source bytes are not decodable"))
		return
	}

	if err := p.drafts.RecordItemTransition(ctx, protocolID, itemID, media.StateProcessing); err != nil {
		log.Error("failed to advance item to processing", logging.Error(err))
		return
	}

	refs := p.saveRenditions(log, protocolID, itemID, result)
	if len(refs) == 0 {
		if err := p.drafts.RecordItemTransition(ctx, protocolID, itemID, media.StateFailed); err != nil {
			log.Error("failed to record rendition persistence failure", logging.Error(err))
		}
		return
	}

	payload := jobqueue.ImageFinishingPayload{
		ProtocolID:       protocolID,
		MediaItemID:      itemID,
		RenditionRefs:    refs,
		TargetStorageKey: storageKey(protocolID, itemID),
	}
	if _, err := p.queues.Enqueue(ctx, jobqueue.QueueImageFinishing, payload); err != nil {
		// The renditions are on disk and the item row exists; roll back
		// to pending so recovery can resubmit instead of losing the work.
		if txErr := p.drafts.RecordItemTransition(ctx, protocolID, itemID, media.StatePending); txErr != nil {
			log.Error("failed to roll item back to pending", logging.Error(txErr))
		}
		log.Warn("finishing job not accepted, item parked for recovery",
			logging.Error(err),
			logging.String(logging.FieldEventType, "enqueue_rejected"))
		return
	}
	log.Debug("capture encoded and queued for finishing", logging.Int("renditions", len(refs)))
}

func (p *Pipeline) saveRenditions(log *slog.Logger, protocolID, itemID string, result encoder.Result) []string {
	type output struct {
		kind      string
		rendition *media.Rendition
		err       error
	}
	outputs := []output{
		{"gallery", result.Set.Gallery, result.GalleryErr},
		{"document", result.Set.Document, result.DocumentErr},
	}

	var refs []string
	for _, out := range outputs {
		if out.err != nil {
			log.Warn("rendition failed, continuing with the rest",
				logging.String("kind", out.kind),
				logging.Error(out.err))
			continue
		}
		if out.rendition == nil {
			continue
		}
		path, err := p.drafts.SaveRendition(protocolID, itemID, out.kind, out.rendition)
		if err != nil {
			log.Error("failed to persist rendition",
				logging.String("kind", out.kind),
				logging.Error(err))
			continue
		}
		refs = append(refs, path)
	}
	return refs
}

// handleImageFinishing uploads an item's renditions and marks the item
// uploaded. When the upload completes the draft, document rendering is
// queued and the protocol status cache is invalidated.
func (p *Pipeline) handleImageFinishing(ctx context.Context, job *jobqueue.Job) error {
	var payload jobqueue.ImageFinishingPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return faults.Wrap(faults.ErrValidation, "pipeline", "image finishing", "malformed payload", err)
	}
	if payload.ProtocolID == "" || payload.MediaItemID == "" {
		return faults.Wrap(faults.ErrValidation, "pipeline", "image finishing", "payload missing identifiers", nil)
	}
	log := p.logger.With(
		logging.String(logging.FieldProtocolID, payload.ProtocolID),
		logging.String(logging.FieldItemID, payload.MediaItemID))

	existing, err := p.drafts.Find(ctx, payload.ProtocolID)
	if err != nil {
		return err
	}
	if existing == nil {
		log.Info("finishing job for discarded draft dropped")
		return nil
	}

	for _, ref := range payload.RenditionRefs {
		if err := p.uploadRendition(ctx, payload.TargetStorageKey, ref); err != nil {
			if !faults.Retryable(err) {
				// Permanent: the item will never upload; reflect that on
				// the draft before the job goes terminal.
				if txErr := p.drafts.RecordItemTransition(ctx, payload.ProtocolID, payload.MediaItemID, media.StateFailed); txErr != nil {
					log.Error("failed to record permanent upload failure", logging.Error(txErr))
				}
			}
			return err
		}
	}

	if err := p.drafts.RecordItemTransition(ctx, payload.ProtocolID, payload.MediaItemID, media.StateUploaded); err != nil {
		return err
	}

	current, err := p.drafts.Find(ctx, payload.ProtocolID)
	if err != nil {
		return err
	}
	if current == nil || !current.Complete() {
		return nil
	}

	// Last photo in: the protocol can now be assembled remotely.
	docPayload := jobqueue.DocumentRenderingPayload{
		ProtocolID:  payload.ProtocolID,
		TemplateRef: "protocol-summary",
		DataRef:     storagePrefix(payload.ProtocolID),
	}
	if _, err := p.queues.Enqueue(ctx, jobqueue.QueueDocumentRendering, docPayload); err != nil {
		return err
	}
	log.Info("draft complete, document rendering queued",
		logging.Int("items", current.TotalCount),
		logging.String(logging.FieldEventType, "draft_complete"))
	return nil
}

func (p *Pipeline) uploadRendition(ctx context.Context, storageKey, ref string) error {
	if p.uploader == nil {
		// Local-only mode: renditions already live under the data dir.
		return nil
	}
	data, err := p.drafts.LoadRendition(ref)
	if err != nil {
		return err
	}
	key := storageKey + renditionSuffix(ref)
	target, err := p.uploader.Presign(ctx, key)
	if err != nil {
		return err
	}
	return p.uploader.Put(ctx, target, data, mimeForExtension(filepath.Ext(ref)))
}

// handleDocumentRendering publishes the protocol summary manifest built
// from the finished draft.
func (p *Pipeline) handleDocumentRendering(ctx context.Context, job *jobqueue.Job) error {
	var payload jobqueue.DocumentRenderingPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return faults.Wrap(faults.ErrValidation, "pipeline", "document rendering", "malformed payload", err)
	}
	if payload.ProtocolID == "" {
		return faults.Wrap(faults.ErrValidation, "pipeline", "document rendering", "payload missing protocol id", nil)
	}

	current, err := p.drafts.Find(ctx, payload.ProtocolID)
	if err != nil {
		return err
	}
	if current == nil {
		// The draft was discarded after the job was accepted; nothing to
		// render.
		p.logger.Info("document job for discarded draft dropped",
			logging.String(logging.FieldProtocolID, payload.ProtocolID))
		return nil
	}

	manifest, err := buildManifest(current, payload)
	if err != nil {
		return err
	}

	if p.uploader != nil {
		key := storagePrefix(payload.ProtocolID) + "/summary.json"
		target, err := p.uploader.Presign(ctx, key)
		if err != nil {
			return err
		}
		if err := p.uploader.Put(ctx, target, manifest, "application/json"); err != nil {
			return err
		}
	}

	// The protocol now exists on the remote side; cached status rows for
	// its rental are stale.
	if err := p.cache.Invalidate(); err != nil {
		p.logger.Warn("status cache invalidation failed", logging.Error(err))
	}
	p.logger.Info("protocol document published",
		logging.String(logging.FieldProtocolID, payload.ProtocolID),
		logging.String(logging.FieldEventType, "document_published"))
	return nil
}

type manifestItem struct {
	ID    string `json:"id"`
	State string `json:"state"`
}

type manifestDoc struct {
	ProtocolID  string         `json:"protocolId"`
	TemplateRef string         `json:"templateRef"`
	DataRef     string         `json:"dataRef"`
	TotalCount  int            `json:"totalCount"`
	Items       []manifestItem `json:"items"`
	GeneratedAt time.Time      `json:"generatedAt"`
}

func buildManifest(current *media.Draft, payload jobqueue.DocumentRenderingPayload) ([]byte, error) {
	doc := manifestDoc{
		ProtocolID:  current.ProtocolID,
		TemplateRef: payload.TemplateRef,
		DataRef:     payload.DataRef,
		TotalCount:  current.TotalCount,
		Items:       make([]manifestItem, 0, len(current.Items)),
		GeneratedAt: time.Now().UTC(),
	}
	for _, item := range current.Items {
		doc.Items = append(doc.Items, manifestItem{ID: item.ID, State: string(item.State)})
	}
	data, err := json.Marshal(doc)
	if err != nil {
		return nil, faults.Wrap(faults.ErrValidation, "pipeline", "document rendering", "encode manifest", err)
	}
	return data, nil
}

func taskID(protocolID, itemID string) string {
	return protocolID + "/" + itemID
}

func splitTaskID(id string) (string, string, error) {
	protocolID, itemID, ok := strings.Cut(id, "/")
	if !ok || protocolID == "" || itemID == "" {
		return "", "", errors.New("task id is not protocol/item")
	}
	return protocolID, itemID, nil
}

func storagePrefix(protocolID string) string {
	return "protocols/" + protocolID
}

func storageKey(protocolID, itemID string) string {
	return fmt.Sprintf("%s/%s", storagePrefix(protocolID), itemID)
}

func renditionSuffix(ref string) string {
	base := filepath.Base(ref)
	if idx := strings.Index(base, "."); idx >= 0 {
		return "." + base[idx+1:]
	}
	return ""
}

func mimeForExtension(ext string) string {
	switch strings.ToLower(ext) {
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".png":
		return "image/png"
	default:
		return "application/octet-stream"
	}
}
