package indexer

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"vfscore/internal/contextutil"
	"vfscore/internal/index"
	"vfscore/internal/model"
	"vfscore/internal/resource"
	"vfscore/internal/vectorstore"
	"vfscore/internal/vfserr"
)

// JobDeps are the collaborators of a Job.
type JobDeps struct {
	Resources *resource.Store
	Index     *index.Store
	Vectors   vectorstore.VectorStore
	Models    model.Service
	Builder   *UnitBuilder
	Chunker   *Chunker
	Pipeline  *EmbeddingPipeline
	Reporter  Reporter
}

// Job indexes one resource in one modality: it syncs units, chunks changed
// units, embeds the chunks and records segments.
type Job struct {
	resources *resource.Store
	index     *index.Store
	vectors   vectorstore.VectorStore
	models    model.Service
	builder   *UnitBuilder
	chunker   *Chunker
	pipeline  *EmbeddingPipeline
	reporter  Reporter
}

// NewJob creates a Job. Missing builder, chunker, pipeline and reporter get
// defaults.
func NewJob(deps JobDeps) (*Job, error) {
	if deps.Resources == nil || deps.Index == nil || deps.Vectors == nil || deps.Models == nil {
		return nil, errors.New("indexer: resources, index, vectors and models are required")
	}
	j := &Job{
		resources: deps.Resources,
		index:     deps.Index,
		vectors:   deps.Vectors,
		models:    deps.Models,
		builder:   deps.Builder,
		chunker:   deps.Chunker,
		pipeline:  deps.Pipeline,
		reporter:  deps.Reporter,
	}
	if j.builder == nil {
		j.builder = NewUnitBuilder(nil)
	}
	if j.chunker == nil {
		c, err := NewChunker(DefaultChunkTokens, DefaultChunkOverlap, nil)
		if err != nil {
			return nil, err
		}
		j.chunker = c
	}
	if j.pipeline == nil {
		j.pipeline = NewEmbeddingPipeline(deps.Models, deps.Vectors, deps.Index.Dimensions, DefaultBatchSize)
	}
	if j.reporter == nil {
		j.reporter = NopReporter{}
	}
	return j, nil
}

// Chunker returns the chunker used by the job.
func (j *Job) Chunker() *Chunker {
	return j.chunker
}

// Pipeline returns the embedding pipeline used by the job.
func (j *Job) Pipeline() *EmbeddingPipeline {
	return j.pipeline
}

// Reporter returns the job's reporter.
func (j *Job) Reporter() Reporter {
	return j.reporter
}

// SyncUnits recomputes the units of a live resource and stores the diff.
// Vector rows of removed segments are deleted before it returns.
func (j *Job) SyncUnits(ctx context.Context, resourceID string) (*index.SyncResult, error) {
	r, err := j.resources.Load(ctx, resourceID)
	if err != nil {
		return nil, err
	}
	inputs, err := j.builder.Build(ctx, r)
	if err != nil {
		return nil, err
	}
	result, err := j.index.Units.Sync(ctx, r.ResourceID(), r.ResourceKind(), inputs)
	if err != nil {
		return nil, err
	}
	j.deleteVectors(ctx, result.Stale)
	return result, nil
}

// Run indexes a resource whose state row is claimed by workerID. On success
// the row moves to indexed in the same transaction that clears the units'
// reindex flags. On failure the row is left to the caller.
func (j *Job) Run(ctx context.Context, resourceID string, modality index.Modality, workerID string) (*JobResult, error) {
	start := time.Now()
	logger := contextutil.LoggerFromContext(ctx).With("resource_id", resourceID, "modality", modality)
	ctx = contextutil.WithLogger(ctx, logger)

	gone, err := j.removeIfGone(ctx, resourceID)
	if err != nil {
		return nil, err
	}
	if gone {
		return &JobResult{ResourceID: resourceID, Modality: modality, Removed: true, Duration: time.Since(start)}, nil
	}

	if _, err := j.SyncUnits(ctx, resourceID); err != nil {
		return nil, err
	}
	units, err := j.index.Units.ListByResource(ctx, resourceID)
	if err != nil {
		return nil, err
	}
	j.reporter.Progress(ctx, Progress{ResourceID: resourceID, Modality: modality, Stage: StageUnits, Current: len(units), Total: len(units)})

	pending, kept, err := j.plan(ctx, units, modality)
	if err != nil {
		return nil, err
	}

	embedded := 0
	if len(pending) > 0 {
		assigned, err := j.models.Assignments(ctx)
		if err != nil {
			return nil, err
		}
		modelID := assigned.EmbeddingModel(string(modality))
		if modelID == "" {
			return nil, vfserr.Invalid("indexer.run", vfserr.CodeModel,
				fmt.Sprintf("no embedding model assigned for modality %s", modality))
		}
		embedded, err = j.embed(ctx, resourceID, modality, modelID, pending)
		if err != nil {
			return nil, err
		}
	}

	unitIDs := make([]string, len(units))
	for i, u := range units {
		unitIDs[i] = u.ID
	}
	segments := kept + embedded
	err = j.index.DB().InTx(ctx, func(tx *sql.Tx) error {
		if err := j.index.Units.ClearReindexTx(ctx, tx, unitIDs); err != nil {
			return err
		}
		return j.index.States.MarkIndexedTx(ctx, tx, resourceID, modality, workerID, segments)
	})
	if err != nil {
		return nil, err
	}

	result := &JobResult{
		ResourceID: resourceID,
		Modality:   modality,
		Units:      len(units),
		Segments:   segments,
		Embedded:   embedded,
		Duration:   time.Since(start),
	}
	j.reporter.Completed(ctx, result)
	return result, nil
}

// removeIfGone drops the index rows of a resource that was purged or soft
// deleted since it was scheduled.
func (j *Job) removeIfGone(ctx context.Context, resourceID string) (bool, error) {
	sum, err := j.resources.Summary(ctx, resourceID)
	switch {
	case vfserr.IsKind(err, vfserr.KindNotFound):
	case err != nil:
		return false, err
	case !sum.Deleted:
		return false, nil
	}

	refs, err := j.index.DeleteResource(ctx, resourceID)
	if err != nil {
		return false, err
	}
	j.deleteVectors(ctx, refs)
	contextutil.LoggerFromContext(ctx).InfoContext(ctx, "resource gone, index rows removed", "segments", len(refs))
	return true, nil
}

// pendingChunk is a chunk waiting for its embedding.
type pendingChunk struct {
	unit  index.Unit
	chunk Chunk
}

// plan compares each unit's chunks with its stored segments. Units whose
// segments still match are kept; the rest lose their segments and their
// chunks are returned for embedding.
func (j *Job) plan(ctx context.Context, units []index.Unit, modality index.Modality) ([]pendingChunk, int, error) {
	var pending []pendingChunk
	kept := 0
	for _, u := range units {
		chunks := j.chunker.Chunk(u.Text)
		existing, err := j.index.Segments.ListByUnit(ctx, u.ID, modality)
		if err != nil {
			return nil, 0, err
		}
		if segmentsMatch(existing, chunks) {
			kept += len(existing)
			continue
		}
		if len(existing) > 0 {
			refs, err := j.index.Segments.DeleteByUnit(ctx, u.ID, modality)
			if err != nil {
				return nil, 0, err
			}
			j.deleteVectors(ctx, refs)
		}
		for _, c := range chunks {
			pending = append(pending, pendingChunk{unit: u, chunk: c})
		}
	}
	return pending, kept, nil
}

func segmentsMatch(existing []index.Segment, chunks []Chunk) bool {
	if len(existing) != len(chunks) {
		return false
	}
	for i, s := range existing {
		if s.SegmentIndex != chunks[i].Index || s.ContentHash != index.ContentHash(chunks[i].Text) {
			return false
		}
	}
	return true
}

// embed embeds pending chunks batch by batch. Each batch is upserted into
// the vector store and then recorded in the segment registry. Cancellation
// is observed between batches.
func (j *Job) embed(ctx context.Context, resourceID string, modality index.Modality, modelID string, pending []pendingChunk) (int, error) {
	size := j.pipeline.BatchSize()
	done := 0
	for start := 0; start < len(pending); start += size {
		if err := ctx.Err(); err != nil {
			return done, err
		}
		end := min(start+size, len(pending))
		batch := pending[start:end]

		texts := make([]string, len(batch))
		for i, p := range batch {
			texts[i] = p.chunk.Text
		}
		out, err := j.pipeline.EmbedBatch(ctx, modality, modelID, texts)
		if err != nil {
			return done, err
		}

		rows := make([]vectorstore.Row, len(batch))
		segments := make([]index.Segment, len(batch))
		for i, p := range batch {
			hash := index.ContentHash(p.chunk.Text)
			rowID := index.VectorRowID(p.unit.ID, p.chunk.Index, modality, out.Dimension, hash)
			startPos, endPos := p.chunk.Start, p.chunk.End
			rows[i] = vectorstore.Row{
				VectorRowID:  rowID,
				ResourceID:   resourceID,
				UnitID:       p.unit.ID,
				SegmentIndex: p.chunk.Index,
				Vector:       out.Vectors[i],
				Payload: map[string]any{
					"resource_type": string(p.unit.ResourceType),
					"unit_kind":     string(p.unit.Kind),
				},
			}
			segments[i] = index.Segment{
				UnitID:       p.unit.ID,
				ResourceID:   resourceID,
				SegmentIndex: p.chunk.Index,
				Modality:     modality,
				Dimension:    out.Dimension,
				TableName:    out.Table,
				VectorRowID:  rowID,
				ContentText:  p.chunk.Text,
				ContentHash:  hash,
				StartPos:     &startPos,
				EndPos:       &endPos,
				Metadata:     map[string]any{"tokens": p.chunk.Tokens},
			}
		}

		if err := j.vectors.Upsert(ctx, out.Table, rows); err != nil {
			return done, fmt.Errorf("failed to upsert vectors: %w", err)
		}
		if err := j.index.Segments.CreateBatch(ctx, segments); err != nil {
			return done, err
		}
		done += len(batch)
		j.reporter.Progress(ctx, Progress{ResourceID: resourceID, Modality: modality, Stage: StageEmbed, Current: done, Total: len(pending)})
	}
	return done, nil
}

// deleteVectors removes vector rows on a best-effort basis; rows left
// behind are orphans that reconcile removes.
func (j *Job) deleteVectors(ctx context.Context, refs []index.VectorRef) {
	if len(refs) == 0 {
		return
	}
	logger := contextutil.LoggerFromContext(ctx)
	for table, rowIDs := range index.GroupByTable(refs) {
		if err := j.vectors.DeleteByIDs(ctx, table, rowIDs); err != nil {
			logger.WarnContext(ctx, "failed to delete vectors", "table", table, "count", len(rowIDs), "error", err)
		}
	}
}

// Retryable reports whether a failed job may succeed when run again.
func Retryable(err error) bool {
	switch vfserr.KindOf(err) {
	case vfserr.KindInvalidArgument, vfserr.KindSerialization, vfserr.KindNotFound,
		vfserr.KindHashCollision, vfserr.KindRefCount, vfserr.KindInvalidState:
		return false
	case vfserr.KindDatabase, vfserr.KindIO, vfserr.KindPool:
		return true
	}
	return model.IsRetryable(err)
}
