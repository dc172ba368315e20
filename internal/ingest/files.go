package ingest

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/dshills/codeindex-mcp/internal/chunker"
	"github.com/dshills/codeindex-mcp/internal/embedder"
	"github.com/dshills/codeindex-mcp/internal/index"
	"github.com/dshills/codeindex-mcp/internal/parser"
	"github.com/dshills/codeindex-mcp/internal/storage"
	"github.com/dshills/codeindex-mcp/pkg/types"
)

type fileAction int

var errEmbeddingCollected = errors.New("embedding removed before commit")

const (
	actionCommit fileAction = iota
	actionSkip
	actionRemove
	actionFail
)

// prepared is one file read, chunked and diffed against its live chunks
type prepared struct {
	path     string
	action   fileAction
	err      error
	stored   *storage.File
	entry    types.FileEntry
	fileHash string
	fallback bool

	fresh []types.Chunk // chunks not yet live
	kept  int           // live chunks that stay
	stale []int64       // live chunks no longer produced
}

// chunkKeys numbers chunks that share hash and line span, the pieces of one
// overlong line, in start byte order so each piece keeps its own key
type chunkKeys map[string]int

func (k chunkKeys) next(hash string, start, end int) string {
	base := fmt.Sprintf("%s:%d:%d", hash, start, end)
	n := k[base]
	k[base] = n + 1
	return fmt.Sprintf("%s:%d", base, n)
}

// processGroup runs prepare, embed and commit for one group of files
func (r *run) processGroup(ctx context.Context, paths []string) error {
	r.setState(StateChunking)
	files, err := r.prepareGroup(ctx, paths)
	if err != nil {
		return err
	}

	var items []embedder.Item
	for _, f := range files {
		for _, c := range f.fresh {
			items = append(items, embedder.Item{Hash: c.ContentHash, Text: c.Content})
		}
	}

	result := &embedder.BatchResult{
		Vectors: map[string][]float32{},
		Failed:  map[string]error{},
	}
	if len(items) > 0 {
		r.setState(StateEmbedding)
		res, err := r.p.embed.EmbedBatch(ctx, r.req.TenantID, items)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("embed: %w", err)
		}
		result = res
		r.summary.EmbeddingsReused += res.Reused
		r.summary.EmbeddingsFailed += len(res.Failed)
		if len(res.Failed) > 0 {
			r.setState(StateErrorRetry)
			r.logger.Warn("embeddings failed, queueing for retry", "hashes", len(res.Failed))
		}
	}

	for _, f := range files {
		if err := ctx.Err(); err != nil {
			return err
		}
		switch f.action {
		case actionSkip:
			r.summary.Files.Skipped++
		case actionFail:
			r.summary.Files.Failed++
			r.unitError(f.path, f.err)
		case actionRemove:
			r.setState(StateCommitting)
			if err := r.removeFile(ctx, f.path); err != nil {
				r.summary.Files.Failed++
				r.unitError(f.path, err)
			}
		case actionCommit:
			r.setState(StateCommitting)
			if err := r.commitFile(ctx, f, result); err != nil {
				r.summary.Files.Failed++
				r.unitError(f.path, err)
			}
		}
	}
	return nil
}

// prepareGroup reads and chunks files concurrently. Per-file failures are
// carried in the result; only cancellation fails the group.
func (r *run) prepareGroup(ctx context.Context, paths []string) ([]*prepared, error) {
	files := make([]*prepared, len(paths))
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.p.opts.Workers)
	for i, path := range paths {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			f := r.prepare(gctx, path)
			mu.Lock()
			files[i] = f
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return files, nil
}

func (r *run) prepare(ctx context.Context, path string) *prepared {
	f := &prepared{path: path}
	stored, err := r.p.store.GetFile(ctx, r.req.TenantID, r.project.ID, path)
	switch {
	case err == nil:
		f.stored = stored
	case !errors.Is(err, storage.ErrNotFound):
		f.action, f.err = actionFail, err
		return f
	}

	a, err := r.p.index.Analyze(ctx, r.ref, path)
	if err != nil {
		switch {
		case errors.Is(err, os.ErrNotExist):
			f.action = actionRemove
		case errors.Is(err, index.ErrSkipped) && f.stored != nil:
			f.action = actionRemove
		case errors.Is(err, index.ErrSkipped):
			f.action = actionSkip
		default:
			f.action, f.err = actionFail, err
		}
		return f
	}

	f.entry = a.Entry
	f.fileHash = types.HashContent(string(a.Content))
	if f.stored != nil && f.stored.ContentHash == f.fileHash && !f.stored.Pending && !r.req.Force {
		f.action = actionSkip
		return f
	}
	f.fallback = a.Outcome == parser.OutcomeFallback

	chunks := r.p.chunker.Chunk(chunker.FileInput{
		Path:     path,
		Language: a.Entry.Language,
		Content:  a.Content,
	}, a.Result)

	live, err := r.p.store.ListLiveChunksByFile(ctx, r.req.TenantID, r.project.ID, path)
	if err != nil {
		f.action, f.err = actionFail, fmt.Errorf("list live chunks: %w", err)
		return f
	}
	existing := make(map[string]int64, len(live))
	liveKeys := chunkKeys{}
	for _, c := range live {
		existing[liveKeys.next(c.ContentHash, c.StartLine, c.EndLine)] = c.ID
	}
	freshKeys := chunkKeys{}
	for _, c := range chunks {
		key := freshKeys.next(c.ContentHash, c.StartLine, c.EndLine)
		if _, ok := existing[key]; ok {
			delete(existing, key)
			f.kept++
			continue
		}
		f.fresh = append(f.fresh, c)
	}
	for _, id := range existing {
		f.stale = append(f.stale, id)
	}
	return f
}

// commitFile writes one file in a single transaction. Chunks whose
// embedding failed are queued for retry and the stored hash is kept so the
// next run revisits the file.
func (r *run) commitFile(ctx context.Context, f *prepared, res *embedder.BatchResult) (err error) {
	tenantID, projectID := r.req.TenantID, r.project.ID

	var (
		inserts  []*storage.Chunk
		vectors  []*storage.Embedding
		retries  []storage.RetryItem
		upserted = make(map[string]bool)
	)
	now := time.Now()
	model := r.p.embed.Embedder()
	for _, c := range f.fresh {
		if ferr, failed := res.Failed[c.ContentHash]; failed {
			retries = append(retries, storage.RetryItem{
				ContentHash: c.ContentHash,
				FilePath:    f.path,
				LastError:   ferr.Error(),
			})
			continue
		}
		if vec, ok := res.Vectors[c.ContentHash]; ok && !r.written[c.ContentHash] && !upserted[c.ContentHash] {
			upserted[c.ContentHash] = true
			vectors = append(vectors, &storage.Embedding{
				TenantID:    tenantID,
				ContentHash: c.ContentHash,
				Vector:      vec,
				Dimension:   len(vec),
				Provider:    model.Provider(),
				Model:       model.Model(),
				CreatedAt:   now,
			})
		}
		inserts = append(inserts, storage.FromTypesChunk(tenantID, projectID, c))
	}

	tx, err := r.p.store.BeginTx(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	// Reused vectors were looked up before the transaction and may have been
	// collected since; re-check them so no live chunk points at a missing vector.
	if reused := reusedHashes(inserts, upserted); len(reused) > 0 {
		var have map[string]bool
		if have, err = tx.ExistingHashes(ctx, tenantID, reused); err != nil {
			return fmt.Errorf("verify embeddings: %w", err)
		}
		kept := inserts[:0]
		queued := make(map[string]bool)
		for _, c := range inserts {
			if upserted[c.ContentHash] || have[c.ContentHash] {
				kept = append(kept, c)
				continue
			}
			if !queued[c.ContentHash] {
				queued[c.ContentHash] = true
				retries = append(retries, storage.RetryItem{
					ContentHash: c.ContentHash,
					FilePath:    f.path,
					LastError:   errEmbeddingCollected.Error(),
				})
			}
		}
		inserts = kept
	}

	if len(vectors) > 0 {
		if err = tx.UpsertEmbeddings(ctx, vectors); err != nil {
			return fmt.Errorf("upsert embeddings: %w", err)
		}
	}
	if len(inserts) > 0 {
		if err = tx.InsertChunks(ctx, inserts); err != nil {
			return fmt.Errorf("insert chunks: %w", err)
		}
	}
	staled := 0
	if len(f.stale) > 0 {
		if staled, err = tx.MarkChunksStale(ctx, tenantID, f.stale); err != nil {
			return fmt.Errorf("mark stale: %w", err)
		}
	}
	if len(retries) > 0 {
		if err = tx.AddRetryItems(ctx, tenantID, projectID, retries); err != nil {
			return fmt.Errorf("queue retries: %w", err)
		}
	} else if err = tx.RemoveRetryItems(ctx, tenantID, projectID, []string{f.path}); err != nil {
		return fmt.Errorf("clear retries: %w", err)
	}

	record := &storage.File{
		TenantID:    tenantID,
		ProjectID:   projectID,
		Path:        f.path,
		ContentHash: f.fileHash,
		Language:    f.entry.Language,
		SizeBytes:   f.entry.Size,
		ModTime:     f.entry.ModTime,
		Pending:     len(retries) > 0,
		ChunkCount:  f.kept + len(inserts),
		IndexedAt:   now,
	}
	if record.Pending {
		record.ContentHash = ""
		if f.stored != nil {
			record.ContentHash = f.stored.ContentHash
		}
	}
	if err = tx.UpsertFile(ctx, record); err != nil {
		return fmt.Errorf("upsert file: %w", err)
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}

	for h := range upserted {
		r.written[h] = true
	}
	r.summary.EmbeddingsCreated += len(vectors)
	r.summary.ChunksCreated += len(inserts)
	r.summary.ChunksStaled += staled
	r.summary.RetryQueued += len(retries)
	if f.fallback {
		r.summary.ParseFailures++
	}
	if record.Pending {
		r.summary.Files.Pending++
	} else {
		r.summary.Files.Succeeded++
	}
	return nil
}

// removeFile deletes a file's chunks and record in one transaction
func (r *run) removeFile(ctx context.Context, path string) (err error) {
	tenantID, projectID := r.req.TenantID, r.project.ID
	tx, err := r.p.store.BeginTx(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	n, err := tx.DeleteChunksByFile(ctx, tenantID, projectID, path)
	if err != nil {
		return fmt.Errorf("delete chunks: %w", err)
	}
	if err = tx.DeleteFile(ctx, tenantID, projectID, path); err != nil {
		return fmt.Errorf("delete file: %w", err)
	}
	if err = tx.RemoveRetryItems(ctx, tenantID, projectID, []string{path}); err != nil {
		return fmt.Errorf("clear retries: %w", err)
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}

	r.summary.ChunksDeleted += n
	r.summary.Files.Removed++
	return nil
}

// reusedHashes lists the distinct hashes of inserts whose vector is not
// written by the same commit.
func reusedHashes(inserts []*storage.Chunk, upserted map[string]bool) []string {
	seen := make(map[string]bool)
	var out []string
	for _, c := range inserts {
		if upserted[c.ContentHash] || seen[c.ContentHash] {
			continue
		}
		seen[c.ContentHash] = true
		out = append(out, c.ContentHash)
	}
	return out
}
