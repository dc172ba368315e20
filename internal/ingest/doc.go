// Package ingest keeps the chunk and vector store in step with a project's
// source tree.
//
// # Basic Usage
//
//	pipe := ingest.NewPipeline(store, idx, chunker, client, git, ingest.Options{})
//	queue := ingest.NewQueue(pipe, ingest.QueueOptions{})
//	defer queue.Close()
//
//	summary, err := queue.Run(ctx, ingest.Request{
//	    TenantID:  "acme",
//	    ProjectID: 7,
//	    Kind:      ingest.KindIncremental,
//	})
//
// # Run Lifecycle
//
// A run moves through Scanning, Chunking, Embedding (ErrorRetry when some
// vectors failed) and Committing before returning to Idle:
//
//  1. Plan: pick the files to visit from the kind of request. Full walks the
//     shallow index; Incremental uses an explicit change set or the git diff
//     from the stored cursor to the target; Retry visits the retry queue.
//  2. Prepare: read and hash each file, skip it when the stored hash matches,
//     otherwise chunk it and diff the chunks against the live ones.
//  3. Embed: new content hashes of a group of files go out in one batch.
//  4. Commit: one transaction per file inserts new chunks, marks superseded
//     chunks stale, writes vectors and updates the file record.
//
// # Partial Failure
//
// Chunks whose embedding failed are not written. Their hashes go to the
// retry queue and the file stays pending with its previous hash, so the
// next run revisits it. The cursor still advances.
//
// # Idempotency
//
// Requests carrying an event id that was already processed are no-ops, as
// are git targets the cursor already covers. Re-running a completed request
// creates no chunks and no embeddings.
//
// # Queueing
//
// Queue runs at most one request per project at a time. Later requests for
// the same project wait in order and read the cursor fresh when they start.
package ingest
