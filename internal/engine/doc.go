// Package engine wires the index, search, ingestion and watch components
// into one facade.
//
// Every operation takes the project id explicitly and reads the tenant from
// the request context (see package tenant). There is no notion of a current
// project.
//
//	e, err := engine.Open(cfg, engine.Deps{})
//	ctx := tenant.WithID(ctx, "acme")
//	reg, err := e.RegisterProject(ctx, engine.RegisterRequest{Path: "/src/api"})
//	sum, err := e.IngestProject(ctx, engine.IngestRequest{ProjectID: reg.Project.ID})
//	resp, err := e.SemanticSearch(ctx, searcher.SearchRequest{ProjectID: reg.Project.ID, Query: "retry"})
//
// Ingestion runs through a per-project queue. IngestProject and
// IngestFromGit wait for their run; webhook events and watch batches are
// queued in the background and finish before Close returns.
package engine
