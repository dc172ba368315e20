// Package gitsync wraps the git command line for ingestion: cloning and
// fetching remotes into a tenant-scoped workspace, resolving commits,
// listing the files changed between two commits, and answering ancestry
// questions used to order webhook deliveries.
//
// Every command runs through a Runner so tests can script git's output.
// Remote URLs are normalized to https form so the same repository reached
// over ssh or https maps to one project.
package gitsync
