// Package webhook receives repository push notifications from GitHub,
// GitLab, Gitea and Bitbucket.
//
// Each request is verified with the provider's signature scheme, normalized
// into a types.ChangeEvent and handed to a Dispatcher, which queues
// ingestion for every project tracking the repository. The receiver answers
// 202 once the event is queued; ingestion itself happens in the background.
//
// Routes:
//
//	POST /webhook/{provider}
//	GET  /healthz
package webhook
