// Package crawler defines the domain model shared by the batch orchestrator:
// jobs and their lifecycle, chapters and their body states, artifacts, and
// the interfaces implemented by fetchers, sources, binders, job stores, and
// delivery channels.
package crawler
