// Package crawler defines the types and contracts shared by the crawl job
// lifecycle: the API service, the job queues, the worker pool, the process
// runner and the record/status stores.
package crawler
