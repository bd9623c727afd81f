// Package core is the scheduling engine: the job registry, the due-time
// ready queue and the dependency tracker, driven by a poll loop that hands
// due jobs to an executor pool and folds their results back into the job
// lifecycle (retries with exponential backoff, recurrence, retirement).
package core
