// Package storage persists the task registry: one record per pending job.
//
// Records survive process restarts independently of the live scheduling
// engine; the dispatcher's reload path rebuilds engine state from here.
package storage
