// Package scheduler polls the task store for due tasks and delivers one
// notification per occurrence through a Sink.
//
// Delivery is coordinated only through per-task conditional updates: a scan
// first claims a task (a short lease stored on the task), then calls the
// sink, then records the notification and advances recurring tasks in one
// update. Any number of scans may overlap, within one process or across
// processes sharing a store, without sending the same occurrence twice.
package scheduler
