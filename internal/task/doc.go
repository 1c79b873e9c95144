// Package task defines the Task entity, its recurrence rules, and the error
// taxonomy shared by the store, the scheduler, and the command router.
package task
