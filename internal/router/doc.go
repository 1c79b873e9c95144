// Package router turns user intents into task store operations.
//
// Every command is synchronous, reports typed errors from package task and
// leaves an audit entry. Mutations are conditional on the version read just
// before them and are retried a few times when a concurrent update wins.
package router
