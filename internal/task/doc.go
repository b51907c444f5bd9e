// Package task implements the persistent, multi-stage task scheduler core:
// the durable task envelope, the stage executor contract and registry, the
// dispatch and poll loops, and the retry policy that drives recovery.
package task
