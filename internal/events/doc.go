// Package events provides the submission-signal event system that lets the
// ingress service wake the dispatcher without a direct dependency on it.
package events
