// Package linkerr is the NeuralLink error taxonomy and recovery engine.
//
// Every failure in the stack maps to a coded, severity-ranked error with a
// user-facing description. Codes are namespaced by component:
//
//	NL-1xx  connection  (mostly warnings, auto-recovered by the channel)
//	NL-2xx  security    (always critical, never silently retried)
//	NL-3xx  protocol    (logged, usually transient)
//	NL-4xx  delegation  (surfaced to the command issuer)
//	NL-5xx  session     (triggers a recovery attempt)
//	NL-9xx  generic     (unclassified internal failures)
//
// The Classifier records every error in a fixed-capacity ring buffer,
// notifies subscribers, and executes a code-specific recovery action.
// Only a defined subset of codes raises a user-visible notification, to
// avoid notification fatigue during normal network jitter.
package linkerr
