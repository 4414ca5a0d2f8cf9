// Package link is the orchestrator: the single facade an application
// holds. It wires the secure channel, the device registry, the durable
// session store, and the error classifier together, and exposes the
// high-level operations (connect, pair, delegate, sync) the rest of the
// system is built from.
//
// Collaborators are injected explicitly via New; the orchestrator owns
// none of their lifecycles except the channel it creates in Initialize.
package link
