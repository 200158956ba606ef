package core

// Store key space. All runtime state lives under these prefixes; change
// notifications are keyed the same way so a subscription on a prefix observes
// every mutation of the corresponding records.

// RunKey is the record holding the run snapshot.
func RunKey(runID string) string { return "run:" + runID }

// RunEventsKey is the append-only event log of a run.
func RunEventsKey(runID string) string { return "run:" + runID + ":events" }

// SessionKey is the session metadata record, including the active-run claim.
func SessionKey(sessionID string) string { return "session:" + sessionID }

// SessionHistoryKey is the append-only message history of a session.
func SessionHistoryKey(sessionID string) string { return "session:" + sessionID + ":history" }

// SessionStateKey is the opaque agent-managed state blob of a session.
func SessionStateKey(sessionID string) string { return "session:" + sessionID + ":state" }

// IdemKey maps a client-supplied idempotency key to the run it created.
func IdemKey(key string) string { return "idem:" + key }
