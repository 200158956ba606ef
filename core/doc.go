// Package core contains the shared data model of the agentwire runtime:
// messages and their content parts, run records and the run status machine,
// run events, the agent capability contract, and the protocol error taxonomy.
//
// Everything here is transport-agnostic. The JSON struct tags define the
// storage encoding used by the pluggable stores; status strings and the
// message shape are part of the wire contract and must not be renamed.
package core
