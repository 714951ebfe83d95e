// Package lab owns the live session state of one lab experiment.
//
// Ownership boundary:
// - inbound frame decoding and tag dispatch (Interpret)
// - the session snapshot, detected objects, safety alerts, event log (Store)
// - outbound command shapes
//
// Interpret is a pure function of (snapshot, message). Store is the only
// place its effects are applied. Connection handling lives in package stream.
package lab
