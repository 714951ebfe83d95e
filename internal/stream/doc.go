// Package stream owns the live connection to the lab backend.
//
// Ownership boundary:
// - connection lifecycle: connect, send, receive, close
// - fixed-delay reconnection with at most one pending timer
// - handing raw inbound frames to a Handler
//
// Frame meaning is not interpreted here; see package lab.
package stream
