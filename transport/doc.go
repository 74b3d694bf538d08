// Package transport turns a physical medium into a stream of protocol data
// units for the daemon.
//
// A PDUTransport owns exactly one medium handle and a routing table from
// entity identifier to medium address, fixed at construction. Its handler
// loop is the only code touching the medium, so sends and receives are
// serialized without locking. Two media are provided: UDPTransport for
// datagram links and StreamTransport for continuous byte-stream lines.
// LossyTransport wraps either with a configurable drop schedule for link
// simulation.
package transport
