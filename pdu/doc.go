// Package pdu defines the protocol data units exchanged by the file
// delivery protocol and their versioned binary wire encoding.
//
// A PDU carries a fixed header (source and destination entity, transaction
// sequence number, transmission mode) followed by one directive payload:
// Metadata, FileData, EOF, ACK, Finished or NAK. The engine core treats a
// decoded PDU as an opaque value and inspects only its directive kind and
// transaction identifier; everything else is consumed by the transaction
// state machines.
package pdu
