// Package transaction implements the per-transfer reliability state
// machines of the file delivery protocol.
//
// A transaction worker exclusively owns the mutable state of one transfer
// and is reachable only through its command channel. Send and Recv are the
// two role variants. In acknowledged mode each side retransmits its own
// outstanding control PDU (EOF for the sender, Finished for the receiver)
// on an acknowledgment timer with a consecutive-timeout limit, the receiver
// recovers missing file segments with NAK rounds, and file data is applied
// by absolute offset so duplicated or reordered segments are harmless. In
// unacknowledged mode no recovery machinery runs and the transfer completes
// best effort.
package transaction
