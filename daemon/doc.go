// Package daemon coordinates the file delivery engine for one entity.
//
// The daemon owns the set of transports, the mapping from transaction
// identifier to running worker, and the single merged inbound PDU stream.
// One supervisory loop demultiplexes inbound PDUs to workers, routes
// outbound PDUs to the transport serving their destination, services user
// requests and reaps workers that reached a terminal state. The routing
// table is immutable once the daemon starts and all other state is touched
// only by the loop goroutine, so no locking is needed.
package daemon
