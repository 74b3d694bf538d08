package transaction

import "time"

// Config carries the protocol timing and limit parameters. These are
// mission configuration, not protocol logic; every value is tunable and the
// zero value of a field falls back to its default.
type Config struct {
	// AckTimeout is the wait before retransmitting an unacknowledged
	// control PDU (EOF at the sender, Finished at the receiver).
	AckTimeout time.Duration

	// AckLimit is the number of consecutive acknowledgment timeouts
	// tolerated before the transaction faults with PositiveLimitReached.
	AckLimit int

	// NakTimeout is the interval between NAK rounds while the receiver is
	// missing data.
	NakTimeout time.Duration

	// NakLimit is the number of fruitless NAK rounds tolerated before the
	// transaction faults with NakLimitReached. The round counter resets
	// whenever requested data arrives.
	NakLimit int

	// InactivityTimeout is the longest silence on the inbound side before
	// the transaction faults with InactivityDetected.
	InactivityTimeout time.Duration

	// SegmentSize is the file data payload size per PDU.
	SegmentSize int

	// Linger is how long a sender stays alive after acknowledging Finished
	// so a lost ACK(Finished) can be answered again.
	Linger time.Duration
}

// DefaultConfig returns the defaults used when a field is unset.
func DefaultConfig() Config {
	return Config{
		AckTimeout:        5 * time.Second,
		AckLimit:          5,
		NakTimeout:        2 * time.Second,
		NakLimit:          5,
		InactivityTimeout: 2 * time.Minute,
		SegmentSize:       1024,
		Linger:            15 * time.Second,
	}
}

// withDefaults fills unset fields from DefaultConfig.
func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.AckTimeout <= 0 {
		c.AckTimeout = def.AckTimeout
	}
	if c.AckLimit <= 0 {
		c.AckLimit = def.AckLimit
	}
	if c.NakTimeout <= 0 {
		c.NakTimeout = def.NakTimeout
	}
	if c.NakLimit <= 0 {
		c.NakLimit = def.NakLimit
	}
	if c.InactivityTimeout <= 0 {
		c.InactivityTimeout = def.InactivityTimeout
	}
	if c.SegmentSize <= 0 {
		c.SegmentSize = def.SegmentSize
	}
	if c.Linger <= 0 {
		c.Linger = def.Linger
	}
	return c
}
