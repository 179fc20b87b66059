package executor

import "time"

// Settings bundles every executor timing knob. They default to short,
// conservative convergence waits but are fields, not constants, so tests
// can shrink them instead of sleeping real seconds.
type Settings struct {
	DisconnectSettle time.Duration // Phase A: pause after each disconnect
	ScanSettleShort  time.Duration // ConnectExistingPair: scan-on settle before connect
	PairScanWait     time.Duration // PairAndConnect: scan-on settle before pair
	PostConnectWait  time.Duration // PairAndConnect: settle after connect before verifying
	PairTimeout      time.Duration
	TrustTimeout     time.Duration
	DefaultLatencyMs int
}

// DefaultSettings returns the timing knobs used when no override is supplied.
func DefaultSettings() Settings {
	return Settings{
		DisconnectSettle: 300 * time.Millisecond,
		ScanSettleShort:  1 * time.Second,
		PairScanWait:     5 * time.Second,
		PostConnectWait:  3 * time.Second,
		PairTimeout:      30 * time.Second,
		TrustTimeout:     30 * time.Second,
		DefaultLatencyMs: 100,
	}
}
