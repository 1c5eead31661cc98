package consensus

// Params collects the configuration constants named in §6, as a struct
// rather than global vars so multiple networks/tests can run with distinct
// values in the same process.
type Params struct {
	// OldestForkThreshold bounds the fork-path backward walk (§4.D.3,
	// §9 Design Notes). Implementation-chosen; defaults to 256.
	OldestForkThreshold uint32

	// MaxGCRounds bounds how far behind last_committed_round the DAG and
	// recent-commit set retain entries. Default 50.
	MaxGCRounds uint64

	// MaxRounds bounds round locators. Default 128.
	MaxRounds uint64

	// MaxCertificatesPerRound bounds certificates accepted per round. Default 512.
	MaxCertificatesPerRound int

	// BlockHeaderSize is used for mempool candidate budgeting. Default 84.
	BlockHeaderSize int

	// CoinbaseTransactionSize is used for mempool candidate budgeting.
	// Configurable; default 1889.
	CoinbaseTransactionSize int

	// MaxTransmissionsPerBatch bounds a BatchHeader's transmission_ids.
	MaxTransmissionsPerBatch int

	// MaxCommitteeSize bounds a Proposal's collected signatures.
	MaxCommitteeSize int
}

// DefaultParams returns the conservative defaults named in §6/§9.
func DefaultParams() Params {
	return Params{
		OldestForkThreshold:      256,
		MaxGCRounds:              50,
		MaxRounds:                128,
		MaxCertificatesPerRound:  512,
		BlockHeaderSize:          84,
		CoinbaseTransactionSize:  1889,
		MaxTransmissionsPerBatch: 1024,
		MaxCommitteeSize:         512,
	}
}

// BlockReward computes the expected coinbase value at height, a simple
// halving-free constant-reward schedule (the real subsidy/halving curve is
// out of scope; this seam keeps §4.D.5's value_balance-sum check testable).
func (p Params) BlockReward(height uint32) int64 {
	const baseReward int64 = 50_000_000
	return baseReward
}
