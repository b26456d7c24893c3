package core

// NetworkParams collects every tunable named throughout §3-§5 that used to
// live as package-level constants (ledger_constants in the original design).
// Carrying them as a value instead lets a devnet/testnet/mainnet selection
// change quorum thresholds and committee timing without a rebuild; cmd/synnergy
// builds one of these from pkg/config's viper-loaded Config and hands it to
// node.go.
type NetworkParams struct {
	// NetworkMagic prefixes every UDP/TCP frame so peers on different
	// networks (mainnet/testnet/devnet) never parse each other's traffic.
	NetworkMagic [2]byte

	// QuorumFraction is the fraction of online stake an active election
	// needs to see vote for the same block before it reaches quorum_reached.
	QuorumFraction float64

	// CommitteeQuorumNumerator/Denominator express the ⅔ epoch-commitment
	// threshold as a fraction so it can be tuned without a float-precision
	// surprise (2/3 by default per §4.5).
	CommitteeQuorumNumerator   int
	CommitteeQuorumDenominator int

	// WarmupRounds is how many consensus rounds a pledged candidate waits
	// before becoming eligible for committee selection.
	WarmupRounds int

	// CooldownEpochs is how many epochs an unpledging witness waits in
	// cooldown before its stake is released.
	CooldownEpochs int

	// TopCandidateCount/WitnessCount bound the candidate pool and the
	// elected committee size (§3: top-50 candidates, top-21 witnesses).
	TopCandidateCount int
	WitnessCount      int

	// ElectionAgeOutRounds is how many rounds an election may sit without
	// reaching quorum before it is aged out.
	ElectionAgeOutRounds int

	// BlockStorePath/EpochStorePath are the bbolt database files.
	BlockStorePath string
	EpochStorePath string

	// ListenAddr is the UDP gossip bind address (host:port).
	ListenAddr string
	// BootstrapListenAddr is the TCP bootstrap bind address (host:port).
	BootstrapListenAddr string

	// PeerMaxPerIP is carried from config but not consulted: PeerTable
	// applies its own fixed per-IP cap (maxPeersPerIP).
	PeerMaxPerIP int
	// PeerTableSize is the maximum number of peers tracked at once.
	PeerTableSize int

	// WorkThreshold is the minimum value (interpreted little-endian) the
	// work validation hash must reach for a block's Work field to be
	// accepted (§4.9, §7 Work::Insufficient). Mining the nonce itself is a
	// wallet-side, CPU/GPU-bound concern out of core's scope; core only
	// ever checks a candidate nonce against this threshold.
	WorkThreshold uint64
}

// DefaultNetworkParams returns the mainnet-shaped defaults; cmd/synnergy
// overlays the loaded config's overrides onto a copy of this.
func DefaultNetworkParams() NetworkParams {
	return NetworkParams{
		NetworkMagic:               [2]byte{'N', 'T'},
		QuorumFraction:             0.67,
		CommitteeQuorumNumerator:   2,
		CommitteeQuorumDenominator: 3,
		WarmupRounds:               20,
		CooldownEpochs:             10,
		TopCandidateCount:          50,
		WitnessCount:               WitnessCount,
		ElectionAgeOutRounds:       300,
		BlockStorePath:             "data/blocks.db",
		EpochStorePath:             "data/epochs.db",
		ListenAddr:                 "0.0.0.0:7075",
		BootstrapListenAddr:        "0.0.0.0:7076",
		PeerMaxPerIP:               4,
		PeerTableSize:              4096,
		WorkThreshold:              0xffffffc000000000,
	}
}

// CommitteeQuorum returns the minimum number of signers out of committeeSize
// needed to reach the ⅔ quorum threshold.
func (p NetworkParams) CommitteeQuorum(committeeSize int) int {
	need := committeeSize*p.CommitteeQuorumNumerator + p.CommitteeQuorumDenominator - 1
	return need / p.CommitteeQuorumDenominator
}
