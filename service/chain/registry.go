package chain

// ProtocolKind classifies what a protocol can do for us.
type ProtocolKind string

const (
	ProtocolDEX     ProtocolKind = "dex"
	ProtocolLending ProtocolKind = "lending"
	ProtocolFarming ProtocolKind = "farming"
)

// ProtocolEntry describes one supported DEX/lending/farming protocol on one
// chain: its on-chain reference (contract address or program id) and what
// operations it supports. Read-only at runtime.
type ProtocolEntry struct {
	Name     string         `json:"name"`
	Chain    string         `json:"chain"`
	Contract string         `json:"contract"` // EVM contract address or Solana program id
	Kinds    []ProtocolKind `json:"kinds"`
}

// Supports reports whether the entry covers the given kind.
func (p ProtocolEntry) Supports(kind ProtocolKind) bool {
	for _, k := range p.Kinds {
		if k == kind {
			return true
		}
	}
	return false
}

// Registry is the static protocol registry, keyed by chain id.
type Registry struct {
	byChain map[string][]ProtocolEntry
}

// NewRegistry builds a registry from entries. Entries for unconfigured
// chains are harmless; the gateway filters by the adapter set.
func NewRegistry(entries []ProtocolEntry) *Registry {
	byChain := make(map[string][]ProtocolEntry)
	for _, e := range entries {
		byChain[e.Chain] = append(byChain[e.Chain], e)
	}
	return &Registry{byChain: byChain}
}

// ForChain returns the protocols registered for a chain.
func (r *Registry) ForChain(chainID string) []ProtocolEntry {
	return r.byChain[chainID]
}

// Lookup finds a protocol by name on a chain.
func (r *Registry) Lookup(chainID, name string) (ProtocolEntry, bool) {
	for _, e := range r.byChain[chainID] {
		if e.Name == name {
			return e, true
		}
	}
	return ProtocolEntry{}, false
}

// DefaultProtocols is the built-in registry of protocols the gateway knows
// how to drive. Contract references are mainnet deployments.
func DefaultProtocols() []ProtocolEntry {
	return []ProtocolEntry{
		{Name: "uniswap", Chain: "ethereum", Contract: "0x5C69bEe701ef814a2B6a3EDD4B1652CB9cc5aA6f", Kinds: []ProtocolKind{ProtocolDEX, ProtocolFarming}},
		{Name: "sushiswap", Chain: "ethereum", Contract: "0xC0AEe478e3658e2610c5F7A4A2E1777cE9e4f2Ac", Kinds: []ProtocolKind{ProtocolDEX, ProtocolFarming}},
		{Name: "aave", Chain: "ethereum", Contract: "0x7d2768dE32b0b80b7a3454c06BdAc94A69DDc7A9", Kinds: []ProtocolKind{ProtocolLending}},
		{Name: "compound", Chain: "ethereum", Contract: "0x3d9819210A31b4961b30EF54bE2aeD79B9c9Cd3B", Kinds: []ProtocolKind{ProtocolLending}},
		{Name: "quickswap", Chain: "polygon", Contract: "0x5757371414417b8C6CAad45bAeF941aBc7d3Ab32", Kinds: []ProtocolKind{ProtocolDEX, ProtocolFarming}},
		{Name: "sushiswap", Chain: "polygon", Contract: "0xc35DADB65012eC5796536bD9864eD8773aBc74C4", Kinds: []ProtocolKind{ProtocolDEX, ProtocolFarming}},
		{Name: "aave", Chain: "polygon", Contract: "0x8dFf5E27EA6b7AC08EbFdf9eB090F32ee9a30fcf", Kinds: []ProtocolKind{ProtocolLending}},
		{Name: "raydium", Chain: "solana", Contract: "675kPX9MHTjS2zt1qfr1NYHuzeLXfQM9H24wFSUt1Mp8", Kinds: []ProtocolKind{ProtocolDEX, ProtocolFarming}},
		{Name: "orca", Chain: "solana", Contract: "whirLbMiicVdio4qvUfM5KAg6Ct8VwpYzGff3uctyCc", Kinds: []ProtocolKind{ProtocolDEX, ProtocolFarming}},
	}
}
