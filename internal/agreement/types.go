package agreement

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// ProviderSlot is one fan-out target of a service agreement: the provider
// to notify, the opaque job description it receives, and its fee.
type ProviderSlot struct {
	Provider common.Address `json:"provider"`
	JobSpec  string         `json:"job_spec"`
	Fee      *big.Int       `json:"fee"`
}

// ServiceAgreement is a stored fan-out configuration: N provider slots and
// the minimum quorum of responses required before a request finalizes.
// A zero-valued ServiceAgreement means "unknown or deleted" — reads never
// distinguish the two.
type ServiceAgreement struct {
	ID             common.Hash
	MinResponses   int
	Providers      []ProviderSlot
	ActiveRequests int64
}

// Empty reports whether the agreement is the zero record returned for
// unknown or deleted ids.
func (a ServiceAgreement) Empty() bool {
	return len(a.Providers) == 0
}

// TotalFee is the sum of all per-slot fees. It is always recomputed from the
// slots, never stored separately, so it cannot drift.
func (a ServiceAgreement) TotalFee() *big.Int {
	total := new(big.Int)
	for _, s := range a.Providers {
		total.Add(total, s.Fee)
	}
	return total
}

// deriveID hashes the agreement content together with a creation nonce so
// ids are deterministic per creation but cannot collide or be guessed before
// the creation happens.
func deriveID(minResponses int, slots []ProviderSlot, nonce int64) common.Hash {
	data := make([]byte, 0, 8+len(slots)*64+8)
	data = appendInt64(data, int64(minResponses))
	for _, s := range slots {
		data = append(data, s.Provider.Bytes()...)
		data = append(data, []byte(s.JobSpec)...)
		data = append(data, s.Fee.Bytes()...)
	}
	data = appendInt64(data, nonce)
	return crypto.Keccak256Hash(data)
}

func appendInt64(b []byte, v int64) []byte {
	return append(b,
		byte(v>>56), byte(v>>48), byte(v>>40), byte(v>>32),
		byte(v>>24), byte(v>>16), byte(v>>8), byte(v),
	)
}

// Redis key templates
const (
	agreementKeyFmt = "agreement:%s" // %s = agreement id (hex)
	agreementSeqKey = "agreement:seq"
	eventsChannel   = "events:agreement"
)
