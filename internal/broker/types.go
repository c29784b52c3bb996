package broker

import (
	"errors"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

var (
	ErrUnknownAgreement  = errors.New("agreement does not exist")
	ErrReplayedNonce     = errors.New("caller nonce already consumed")
	ErrWrongSender       = errors.New("deposit not sent by the recognized ledger")
	ErrWrongOrigin       = errors.New("source must be the registered provider of this sub-request")
	ErrUnknownRequest    = errors.New("aggregation request does not exist")
	ErrUnknownSubRequest = errors.New("sub-request does not exist")
	ErrNotExpired        = errors.New("sub-request not yet expired or already resolved")
	ErrUnauthorized      = errors.New("initiator is not the originating caller")
)

// RequestState tags the aggregation request lifecycle. Finalized and
// Cancelled are terminal; there is no transition out of either.
type RequestState int

const (
	StateOpen RequestState = iota
	StateFinalized
	StateCancelled
)

func (s RequestState) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateFinalized:
		return "finalized"
	case StateCancelled:
		return "cancelled"
	}
	return "unknown"
}

// SubRequest is the unit of work sent to one provider slot. Provider,
// JobSpec and Fee are copied from the agreement at dispatch time, so a later
// agreement delete cannot corrupt an in-flight request.
type SubRequest struct {
	ID        common.Hash
	Provider  common.Address
	JobSpec   string
	Fee       *big.Int
	Fulfilled bool
	Cancelled bool
	Response  *big.Int
	CreatedAt int64
}

// AggregationRequest is one logical request created from a single deposit,
// fanned out as one SubRequest per provider slot of its agreement.
type AggregationRequest struct {
	ID               common.Hash
	AgreementID      common.Hash
	Caller           common.Address
	CallbackSelector string
	MinResponses     int
	State            RequestState
	FinalValue       *big.Int
	SubRequests      []SubRequest
	Responses        []*big.Int // arrival order, length <= N
}

// Job is the descriptor pushed onto a provider's queue. It carries enough
// context for the provider to address its response back to the aggregator.
type Job struct {
	RequestID    common.Hash    `json:"request_id"`
	SubRequestID common.Hash    `json:"sub_request_id"`
	AgreementID  common.Hash    `json:"agreement_id"`
	JobSpec      string         `json:"job_spec"`
	Fee          *big.Int       `json:"fee"`
	Provider     common.Address `json:"provider"`
}

// DepositData is the request context a caller encodes with its deposit.
type DepositData struct {
	AgreementID      common.Hash `json:"agreement_id"`
	Nonce            uint64      `json:"nonce"`
	CallbackSelector string      `json:"callback_selector"`
}

// RequestID derives the aggregation request id from (caller, nonce). The
// same derivation doubles as the replay-protection key: a pair can be
// consumed at most once for the lifetime of the broker.
func RequestID(caller common.Address, nonce uint64) common.Hash {
	data := make([]byte, 0, common.AddressLength+8)
	data = append(data, caller.Bytes()...)
	data = append(data,
		byte(nonce>>56), byte(nonce>>48), byte(nonce>>40), byte(nonce>>32),
		byte(nonce>>24), byte(nonce>>16), byte(nonce>>8), byte(nonce),
	)
	return crypto.Keccak256Hash(data)
}

// SubRequestID derives the id of the slot-th sub-request of a request.
func SubRequestID(requestID common.Hash, slot int) common.Hash {
	data := make([]byte, 0, common.HashLength+8)
	data = append(data, requestID.Bytes()...)
	s := uint64(slot)
	data = append(data,
		byte(s>>56), byte(s>>48), byte(s>>40), byte(s>>32),
		byte(s>>24), byte(s>>16), byte(s>>8), byte(s),
	)
	return crypto.Keccak256Hash(data)
}

// Redis key templates
const (
	requestKeyFmt       = "request:%s"          // %s = request id (hex)
	responsesKeyFmt     = "request:%s:responses" // arrival-ordered values
	subKeyFmt           = "request:%s:sub:%d"
	subIndexKeyFmt      = "request:%s:subindex" // sub-request id -> slot index
	replayKeyFmt        = "replay:%s:%d"        // %s = caller, %d = nonce
	providerQueueKeyFmt = "provider:queue:%s"   // %s = provider address
	callbackQueueKeyFmt = "callback:queue:%s"   // %s = caller address
	callbackErrKeyFmt   = "callback:errors:%s"
)
