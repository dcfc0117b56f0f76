package chain

import "github.com/0xmhha/starkindex/pkg/felt"

// TransactionType is the tag of the Transaction sum type (§3, §9 "tagged
// variants over inheritance").
type TransactionType string

const (
	TransactionTypeInvoke        TransactionType = "INVOKE"
	TransactionTypeL1Handler     TransactionType = "L1_HANDLER"
	TransactionTypeDeclare       TransactionType = "DECLARE"
	TransactionTypeDeploy        TransactionType = "DEPLOY"
	TransactionTypeDeployAccount TransactionType = "DEPLOY_ACCOUNT"
)

// DAMode is the per-resource-bound fee-data-availability mode for v3
// transactions.
type DAMode string

const (
	DAModeL1 DAMode = "L1"
	DAModeL2 DAMode = "L2"
)

// ResourceBounds is a single (max_amount, max_price_per_unit) pair.
type ResourceBounds struct {
	MaxAmount       uint64
	MaxPricePerUnit felt.Felt
}

// V3ResourceBounds carries the resource-bound triple introduced with v3
// transactions.
type V3ResourceBounds struct {
	L1Gas     ResourceBounds
	L2Gas     ResourceBounds
	L1DataGas ResourceBounds
}

// V3FeeMeta carries the v3-only fee metadata. A nil *V3FeeMeta on a
// Transaction means the transaction predates v3.
type V3FeeMeta struct {
	ResourceBounds        V3ResourceBounds
	Tip                   uint64
	PaymasterData         []felt.Felt
	NonceDataAvailability DAMode
	FeeDataAvailability   DAMode
}

// Transaction is a tagged variant over the five transaction kinds (§3).
// Only the fields relevant to Type are populated; the rest are left at
// their zero value. Missing optional fields are represented as explicit
// nil/pointer-absent rather than silent defaults (§4.2).
//
// Invariant: TransactionIndex equals the transaction's array position in
// its block; Hash is unique within a block.
type Transaction struct {
	Hash             felt.Felt
	TransactionIndex int
	Type             TransactionType
	Version          uint64

	// Common to INVOKE/DECLARE/DEPLOY_ACCOUNT.
	SenderAddress *felt.Felt
	Nonce         *felt.Felt
	Calldata      []felt.Felt
	Signature     []felt.Felt

	// DECLARE only.
	ClassHash             *felt.Felt
	CompiledClassHash     *felt.Felt

	// DEPLOY/DEPLOY_ACCOUNT only.
	ContractAddress       *felt.Felt
	ContractAddressSalt   *felt.Felt
	ConstructorCalldata   []felt.Felt

	// INVOKE only (pre-v1 direct-call shape).
	EntryPointSelector *felt.Felt

	// L1_HANDLER only.
	NonceForL1Handler *uint64

	// v3 fee metadata; nil for v0-v2 transactions.
	V3Fee *V3FeeMeta

	// Pre-v3 fee max (v0-v2 only); nil for v3.
	MaxFee *felt.Felt
}

// IsInvoke/IsDeclare helpers used by the filter engine (§4.3 "fromAddress
// compares against senderAddress (only for INVOKE, DECLARE)").
func (t *Transaction) IsInvoke() bool  { return t.Type == TransactionTypeInvoke }
func (t *Transaction) IsDeclare() bool { return t.Type == TransactionTypeDeclare }
