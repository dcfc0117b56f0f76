package chain

import "github.com/0xmhha/starkindex/pkg/felt"

// AddressMatcherKind tags how a Filter's address field should be
// interpreted (§4.3 "Address matching").
type AddressMatcherKind int

const (
	AddressMatcherNone AddressMatcherKind = iota
	AddressMatcherConstant
	AddressMatcherList
	AddressMatcherFactory
)

// AddressMatcher is a sum type over constant/list/factory address
// matching.
type AddressMatcher struct {
	Kind      AddressMatcherKind
	Addresses []felt.Felt // Constant (len 1) or List
	FactoryID string      // Factory
}

// FilterKind tags the Filter sum type (§3).
type FilterKind int

const (
	FilterKindLog FilterKind = iota
	FilterKindBlock
	FilterKindTransaction
	FilterKindTrace
	FilterKindTransfer
)

// BlockRange is an open-ended-on-either-side [FromBlock, ToBlock] filter
// range; a nil bound means unbounded in that direction.
type BlockRange struct {
	FromBlock *uint64
	ToBlock   *uint64
}

// Contains reports whether n falls within the range.
func (r BlockRange) Contains(n uint64) bool {
	if r.FromBlock != nil && n < *r.FromBlock {
		return false
	}
	if r.ToBlock != nil && n > *r.ToBlock {
		return false
	}
	return true
}

// FieldSelection projects which downstream fields a source wants
// persisted (the `include` projection list of §3).
type FieldSelection []string

// Filter is the sum type over {Log, Block, Transaction, Trace, Transfer}
// (§3). Only the fields relevant to Kind are populated.
type Filter struct {
	Kind                  FilterKind
	ChainID               string
	Range                 BlockRange
	HasTransactionReceipt bool
	Include               FieldSelection
	IncludeReverted       bool // transaction filter only (§4.3, §4.6)

	// Log filter.
	Address AddressMatcher
	Topic0  []felt.Felt // selector(s); OR semantics
	Topic1  []felt.Felt
	Topic2  []felt.Felt
	Topic3  []felt.Felt

	// Transaction filter.
	FromAddress AddressMatcher
	ToAddress   AddressMatcher // always rejected unless it's a Factory matcher (§4.3)

	// Trace filter.
	CallType         *TraceType
	FunctionSelector []felt.Felt // compared against input[0:4]

	// Block filter.
	Offset   uint64
	Interval uint64

	// Transfer filter reuses Address/FromAddress/ToAddress above; the only
	// additional invariant is value > 0, enforced in pkg/filter.
}

// ChildAddressLocation tags where in a matching log a factory should pull
// the discovered child address from (§3, §4.3 "the key asymmetry with
// EVM-style byte offsets").
type ChildAddressLocationKind int

const (
	ChildAddressTopic1 ChildAddressLocationKind = iota
	ChildAddressTopic2
	ChildAddressTopic3
	ChildAddressOffset
)

// ChildAddressLocation is `topic1|topic2|topic3|offsetN`.
type ChildAddressLocation struct {
	Kind   ChildAddressLocationKind
	Offset uint64 // only meaningful when Kind == ChildAddressOffset
}

// Factory describes a contract-deployment-discovery rule (§3).
type Factory struct {
	ID                   string
	ChainID              string
	Address              felt.Felt
	EventSelector        felt.Felt
	ChildAddressLocation ChildAddressLocation
	Range                BlockRange
}

// Source binds one Filter to a user-visible name and optional ABI
// metadata for event decoding (§3, §4.6 decoding step).
type Source struct {
	Name    string
	Filter  Filter
	ABI     *EventABI
	Factory *Factory // set when this source IS a factory-discovery source
}

// EventMember is one member of a Cairo-1 event's key/data split.
type EventMember struct {
	Name string
	Kind string // "key" or "data"
}

// EventABI is the minimal ABI slice needed to decode a log's keys/data
// into named args (§4.6 decoding, spec Non-goals: "not all Cairo ABI
// shapes").
type EventABI struct {
	Selector felt.Felt
	Name     string
	Members  []EventMember
}

// FragmentsOf computes the set of fragments a filter requires completed
// work against. Every filter kind reduces to a single fragment keyed on
// kind+chain (plus address matcher, and selector for logs); this lives here as a pure
// projection so historical sync and the store agree on fragment
// identity without importing pkg/filter.
func (f *Filter) FragmentsOf() []Fragment {
	return []Fragment{{ID: fragmentID(f)}}
}

func fragmentID(f *Filter) string {
	base := f.ChainID + ":" + kindTag(f.Kind)
	switch f.Kind {
	case FilterKindLog:
		return base + ":" + addressMatcherTag(f.Address) + ":" + feltsTag(f.Topic0)
	case FilterKindTransaction:
		return base + ":" + addressMatcherTag(f.FromAddress)
	case FilterKindTrace, FilterKindTransfer:
		return base + ":" + addressMatcherTag(f.Address)
	case FilterKindBlock:
		return base
	default:
		return base
	}
}

func kindTag(k FilterKind) string {
	switch k {
	case FilterKindLog:
		return "log"
	case FilterKindBlock:
		return "block"
	case FilterKindTransaction:
		return "tx"
	case FilterKindTrace:
		return "trace"
	case FilterKindTransfer:
		return "transfer"
	default:
		return "unknown"
	}
}

func addressMatcherTag(m AddressMatcher) string {
	switch m.Kind {
	case AddressMatcherFactory:
		return "factory:" + m.FactoryID
	case AddressMatcherConstant, AddressMatcherList:
		return feltsTag(m.Addresses)
	default:
		return "any"
	}
}

func feltsTag(fs []felt.Felt) string {
	s := ""
	for _, f := range fs {
		s += f.Hex() + ","
	}
	if s == "" {
		return "any"
	}
	return s
}
