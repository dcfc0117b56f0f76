// Package filter implements the match/no-match predicates of the filter
// engine (§4.3, component C3): pure functions, no RPC, no state beyond
// the child-address registry passed in by the caller.
package filter

import (
	"errors"
	"fmt"

	"github.com/0xmhha/starkindex/pkg/chain"
	"github.com/0xmhha/starkindex/pkg/felt"
)

// ErrToAddressUnsupported is returned when a transaction filter names a
// non-factory toAddress; the network has no `to` field on transactions,
// so such a filter can never match (§4.3).
var ErrToAddressUnsupported = errors.New("filter: toAddress is not supported on transaction filters unless it is a factory matcher")

// ChildAddresses is the factory discovery registry: factory ID -> child
// address -> first-seen block number (§4.3 "present in childAddresses[factory.id]
// with a first-seen block <= blockNumber").
type ChildAddresses map[string]map[felt.Felt]uint64

// Record registers addr as discovered by factoryID at blockNumber, first
// occurrence wins.
func (c ChildAddresses) Record(factoryID string, addr felt.Felt, blockNumber uint64) {
	m, ok := c[factoryID]
	if !ok {
		m = make(map[felt.Felt]uint64)
		c[factoryID] = m
	}
	if _, exists := m[addr]; !exists {
		m[addr] = blockNumber
	}
}

// RemoveAtOrAbove rolls back entries whose first-seen block is >= from, as
// part of reorg reconciliation (§4.5 "roll back childAddresses by removing
// entries whose first-seen block is among the removed set").
func (c ChildAddresses) RemoveAtOrAbove(from uint64) {
	for _, m := range c {
		for addr, seen := range m {
			if seen >= from {
				delete(m, addr)
			}
		}
	}
}

func matchAddress(m chain.AddressMatcher, addr felt.Felt, blockNumber uint64, children ChildAddresses) bool {
	switch m.Kind {
	case chain.AddressMatcherNone:
		return true
	case chain.AddressMatcherConstant, chain.AddressMatcherList:
		for _, a := range m.Addresses {
			if a == addr {
				return true
			}
		}
		return false
	case chain.AddressMatcherFactory:
		seen, ok := children[m.FactoryID][addr]
		return ok && seen <= blockNumber
	default:
		return false
	}
}

func matchFelts(filterSet []felt.Felt, value felt.Felt) bool {
	if len(filterSet) == 0 {
		return true
	}
	for _, f := range filterSet {
		if f == value {
			return true
		}
	}
	return false
}

func feltAt(values []felt.Felt, i int) felt.Felt {
	if i < 0 || i >= len(values) {
		return felt.Zero
	}
	return values[i]
}

// MatchLog implements the §4.3 "Log filter" rule: range, then positional
// topic equality, then address.
func MatchLog(f *chain.Filter, log *chain.Log, children ChildAddresses) bool {
	if f.Kind != chain.FilterKindLog {
		return false
	}
	if !f.Range.Contains(log.BlockNumber) {
		return false
	}
	if !matchFelts(f.Topic0, feltAt(log.Keys, 0)) {
		return false
	}
	if !matchFelts(f.Topic1, feltAt(log.Keys, 1)) {
		return false
	}
	if !matchFelts(f.Topic2, feltAt(log.Keys, 2)) {
		return false
	}
	if !matchFelts(f.Topic3, feltAt(log.Keys, 3)) {
		return false
	}
	return matchAddress(f.Address, log.Address, log.BlockNumber, children)
}

// MatchTransaction implements the §4.3 "Transaction filter" rule.
func MatchTransaction(f *chain.Filter, tx *chain.Transaction, blockNumber uint64) (bool, error) {
	if f.Kind != chain.FilterKindTransaction {
		return false, nil
	}
	if f.ToAddress.Kind != chain.AddressMatcherNone && f.ToAddress.Kind != chain.AddressMatcherFactory {
		return false, fmt.Errorf("%w (transaction %s)", ErrToAddressUnsupported, tx.Hash.Hex())
	}
	if !f.Range.Contains(blockNumber) {
		return false, nil
	}
	if f.FromAddress.Kind != chain.AddressMatcherNone {
		if !tx.IsInvoke() && !tx.IsDeclare() {
			return false, nil
		}
		if tx.SenderAddress == nil || !matchAddress(f.FromAddress, *tx.SenderAddress, blockNumber, nil) {
			return false, nil
		}
	}
	return true, nil
}

// MatchTrace implements the §4.3 "Trace" half of "Trace/Transfer filter".
// includeReverted is intentionally never consulted here (§4.3).
func MatchTrace(f *chain.Filter, trace *chain.Trace, blockNumber uint64, children ChildAddresses) bool {
	if f.Kind != chain.FilterKindTrace {
		return false
	}
	if !f.Range.Contains(blockNumber) {
		return false
	}
	if f.CallType != nil && trace.Type != *f.CallType {
		return false
	}
	if len(f.FunctionSelector) > 0 {
		sel := trace.FunctionSelector()
		matched := false
		for i, want := range f.FunctionSelector {
			if i >= len(sel) || sel[i] != want {
				matched = false
				break
			}
			matched = true
		}
		if !matched {
			return false
		}
	}
	return matchAddress(f.Address, trace.From, blockNumber, children)
}

// MatchTransfer implements the §4.3 "Transfer" half: value > 0 plus
// address matching on from/to.
func MatchTransfer(f *chain.Filter, fromAddr, toAddr felt.Felt, value felt.Felt, blockNumber uint64, children ChildAddresses) bool {
	if f.Kind != chain.FilterKindTransfer {
		return false
	}
	if !f.Range.Contains(blockNumber) {
		return false
	}
	if value.IsZero() {
		return false
	}
	if f.FromAddress.Kind != chain.AddressMatcherNone && !matchAddress(f.FromAddress, fromAddr, blockNumber, children) {
		return false
	}
	if f.ToAddress.Kind != chain.AddressMatcherNone && !matchAddress(f.ToAddress, toAddr, blockNumber, children) {
		return false
	}
	if f.Address.Kind != chain.AddressMatcherNone && !matchAddress(f.Address, fromAddr, blockNumber, children) && !matchAddress(f.Address, toAddr, blockNumber, children) {
		return false
	}
	return true
}

// MatchBlock implements §4.3 "Block filter": (block.number - offset) mod
// interval == 0 within range.
func MatchBlock(f *chain.Filter, blockNumber uint64) bool {
	if f.Kind != chain.FilterKindBlock {
		return false
	}
	if !f.Range.Contains(blockNumber) {
		return false
	}
	if blockNumber < f.Offset {
		return false
	}
	if f.Interval == 0 {
		return blockNumber == f.Offset
	}
	return (blockNumber-f.Offset)%f.Interval == 0
}

// ExtractChildAddress implements §4.3 "Child-address extraction": topic{i}
// reads log.keys[i]; offsetN interprets log.Data as 32-byte-wide felt
// elements and takes element N/32 — the key asymmetry with EVM byte
// offsets, where offsets index raw bytes rather than felt-sized words.
func ExtractChildAddress(loc chain.ChildAddressLocation, log *chain.Log) (felt.Felt, error) {
	switch loc.Kind {
	case chain.ChildAddressTopic1:
		return requireKey(log, 1)
	case chain.ChildAddressTopic2:
		return requireKey(log, 2)
	case chain.ChildAddressTopic3:
		return requireKey(log, 3)
	case chain.ChildAddressOffset:
		element := loc.Offset / 32
		if element >= uint64(len(log.Data)) {
			return felt.Zero, fmt.Errorf("filter: child-address offset %d (element %d) out of range (data has %d elements)", loc.Offset, element, len(log.Data))
		}
		return log.Data[element], nil
	default:
		return felt.Zero, fmt.Errorf("filter: unknown child-address location kind %d", loc.Kind)
	}
}

func requireKey(log *chain.Log, i int) (felt.Felt, error) {
	if i >= len(log.Keys) {
		return felt.Zero, fmt.Errorf("filter: child-address topic%d out of range (log has %d keys)", i, len(log.Keys))
	}
	return log.Keys[i], nil
}
