package handlercache

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/0xmhha/starkindex/pkg/chain"
	"github.com/0xmhha/starkindex/pkg/felt"
	"github.com/0xmhha/starkindex/pkg/normalize"
	"github.com/0xmhha/starkindex/pkg/rpc"
)

// callOptions carries the per-call block override (§4.7 "the client
// silently substitutes the event's block number unless the caller opts
// into cache: 'immutable' ... or passes an explicit block").
type callOptions struct {
	block     *uint64
	immutable bool
}

// CallOption customizes one handler client call.
type CallOption func(*callOptions)

// WithBlock pins the call to an explicit block number.
func WithBlock(number uint64) CallOption {
	return func(o *callOptions) { o.block = &number }
}

// Immutable opts the call into `latest` instead of the event's block
// number, for data the caller knows cannot change retroactively.
func Immutable() CallOption {
	return func(o *callOptions) { o.immutable = true }
}

func resolve(opts []CallOption) callOptions {
	var o callOptions
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// ContractCall is one entry of a ReadContracts batch.
type ContractCall struct {
	Address  felt.Felt
	Selector felt.Felt
	Calldata []felt.Felt
}

// HandlerClient is the read-only RPC surface exposed to a user handler for
// the duration of one event (§4.7 "Contract surface exposed to
// handlers"). It is bound to the event that produced it, so block
// substitution is automatic.
type HandlerClient struct {
	cache       *Cache
	client      RPCClient
	event       chain.Event
	eventNumber uint64
}

// NewHandlerClient scopes cache to the block of ev.
func NewHandlerClient(cache *Cache, client RPCClient, ev chain.Event) *HandlerClient {
	return &HandlerClient{cache: cache, client: client, event: ev, eventNumber: blockNumberOf(ev)}
}

func (h *HandlerClient) blockID(o callOptions) string {
	if o.block != nil {
		return fmt.Sprintf("%d", *o.block)
	}
	if o.immutable {
		return "latest"
	}
	return fmt.Sprintf("%d", h.eventNumber)
}

func (h *HandlerClient) blockIDParam(o callOptions) interface{} {
	return blockIDParam(h.blockID(o))
}

// GetBlockWithTxs fetches the full block (retryable; §6).
func (h *HandlerClient) GetBlockWithTxs(ctx context.Context, opts ...CallOption) (*chain.Block, error) {
	o := resolve(opts)
	var raw json.RawMessage
	params := map[string]interface{}{"block_id": h.blockIDParam(o)}
	if err := retryable(ctx, func() error {
		return h.client.Call(ctx, "starknet_getBlockWithTxs", params, &raw, rpc.CallOptions{RetryNullBlock: true})
	}); err != nil {
		return nil, err
	}
	return normalize.Block(raw)
}

// GetBlockWithTxHashes fetches the lightweight block header + tx hash list.
func (h *HandlerClient) GetBlockWithTxHashes(ctx context.Context, opts ...CallOption) (json.RawMessage, error) {
	o := resolve(opts)
	var raw json.RawMessage
	params := map[string]interface{}{"block_id": h.blockIDParam(o)}
	err := retryable(ctx, func() error {
		return h.client.Call(ctx, "starknet_getBlockWithTxHashes", params, &raw, rpc.CallOptions{RetryNullBlock: true})
	})
	return raw, err
}

// GetTransactionByHash fetches one transaction by hash (retryable).
func (h *HandlerClient) GetTransactionByHash(ctx context.Context, hash felt.Felt) (json.RawMessage, error) {
	var raw json.RawMessage
	params := map[string]interface{}{"transaction_hash": hash.Hex()}
	err := retryable(ctx, func() error {
		return h.client.Call(ctx, "starknet_getTransactionByHash", params, &raw, rpc.CallOptions{})
	})
	return raw, err
}

// GetTransactionReceipt fetches one transaction's receipt (retryable).
func (h *HandlerClient) GetTransactionReceipt(ctx context.Context, hash felt.Felt) (*chain.TransactionReceipt, error) {
	var r chain.TransactionReceipt
	params := map[string]interface{}{"transaction_hash": hash.Hex()}
	err := retryable(ctx, func() error {
		return h.client.Call(ctx, "starknet_getTransactionReceipt", params, &r, rpc.CallOptions{})
	})
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// GetEvents issues a raw event page fetch; results are not cached since
// they are keyed by block range rather than one call signature.
func (h *HandlerClient) GetEvents(ctx context.Context, fromBlock, toBlock uint64, continuationToken string) (json.RawMessage, error) {
	var raw json.RawMessage
	params := map[string]interface{}{"filter": map[string]interface{}{
		"from_block":         fromBlock,
		"to_block":           toBlock,
		"chunk_size":         1000,
		"continuation_token": continuationToken,
	}}
	err := h.client.Call(ctx, "starknet_getEvents", params, &raw, rpc.CallOptions{IsEventFetch: true})
	return raw, err
}

// GetStorageAt reads one contract storage slot through the cache.
func (h *HandlerClient) GetStorageAt(ctx context.Context, address, key felt.Felt, opts ...CallOption) (felt.Felt, error) {
	o := resolve(opts)
	blockID := h.blockID(o)
	result, err := h.cache.Get(ctx, "starknet_getStorageAt", address, key, nil, blockID, func(ctx context.Context) (string, error) {
		var raw string
		params := map[string]interface{}{"contract_address": address.Hex(), "key": key.Hex(), "block_id": blockIDParam(blockID)}
		if err := retryable(ctx, func() error {
			return h.client.Call(ctx, "starknet_getStorageAt", params, &raw, rpc.CallOptions{})
		}); err != nil {
			return "", err
		}
		return raw, nil
	})
	if err != nil {
		return felt.Zero, err
	}
	return felt.FromHex(result)
}

// GetClassAt fetches the contract class declared at address (retryable,
// immutable by nature but not forced — callers pass Immutable()
// themselves when they want `latest`).
func (h *HandlerClient) GetClassAt(ctx context.Context, address felt.Felt, opts ...CallOption) (json.RawMessage, error) {
	o := resolve(opts)
	var raw json.RawMessage
	params := map[string]interface{}{"contract_address": address.Hex(), "block_id": h.blockIDParam(o)}
	err := retryable(ctx, func() error {
		return h.client.Call(ctx, "starknet_getClassAt", params, &raw, rpc.CallOptions{})
	})
	return raw, err
}

// GetClassHashAt reads the class hash at address through the cache.
func (h *HandlerClient) GetClassHashAt(ctx context.Context, address felt.Felt, opts ...CallOption) (felt.Felt, error) {
	o := resolve(opts)
	blockID := h.blockID(o)
	result, err := h.cache.Get(ctx, "starknet_getClassHashAt", address, felt.Zero, nil, blockID, func(ctx context.Context) (string, error) {
		var raw string
		params := map[string]interface{}{"contract_address": address.Hex(), "block_id": blockIDParam(blockID)}
		if err := retryable(ctx, func() error {
			return h.client.Call(ctx, "starknet_getClassHashAt", params, &raw, rpc.CallOptions{})
		}); err != nil {
			return "", err
		}
		return raw, nil
	})
	if err != nil {
		return felt.Zero, err
	}
	return felt.FromHex(result)
}

// GetNonce reads a contract's nonce through the cache.
func (h *HandlerClient) GetNonce(ctx context.Context, address felt.Felt, opts ...CallOption) (felt.Felt, error) {
	o := resolve(opts)
	blockID := h.blockID(o)
	result, err := h.cache.Get(ctx, "starknet_getNonce", address, felt.Zero, nil, blockID, func(ctx context.Context) (string, error) {
		var raw string
		params := map[string]interface{}{"contract_address": address.Hex(), "block_id": blockIDParam(blockID)}
		if err := retryable(ctx, func() error {
			return h.client.Call(ctx, "starknet_getNonce", params, &raw, rpc.CallOptions{})
		}); err != nil {
			return "", err
		}
		return raw, nil
	})
	if err != nil {
		return felt.Zero, err
	}
	return felt.FromHex(result)
}

// Call issues a read-only contract call through the cache, recording a
// profile pattern sample for future prefetching (§4.7).
func (h *HandlerClient) Call(ctx context.Context, address, selector felt.Felt, calldata []felt.Felt, opts ...CallOption) ([]felt.Felt, error) {
	o := resolve(opts)
	blockID := h.blockID(o)
	result, err := h.cache.Get(ctx, "starknet_call", address, selector, calldata, blockID, func(ctx context.Context) (string, error) {
		var raw []string
		params := callParams(address, selector, calldata, blockID)
		if err := retryable(ctx, func() error {
			return h.client.Call(ctx, "starknet_call", params, &raw, rpc.CallOptions{})
		}); err != nil {
			return "", err
		}
		return joinHexList(raw), nil
	})
	if err != nil {
		return nil, err
	}
	h.cache.RecordCall(h.event, "starknet_call", address, selector, calldata)
	return splitHexList(result)
}

// ReadContract is an alias for Call, named to match the external-facing
// contract binding surface (§4.7).
func (h *HandlerClient) ReadContract(ctx context.Context, address, selector felt.Felt, calldata []felt.Felt, opts ...CallOption) ([]felt.Felt, error) {
	return h.Call(ctx, address, selector, calldata, opts...)
}

// ReadContracts batches several Call invocations (§4.7 "readContracts
// (batched call)"). Each entry is still cached and retried individually;
// only the caller-facing shape is batched.
func (h *HandlerClient) ReadContracts(ctx context.Context, calls []ContractCall, opts ...CallOption) ([][]felt.Felt, error) {
	out := make([][]felt.Felt, len(calls))
	for i, c := range calls {
		result, err := h.Call(ctx, c.Address, c.Selector, c.Calldata, opts...)
		if err != nil {
			return nil, fmt.Errorf("handlercache: batched call %d: %w", i, err)
		}
		out[i] = result
	}
	return out, nil
}

func joinHexList(values []string) string {
	data, _ := json.Marshal(values)
	return string(data)
}

func splitHexList(encoded string) ([]felt.Felt, error) {
	var raw []string
	if err := json.Unmarshal([]byte(encoded), &raw); err != nil {
		return nil, fmt.Errorf("handlercache: decode cached call result: %w", err)
	}
	out := make([]felt.Felt, len(raw))
	for i, s := range raw {
		f, err := felt.FromHex(s)
		if err != nil {
			return nil, err
		}
		out[i] = f
	}
	return out, nil
}
