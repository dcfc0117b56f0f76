package rpc

import (
	"context"

	ethrpc "github.com/ethereum/go-ethereum/rpc"
)

// DialEthRPC is the production TransportDialer: go-ethereum's rpc.Client
// speaks plain JSON-RPC 2.0 over HTTP(S) or WS, independent of any
// Ethereum-specific method set, which is exactly what's needed to call
// the chain's `starknet_*` methods with named-parameter objects (§6).
func DialEthRPC(ctx context.Context, url string) (Transport, error) {
	client, err := ethrpc.DialContext(ctx, url)
	if err != nil {
		return nil, err
	}
	return ethClientAdapter{client}, nil
}

type ethClientAdapter struct {
	c *ethrpc.Client
}

func (a ethClientAdapter) CallContext(ctx context.Context, result interface{}, method string, params interface{}) error {
	if params == nil {
		return a.c.CallContext(ctx, result, method)
	}
	return a.c.CallContext(ctx, result, method, params)
}

func (a ethClientAdapter) Close() { a.c.Close() }
