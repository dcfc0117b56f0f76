package normalize

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/0xmhha/starkindex/pkg/chain"
	"github.com/0xmhha/starkindex/pkg/felt"
)

// rawTransaction covers the union of fields across all five transaction
// kinds; Type selects which subset is meaningful (§4.2 "tagged variant
// keyed on type").
type rawTransaction struct {
	TransactionHash     string            `json:"transaction_hash"`
	Type                string            `json:"type"`
	Version             string            `json:"version"`
	SenderAddress       string            `json:"sender_address"`
	Nonce               string            `json:"nonce"`
	Calldata            []string          `json:"calldata"`
	Signature           []string          `json:"signature"`
	ClassHash           string            `json:"class_hash"`
	CompiledClassHash   string            `json:"compiled_class_hash"`
	ContractAddress     string            `json:"contract_address"`
	ContractAddressSalt string            `json:"contract_address_salt"`
	ConstructorCalldata []string          `json:"constructor_calldata"`
	EntryPointSelector  string            `json:"entry_point_selector"`
	MaxFee              string            `json:"max_fee"`
	ResourceBounds      *rawV3Resources   `json:"resource_bounds,omitempty"`
	Tip                 string            `json:"tip"`
	PaymasterData       []string          `json:"paymaster_data"`
	NonceDAMode         string            `json:"nonce_data_availability_mode"`
	FeeDAMode           string            `json:"fee_data_availability_mode"`
}

type rawV3Resources struct {
	L1Gas     rawResourceBounds `json:"l1_gas"`
	L2Gas     rawResourceBounds `json:"l2_gas"`
	L1DataGas rawResourceBounds `json:"l1_data_gas"`
}

type rawResourceBounds struct {
	MaxAmount       string `json:"max_amount"`
	MaxPricePerUnit string `json:"max_price_per_unit"`
}

// Transaction normalizes one raw transaction payload into the tagged
// chain.Transaction (§4.2).
func Transaction(raw json.RawMessage) (*chain.Transaction, error) {
	var rt rawTransaction
	if err := json.Unmarshal(raw, &rt); err != nil {
		return nil, fmt.Errorf("normalize: decode transaction: %w", err)
	}

	hash, err := normalizeHex(rt.TransactionHash)
	if err != nil {
		return nil, fmt.Errorf("normalize: transaction_hash: %w", err)
	}
	version, err := parseVersion(rt.Version)
	if err != nil {
		return nil, err
	}

	tx := &chain.Transaction{
		Hash:    hash,
		Type:    chain.TransactionType(rt.Type),
		Version: version,
	}

	switch tx.Type {
	case chain.TransactionTypeInvoke, chain.TransactionTypeDeclare, chain.TransactionTypeDeployAccount:
		if tx.SenderAddress, err = hexPtr(rt.SenderAddress); err != nil {
			return nil, fmt.Errorf("normalize: sender_address: %w", err)
		}
		if tx.Nonce, err = hexPtr(rt.Nonce); err != nil {
			return nil, fmt.Errorf("normalize: nonce: %w", err)
		}
		if tx.Signature, err = feltSlice(rt.Signature); err != nil {
			return nil, fmt.Errorf("normalize: signature: %w", err)
		}
	}

	switch tx.Type {
	case chain.TransactionTypeInvoke:
		if tx.Calldata, err = feltSlice(rt.Calldata); err != nil {
			return nil, fmt.Errorf("normalize: calldata: %w", err)
		}
		if tx.EntryPointSelector, err = hexPtr(rt.EntryPointSelector); err != nil {
			return nil, fmt.Errorf("normalize: entry_point_selector: %w", err)
		}
	case chain.TransactionTypeDeclare:
		if tx.ClassHash, err = hexPtr(rt.ClassHash); err != nil {
			return nil, fmt.Errorf("normalize: class_hash: %w", err)
		}
		if tx.CompiledClassHash, err = hexPtr(rt.CompiledClassHash); err != nil {
			return nil, fmt.Errorf("normalize: compiled_class_hash: %w", err)
		}
	case chain.TransactionTypeDeploy, chain.TransactionTypeDeployAccount:
		if tx.ClassHash, err = hexPtr(rt.ClassHash); err != nil {
			return nil, fmt.Errorf("normalize: class_hash: %w", err)
		}
		if tx.ContractAddress, err = hexPtr(rt.ContractAddress); err != nil {
			return nil, fmt.Errorf("normalize: contract_address: %w", err)
		}
		if tx.ContractAddressSalt, err = hexPtr(rt.ContractAddressSalt); err != nil {
			return nil, fmt.Errorf("normalize: contract_address_salt: %w", err)
		}
		if tx.ConstructorCalldata, err = feltSlice(rt.ConstructorCalldata); err != nil {
			return nil, fmt.Errorf("normalize: constructor_calldata: %w", err)
		}
	case chain.TransactionTypeL1Handler:
		if tx.ContractAddress, err = hexPtr(rt.ContractAddress); err != nil {
			return nil, fmt.Errorf("normalize: contract_address: %w", err)
		}
		if tx.EntryPointSelector, err = hexPtr(rt.EntryPointSelector); err != nil {
			return nil, fmt.Errorf("normalize: entry_point_selector: %w", err)
		}
		if tx.Calldata, err = feltSlice(rt.Calldata); err != nil {
			return nil, fmt.Errorf("normalize: calldata: %w", err)
		}
		if rt.Nonce != "" {
			n, err := parseHexOrDecimal(rt.Nonce)
			if err != nil {
				return nil, fmt.Errorf("normalize: nonce: %w", err)
			}
			tx.NonceForL1Handler = &n
		}
	}

	if rt.ResourceBounds != nil {
		fee, err := normalizeV3Fee(rt)
		if err != nil {
			return nil, err
		}
		tx.V3Fee = fee
	} else if rt.MaxFee != "" {
		if tx.MaxFee, err = hexPtr(rt.MaxFee); err != nil {
			return nil, fmt.Errorf("normalize: max_fee: %w", err)
		}
	}

	return tx, nil
}

func normalizeV3Fee(rt rawTransaction) (*chain.V3FeeMeta, error) {
	l1Gas, err := normalizeResourceBounds(rt.ResourceBounds.L1Gas)
	if err != nil {
		return nil, fmt.Errorf("normalize: resource_bounds.l1_gas: %w", err)
	}
	l2Gas, err := normalizeResourceBounds(rt.ResourceBounds.L2Gas)
	if err != nil {
		return nil, fmt.Errorf("normalize: resource_bounds.l2_gas: %w", err)
	}
	l1DataGas, err := normalizeResourceBounds(rt.ResourceBounds.L1DataGas)
	if err != nil {
		return nil, fmt.Errorf("normalize: resource_bounds.l1_data_gas: %w", err)
	}
	tip, err := parseHexOrDecimal(rt.Tip)
	if err != nil {
		return nil, fmt.Errorf("normalize: tip: %w", err)
	}
	paymaster, err := feltSlice(rt.PaymasterData)
	if err != nil {
		return nil, fmt.Errorf("normalize: paymaster_data: %w", err)
	}
	return &chain.V3FeeMeta{
		ResourceBounds:        chain.V3ResourceBounds{L1Gas: l1Gas, L2Gas: l2Gas, L1DataGas: l1DataGas},
		Tip:                   tip,
		PaymasterData:         paymaster,
		NonceDataAvailability: chain.DAMode(rt.NonceDAMode),
		FeeDataAvailability:   chain.DAMode(rt.FeeDAMode),
	}, nil
}

func normalizeResourceBounds(r rawResourceBounds) (chain.ResourceBounds, error) {
	amount, err := parseHexOrDecimal(r.MaxAmount)
	if err != nil {
		return chain.ResourceBounds{}, err
	}
	price, err := normalizeHex(r.MaxPricePerUnit)
	if err != nil {
		return chain.ResourceBounds{}, err
	}
	return chain.ResourceBounds{MaxAmount: amount, MaxPricePerUnit: price}, nil
}

func parseVersion(s string) (uint64, error) {
	if s == "" {
		return 0, nil
	}
	return parseHexOrDecimal(s)
}

// parseHexOrDecimal accepts either a "0x..." felt-shaped integer field or
// a plain decimal string, since the upstream mixes both across versions.
func parseHexOrDecimal(s string) (uint64, error) {
	if s == "" {
		return 0, nil
	}
	if len(s) > 1 && s[0:2] == "0x" {
		v, err := strconv.ParseUint(s[2:], 16, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid hex integer %q: %w", s, err)
		}
		return v, nil
	}
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid decimal integer %q: %w", s, err)
	}
	return v, nil
}

func hexPtr(s string) (*felt.Felt, error) {
	if s == "" {
		return nil, nil
	}
	f, err := felt.FromHex(s)
	if err != nil {
		return nil, err
	}
	return &f, nil
}

func feltSlice(ss []string) ([]felt.Felt, error) {
	if ss == nil {
		return nil, nil
	}
	out := make([]felt.Felt, len(ss))
	for i, s := range ss {
		f, err := felt.FromHex(s)
		if err != nil {
			return nil, fmt.Errorf("index %d: %w", i, err)
		}
		out[i] = f
	}
	return out, nil
}
