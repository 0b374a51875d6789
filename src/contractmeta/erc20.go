package contractmeta

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

const erc20MetadataABI = `[
	{"constant":true,"inputs":[],"name":"name","outputs":[{"name":"","type":"string"}],"stateMutability":"view","type":"function"},
	{"constant":true,"inputs":[],"name":"symbol","outputs":[{"name":"","type":"string"}],"stateMutability":"view","type":"function"}
]`

var metadataABI = mustParseABI(erc20MetadataABI)

func mustParseABI(def string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(def))
	if err != nil {
		panic(err)
	}
	return parsed
}

// ContractCaller is satisfied by ethclient.Client and chain.Current.
type ContractCaller interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

// ERC20Reader reads name() and symbol() from a token contract.
type ERC20Reader struct {
	caller ContractCaller
}

func NewERC20Reader(caller ContractCaller) *ERC20Reader {
	return &ERC20Reader{caller: caller}
}

func (r *ERC20Reader) Name(ctx context.Context, token common.Address) (string, error) {
	return r.readString(ctx, token, "name")
}

func (r *ERC20Reader) Symbol(ctx context.Context, token common.Address) (string, error) {
	return r.readString(ctx, token, "symbol")
}

func (r *ERC20Reader) readString(ctx context.Context, token common.Address, method string) (string, error) {
	input, err := metadataABI.Pack(method)
	if err != nil {
		return "", err
	}
	out, err := r.caller.CallContract(ctx, ethereum.CallMsg{To: &token, Data: input}, nil)
	if err != nil {
		return "", fmt.Errorf("call %s: %w", method, err)
	}
	if len(out) == 0 {
		return "", fmt.Errorf("call %s: empty return data", method)
	}

	if vals, err := metadataABI.Unpack(method, out); err == nil && len(vals) == 1 {
		if s, ok := vals[0].(string); ok && clean(s) != "" {
			return clean(s), nil
		}
	}

	// Older tokens (MKR-style) return bytes32 instead of string.
	if len(out) == 32 {
		if s := clean(string(out)); s != "" {
			return s, nil
		}
	}
	return "", errors.New("call " + method + ": undecodable return data")
}

func clean(s string) string {
	s = strings.Map(func(r rune) rune {
		if r == 0 {
			return -1
		}
		return r
	}, s)
	return strings.TrimSpace(s)
}
