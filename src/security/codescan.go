package security

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// CodeReader is satisfied by ethclient.Client and chain.Current.
type CodeReader interface {
	CodeAt(ctx context.Context, account common.Address, blockNumber *big.Int) ([]byte, error)
}

// RiskReport is an informational bytecode scan. It never changes a token's
// verification status.
type RiskReport struct {
	Flags []string `json:"flags"`
	Score int      `json:"score"`
}

type selectorFlag struct {
	flag  string
	score int
}

var riskSelectors = map[[4]byte]selectorFlag{
	{0x40, 0xc1, 0x0f, 0x19}: {"Mintable", 10},
	{0x1d, 0x3b, 0x9e, 0xdf}: {"Blacklist", 20},
	{0xfe, 0x57, 0x5a, 0x87}: {"Blacklist", 20},
	{0xf2, 0xfd, 0xe3, 0x8b}: {"Ownable", 0},
	{0x71, 0x50, 0x18, 0xa6}: {"RenounceOwnership", 0},
	{0x36, 0x59, 0xcf, 0xe6}: {"Upgradable", 5},
	{0x81, 0x29, 0xfc, 0x1c}: {"ReinitializableProxy", 20},
}

type opcodeFlag struct {
	flag  string
	score int
}

var riskOpcodes = map[byte]opcodeFlag{
	0xFF: {"SelfDestruct", 30},
	0xF4: {"DelegateCall", 15},
	0x32: {"TxOrigin", 10},
	0xF0: {"ContractFactory", 5},
	0xF5: {"ContractFactory", 5},
}

// ScanCode walks EVM bytecode once, skipping PUSH immediates, and collects
// risk flags from opcodes and 4-byte selectors pushed onto the stack.
func ScanCode(code []byte) RiskReport {
	var (
		report   RiskReport
		seen     = make(map[string]bool)
		hasStore bool
	)
	add := func(flag string, score int) {
		if seen[flag] {
			return
		}
		seen[flag] = true
		report.Flags = append(report.Flags, flag)
		report.Score += score
	}

	for pc := 0; pc < len(code); pc++ {
		op := code[pc]

		if op >= 0x60 && op <= 0x7F { // PUSH1..PUSH32
			n := int(op - 0x5F)
			if pc+1+n > len(code) {
				break
			}
			data := code[pc+1 : pc+1+n]
			if len(data) == 4 {
				var sig [4]byte
				copy(sig[:], data)
				if f, ok := riskSelectors[sig]; ok {
					add(f.flag, f.score)
				}
			}
			pc += n
			continue
		}

		if op == 0x55 { // SSTORE
			hasStore = true
		}
		if f, ok := riskOpcodes[op]; ok {
			add(f.flag, f.score)
		}
	}

	if len(code) > 0 && !hasStore {
		add("Stateless", 5)
	}
	if report.Score > 100 {
		report.Score = 100
	}
	return report
}
