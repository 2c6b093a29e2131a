package chain

import (
	"math/big"
	"sort"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

const erc20ABIJSON = `[
	{"type":"function","name":"balanceOf","stateMutability":"view",
	 "inputs":[{"name":"owner","type":"address"}],
	 "outputs":[{"name":"","type":"uint256"}]},
	{"type":"function","name":"transfer","stateMutability":"nonpayable",
	 "inputs":[{"name":"to","type":"address"},{"name":"value","type":"uint256"}],
	 "outputs":[{"name":"","type":"bool"}]},
	{"type":"event","name":"Transfer","anonymous":false,
	 "inputs":[{"name":"from","type":"address","indexed":true},
	           {"name":"to","type":"address","indexed":true},
	           {"name":"value","type":"uint256","indexed":false}]}
]`

var (
	erc20ABI      = mustParseABI(erc20ABIJSON)
	transferTopic = crypto.Keccak256Hash([]byte("Transfer(address,address,uint256)"))
)

func mustParseABI(s string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(s))
	if err != nil {
		panic(err)
	}
	return parsed
}

// decodeTransfers extracts ERC-20 Transfer events from receipt logs. Logs
// that merely share the topic but not the layout (ERC-721 puts the token id
// in a third topic) are skipped.
func decodeTransfers(logs []*types.Log) []TokenTransfer {
	var out []TokenTransfer
	for _, l := range logs {
		if l == nil || len(l.Topics) != 3 || l.Topics[0] != transferTopic || len(l.Data) != 32 {
			continue
		}
		out = append(out, TokenTransfer{
			Token:  l.Address,
			From:   common.BytesToAddress(l.Topics[1].Bytes()),
			To:     common.BytesToAddress(l.Topics[2].Bytes()),
			Amount: new(big.Int).SetBytes(l.Data),
		})
	}
	return out
}

type deltaKey struct{ owner, token common.Address }

// netDeltas folds transfers into one signed change per (owner, token),
// dropping owners whose movements cancel out.
func netDeltas(transfers []TokenTransfer) []TokenDelta {
	sums := make(map[deltaKey]*big.Int)
	add := func(k deltaKey, v *big.Int) {
		cur, ok := sums[k]
		if !ok {
			cur = new(big.Int)
			sums[k] = cur
		}
		cur.Add(cur, v)
	}
	for _, t := range transfers {
		add(deltaKey{t.From, t.Token}, new(big.Int).Neg(t.Amount))
		add(deltaKey{t.To, t.Token}, t.Amount)
	}

	out := make([]TokenDelta, 0, len(sums))
	for k, v := range sums {
		if v.Sign() == 0 {
			continue
		}
		out = append(out, TokenDelta{Owner: k.owner, Token: k.token, Change: v})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Token != out[j].Token {
			return out[i].Token.Hex() < out[j].Token.Hex()
		}
		return out[i].Owner.Hex() < out[j].Owner.Hex()
	})
	return out
}
