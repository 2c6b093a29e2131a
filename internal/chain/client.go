package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/stratafi/vault-engine/internal/config"
)

// ErrTxNotFound is returned when the node has never seen the transaction.
var ErrTxNotFound = errors.New("transaction not found")

// Backend is the node surface the client needs. *ethclient.Client satisfies it.
type Backend interface {
	bind.ContractBackend
	TransactionByHash(ctx context.Context, hash common.Hash) (tx *types.Transaction, isPending bool, err error)
	TransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error)
	BlockNumber(ctx context.Context) (uint64, error)
}

// TokenTransfer is one decoded ERC-20 Transfer log.
type TokenTransfer struct {
	Token  common.Address
	From   common.Address
	To     common.Address
	Amount *big.Int
}

// TokenDelta is the net signed balance change of Owner in Token caused by
// a transaction, in base units.
type TokenDelta struct {
	Owner  common.Address
	Token  common.Address
	Change *big.Int
}

// TxStatus is what the chain says about a transaction.
type TxStatus struct {
	Hash        common.Hash
	Confirmed   bool
	Failed      bool
	Sender      common.Address
	BlockNumber uint64
	Transfers   []TokenTransfer
	Deltas      []TokenDelta
}

// DeltaFor returns owner's net change in token, or zero.
func (s *TxStatus) DeltaFor(owner, token common.Address) *big.Int {
	for _, d := range s.Deltas {
		if d.Owner == owner && d.Token == token {
			return new(big.Int).Set(d.Change)
		}
	}
	return new(big.Int)
}

type Options struct {
	Token         common.Address
	ChainID       *big.Int
	Confirmations uint64
	ReadTimeout   time.Duration
	PollInterval  time.Duration
}

// Client reads transactions and drives the settlement token contract.
type Client struct {
	backend  Backend
	token    common.Address
	contract *bind.BoundContract
	tokenABI abi.ABI
	chainID  *big.Int
	confs    uint64
	timeout  time.Duration
	poll     time.Duration
}

func New(b Backend, o Options) *Client {
	if o.Confirmations == 0 {
		o.Confirmations = 1
	}
	if o.ReadTimeout == 0 {
		o.ReadTimeout = 10 * time.Second
	}
	if o.PollInterval == 0 {
		o.PollInterval = time.Second
	}
	return &Client{
		backend:  b,
		token:    o.Token,
		contract: bind.NewBoundContract(o.Token, erc20ABI, b, b, b),
		tokenABI: erc20ABI,
		chainID:  o.ChainID,
		confs:    o.Confirmations,
		timeout:  o.ReadTimeout,
		poll:     o.PollInterval,
	}
}

// Dial connects to the configured RPC endpoint.
func Dial(cfg *config.Config) (*Client, error) {
	eth, err := ethclient.Dial(cfg.Chain.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("dial rpc: %w", err)
	}
	return New(eth, Options{
		Token:         common.HexToAddress(cfg.Chain.TokenAddress),
		ChainID:       big.NewInt(cfg.Chain.ChainID),
		Confirmations: cfg.Chain.Confirmations,
		ReadTimeout:   cfg.Chain.ReadTimeout,
	}), nil
}

// ChainID returns the configured chain ID.
func (c *Client) ChainID() *big.Int { return c.chainID }

// Token returns the settlement token address.
func (c *Client) Token() common.Address { return c.token }

// timedOut reports whether err is the per-call deadline firing rather than
// the caller giving up.
func timedOut(parent context.Context, err error) bool {
	return errors.Is(err, context.DeadlineExceeded) && parent.Err() == nil
}

// GetTransaction fetches hash and its receipt. Pending, shallow and slow
// lookups all come back as Confirmed=false with a nil error; only a hash the
// node does not know yields ErrTxNotFound.
func (c *Client) GetTransaction(ctx context.Context, hash common.Hash) (*TxStatus, error) {
	rctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	st := &TxStatus{Hash: hash}

	tx, pending, err := c.backend.TransactionByHash(rctx, hash)
	switch {
	case errors.Is(err, ethereum.NotFound):
		return nil, ErrTxNotFound
	case timedOut(ctx, err):
		return st, nil
	case err != nil:
		return nil, fmt.Errorf("get transaction %s: %w", hash.Hex(), err)
	}

	if sender, err := types.Sender(types.LatestSignerForChainID(tx.ChainId()), tx); err == nil {
		st.Sender = sender
	}
	if pending {
		return st, nil
	}

	receipt, err := c.backend.TransactionReceipt(rctx, hash)
	switch {
	case errors.Is(err, ethereum.NotFound), timedOut(ctx, err):
		return st, nil
	case err != nil:
		return nil, fmt.Errorf("get receipt %s: %w", hash.Hex(), err)
	}
	st.BlockNumber = receipt.BlockNumber.Uint64()

	head, err := c.backend.BlockNumber(rctx)
	switch {
	case timedOut(ctx, err):
		return st, nil
	case err != nil:
		return nil, fmt.Errorf("block number: %w", err)
	}
	if !deepEnough(st.BlockNumber, head, c.confs) {
		return st, nil
	}

	st.Confirmed = true
	st.Failed = receipt.Status == types.ReceiptStatusFailed
	if !st.Failed {
		st.Transfers = decodeTransfers(receipt.Logs)
		st.Deltas = netDeltas(st.Transfers)
	}
	return st, nil
}

func deepEnough(block, head, confs uint64) bool {
	return head >= block && head-block+1 >= confs
}

// WaitConfirmed polls until hash has a receipt buried under the configured
// number of confirmations, or ctx ends.
func (c *Client) WaitConfirmed(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	ticker := time.NewTicker(c.poll)
	defer ticker.Stop()
	for {
		receipt, err := c.backend.TransactionReceipt(ctx, hash)
		if err == nil {
			head, herr := c.backend.BlockNumber(ctx)
			if herr == nil && deepEnough(receipt.BlockNumber.Uint64(), head, c.confs) {
				return receipt, nil
			}
		} else if !errors.Is(err, ethereum.NotFound) && ctx.Err() == nil {
			return nil, fmt.Errorf("get receipt %s: %w", hash.Hex(), err)
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// BalanceOf returns owner's settlement token balance in base units.
func (c *Client) BalanceOf(ctx context.Context, owner common.Address) (*big.Int, error) {
	rctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	var out []interface{}
	if err := c.contract.Call(&bind.CallOpts{Context: rctx}, &out, "balanceOf", owner); err != nil {
		return nil, fmt.Errorf("balanceOf %s: %w", owner.Hex(), err)
	}
	if len(out) != 1 {
		return nil, fmt.Errorf("balanceOf %s: unexpected output", owner.Hex())
	}
	bal, ok := out[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("balanceOf %s: unexpected type %T", owner.Hex(), out[0])
	}
	return bal, nil
}

// Transfer signs and broadcasts transfer(to, amount) from `from`. It returns
// as soon as the node accepts the transaction.
func (c *Client) Transfer(ctx context.Context, from common.Address, sign bind.SignerFn, to common.Address, amount *big.Int) (*types.Transaction, error) {
	opts := &bind.TransactOpts{
		From:    from,
		Signer:  sign,
		Context: ctx,
	}
	tx, err := c.contract.Transact(opts, "transfer", to, amount)
	if err != nil {
		return nil, fmt.Errorf("transfer tx: %w", err)
	}
	return tx, nil
}
