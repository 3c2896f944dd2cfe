// Copyright 2025 Certen Protocol
//
// L1/L2 RPC client wrapper: event filtering/decoding for deposits and
// posted blocks, calldata resolution of posted blocks into FullBlock
// structures, and transaction construction for the two block-post
// entry points.

package chain

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
)

// Client wraps an Ethereum JSON-RPC connection to one network (L1 or
// L2), along with the addresses of the contracts this service talks to.
type Client struct {
	rpc               *ethclient.Client
	chainID           *big.Int
	liquidityContract common.Address
	rollupContract    common.Address
}

// Dial connects to an RPC endpoint and resolves its chain id.
func Dial(ctx context.Context, url, liquidityContract, rollupContract string) (*Client, error) {
	rpc, err := ethclient.DialContext(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	chainID, err := rpc.ChainID(ctx)
	if err != nil {
		rpc.Close()
		return nil, fmt.Errorf("fetch chain id: %w", err)
	}

	c := &Client{rpc: rpc, chainID: chainID}
	if liquidityContract != "" {
		c.liquidityContract = common.HexToAddress(liquidityContract)
	}
	if rollupContract != "" {
		c.rollupContract = common.HexToAddress(rollupContract)
	}
	return c, nil
}

// Close releases the underlying RPC connection.
func (c *Client) Close() { c.rpc.Close() }

// ChainID returns the network's chain id.
func (c *Client) ChainID() *big.Int { return c.chainID }

// LatestBlockNumber returns the chain's current head block number.
func (c *Client) LatestBlockNumber(ctx context.Context) (uint64, error) {
	return c.rpc.BlockNumber(ctx)
}

// FilterLogs queries raw logs for one of the two tracked contracts
// over [fromBlock, toBlock], matching the given topic0 (event
// signature hash).
func (c *Client) FilterLogs(ctx context.Context, contract common.Address, topic0 common.Hash, fromBlock, toBlock uint64) ([]types.Log, error) {
	query := ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(fromBlock),
		ToBlock:   new(big.Int).SetUint64(toBlock),
		Addresses: []common.Address{contract},
		Topics:    [][]common.Hash{{topic0}},
	}
	logs, err := c.rpc.FilterLogs(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("filter logs: %w", err)
	}
	return logs, nil
}

// LiquidityContract returns the L1 liquidity contract address.
func (c *Client) LiquidityContract() common.Address { return c.liquidityContract }

// RollupContract returns the L2 rollup contract address.
func (c *Client) RollupContract() common.Address { return c.rollupContract }

// TransactionByHash fetches a submitted posting transaction (with its
// calldata) and whether it is still pending, so BlockPosted events can
// be resolved into a FullBlock. It does not fetch the receipt; see
// TransactionReceipt.
func (c *Client) TransactionByHash(ctx context.Context, hash common.Hash) (*types.Transaction, bool, error) {
	tx, pending, err := c.rpc.TransactionByHash(ctx, hash)
	if err != nil {
		return nil, false, fmt.Errorf("fetch tx %s: %w", hash, err)
	}
	return tx, pending, nil
}

// NonceAt returns the confirmed transaction count (nonce) for addr.
func (c *Client) NonceAt(ctx context.Context, addr common.Address) (uint64, error) {
	return c.rpc.NonceAt(ctx, addr, nil)
}

// SuggestGasPrice returns the network's current suggested gas price.
func (c *Client) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	return c.rpc.SuggestGasPrice(ctx)
}

// Transactor builds a *bind.TransactOpts for signing transactions with
// the given private key against this chain.
func (c *Client) Transactor(key *ecdsa.PrivateKey) (*bind.TransactOpts, error) {
	return bind.NewKeyedTransactorWithChainID(key, c.chainID)
}

// SendTransaction broadcasts a signed transaction.
func (c *Client) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	if err := c.rpc.SendTransaction(ctx, tx); err != nil {
		return fmt.Errorf("send transaction: %w", err)
	}
	return nil
}

// TransactionReceipt fetches a mined transaction's receipt, used to
// detect confirmation, reverts, and effective gas price for bump
// decisions.
func (c *Client) TransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	receipt, err := c.rpc.TransactionReceipt(ctx, hash)
	if err != nil {
		return nil, fmt.Errorf("fetch receipt %s: %w", hash, err)
	}
	return receipt, nil
}

// Address derives the Ethereum address for a private key, for
// configuring the poster's own sender address.
func Address(key *ecdsa.PrivateKey) common.Address {
	return crypto.PubkeyToAddress(key.PublicKey)
}
