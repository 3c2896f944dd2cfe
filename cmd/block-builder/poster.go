// Copyright 2025 Certen Protocol
//
// On-chain submission of finalized blocks: builds the
// postRegistrationBlock/postNonRegistrationBlock transaction, reserves
// a nonce, submits it, and bumps gas and resubmits on a stalled
// transaction.

package main

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"log"
	"math/big"
	"time"

	gethtypes "github.com/ethereum/go-ethereum/core/types"

	"github.com/certen/rollup-validator/pkg/builder"
	"github.com/certen/rollup-validator/pkg/chain"
	"github.com/certen/rollup-validator/pkg/config"
	"github.com/certen/rollup-validator/pkg/noncestore"
	"github.com/certen/rollup-validator/pkg/types"
)

// blockPoster submits finalized blocks to the rollup contract,
// maintaining an independent nonce sequence per lane via nonces.
type blockPoster struct {
	l2     *chain.Client
	nonces *noncestore.Manager
	key    *ecdsa.PrivateKey
	cfg    *config.Config
	logger *log.Logger
}

// Post submits full as a postRegistrationBlock or
// postNonRegistrationBlock transaction depending on kind, bumping gas
// and retrying on timeout per the configured retry budget.
func (p *blockPoster) Post(ctx context.Context, kind builder.Kind, full types.FullBlock) error {
	nonceKind := noncestore.Kind(kind)
	nonce, err := p.nonces.Reserve(ctx, nonceKind)
	if err != nil {
		return fmt.Errorf("reserve nonce: %w", err)
	}

	opts, err := p.l2.Transactor(p.key)
	if err != nil {
		return fmt.Errorf("build transactor: %w", err)
	}
	opts.Nonce = new(big.Int).SetUint64(nonce)

	call := chain.PostBlockCall{
		TxTreeRoot:          full.TxTreeRoot,
		SenderFlags:         full.SenderFlags,
		AggregatedPublicKey: full.AggregatedPublicKey,
		AggregatedSignature: full.AggregatedSignature,
		MessagePoint:        full.MessagePoint,
		PublicKeys:          registrationKeys(full.PublicKeys),
	}

	value, _ := new(big.Int).SetString(p.cfg.Builder.EthAllowanceForBlock, 10)
	if value == nil {
		value = big.NewInt(0)
	}

	var tx *gethtypes.Transaction
	if full.IsRegistration {
		tx, err = p.l2.BuildRegistrationBlockTx(ctx, opts, call, value)
	} else {
		tx, err = p.l2.BuildNonRegistrationBlockTx(ctx, opts, call, value)
	}
	if err != nil {
		p.nonces.Release(ctx, nonceKind, nonce)
		return fmt.Errorf("build block tx: %w", err)
	}

	if err := p.l2.SendTransaction(ctx, tx); err != nil {
		p.nonces.Release(ctx, nonceKind, nonce)
		return fmt.Errorf("send block tx: %w", err)
	}

	return p.confirmOrBump(ctx, tx, nonceKind, nonce)
}

// confirmOrBump waits for tx to be mined, bumping gas price and
// resubmitting if it stalls past the configured timeout, up to
// gas_bump_max_retries times.
func (p *blockPoster) confirmOrBump(ctx context.Context, tx *gethtypes.Transaction, nonceKind noncestore.Kind, nonce uint64) error {
	timeout := p.cfg.Builder.TxTimeout.Duration
	if timeout == 0 {
		timeout = 80 * time.Second
	}

	for attempt := 0; attempt <= p.cfg.Builder.GasBumpMaxRetries; attempt++ {
		confirmCtx, cancel := context.WithTimeout(ctx, timeout)
		receipt, err := waitMined(confirmCtx, p.l2, tx)
		cancel()
		if err == nil {
			p.logger.Printf("block tx %s confirmed in block %d", tx.Hash(), receipt.BlockNumber)
			return nil
		}

		if attempt == p.cfg.Builder.GasBumpMaxRetries {
			return fmt.Errorf("block tx %s did not confirm after %d attempts: %w", tx.Hash(), attempt+1, err)
		}

		opts, buildErr := p.l2.Transactor(p.key)
		if buildErr != nil {
			return fmt.Errorf("rebuild transactor for gas bump: %w", buildErr)
		}
		opts.Nonce = new(big.Int).SetUint64(nonce)

		bumped, bumpErr := chain.BumpGasPrice(opts, tx, int64(p.cfg.Builder.GasBumpFactorPercent))
		if bumpErr != nil {
			return fmt.Errorf("bump gas price: %w", bumpErr)
		}
		if err := p.l2.SendTransaction(ctx, bumped); err != nil {
			return fmt.Errorf("resend bumped tx: %w", err)
		}
		p.logger.Printf("bumped gas on block tx, nonce=%d attempt=%d", nonce, attempt+1)
		tx = bumped
	}
	return nil
}

// waitMined polls for a transaction receipt until ctx is cancelled.
func waitMined(ctx context.Context, c *chain.Client, tx *gethtypes.Transaction) (*gethtypes.Receipt, error) {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	for {
		receipt, err := c.TransactionReceipt(ctx, tx.Hash())
		if err == nil {
			return receipt, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func registrationKeys(keys []types.PublicKey) [][96]byte {
	out := make([][96]byte, len(keys))
	for i, k := range keys {
		out[i] = [96]byte(k)
	}
	return out
}
