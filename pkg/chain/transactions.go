// Copyright 2025 Certen Protocol
//
// Transaction construction for the two block-post entry points and
// the gas-bump retry the poster uses when a submission stalls.

package chain

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	rolluptypes "github.com/certen/rollup-validator/pkg/types"
)

// PostBlockCall is the decoded argument set for either
// postRegistrationBlock or postNonRegistrationBlock. Both entry points
// carry the same full sender public-key list; a real contract would
// compact non-registration blocks down to already-registered account
// ids to save calldata, but that compaction is an external contract
// concern (a Non-goal here) and is skipped in this placeholder wire
// format so the validity prover can always recover the sender set
// straight from calldata.
type PostBlockCall struct {
	TxTreeRoot          [32]byte
	SenderFlags         []byte
	AggregatedPublicKey [96]byte
	AggregatedSignature [48]byte
	MessagePoint        [96]byte
	PublicKeys          [][96]byte
}

// BuildRegistrationBlockTx constructs and signs (via opts) the
// transaction calling postRegistrationBlock with the new senders'
// public keys inlined, per §4.6/§6.
func (c *Client) BuildRegistrationBlockTx(ctx context.Context, opts *bind.TransactOpts, call PostBlockCall, value *big.Int) (*types.Transaction, error) {
	data, err := encodePostRegistrationBlock(call)
	if err != nil {
		return nil, fmt.Errorf("encode postRegistrationBlock: %w", err)
	}
	return c.buildCall(ctx, opts, data, value)
}

// BuildNonRegistrationBlockTx constructs and signs (via opts) the
// transaction calling postNonRegistrationBlock. Its calldata carries
// the same full public key list as the registration call; account ids
// are not encoded.
func (c *Client) BuildNonRegistrationBlockTx(ctx context.Context, opts *bind.TransactOpts, call PostBlockCall, value *big.Int) (*types.Transaction, error) {
	data, err := encodePostNonRegistrationBlock(call)
	if err != nil {
		return nil, fmt.Errorf("encode postNonRegistrationBlock: %w", err)
	}
	return c.buildCall(ctx, opts, data, value)
}

func (c *Client) buildCall(ctx context.Context, opts *bind.TransactOpts, data []byte, value *big.Int) (*types.Transaction, error) {
	gasPrice := opts.GasPrice
	if gasPrice == nil {
		price, err := c.SuggestGasPrice(ctx)
		if err != nil {
			return nil, fmt.Errorf("suggest gas price: %w", err)
		}
		gasPrice = price
	}

	nonce := opts.Nonce
	if nonce == nil {
		n, err := c.NonceAt(ctx, opts.From)
		if err != nil {
			return nil, fmt.Errorf("fetch nonce: %w", err)
		}
		nonce = new(big.Int).SetUint64(n)
	}

	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce.Uint64(),
		To:       &c.rollupContract,
		Value:    value,
		Gas:      600000,
		GasPrice: gasPrice,
		Data:     data,
	})

	signed, err := opts.Signer(opts.From, tx)
	if err != nil {
		return nil, fmt.Errorf("sign tx: %w", err)
	}
	return signed, nil
}

// BumpGasPrice scales a previously submitted transaction's gas price
// up by bumpPercent (e.g. 110 for +10%) and re-signs it with the same
// nonce, for the poster's stuck-transaction retry loop.
func BumpGasPrice(opts *bind.TransactOpts, tx *types.Transaction, bumpPercent int64) (*types.Transaction, error) {
	newPrice := new(big.Int).Mul(tx.GasPrice(), big.NewInt(bumpPercent))
	newPrice.Div(newPrice, big.NewInt(100))

	bumped := types.NewTx(&types.LegacyTx{
		Nonce:    tx.Nonce(),
		To:       tx.To(),
		Value:    tx.Value(),
		Gas:      tx.Gas(),
		GasPrice: newPrice,
		Data:     tx.Data(),
	})
	return opts.Signer(opts.From, bumped)
}

// encodePostRegistrationBlock and encodePostNonRegistrationBlock
// serialize a PostBlockCall into the ABI-encoded calldata the rollup
// contract expects. The exact ABI is an external contract interface
// (a Non-goal here); this is a deterministic placeholder wire format
// so the poster, nonce manager, and gas-bump logic can be exercised
// end to end against a compatible mock contract.
func encodePostRegistrationBlock(call PostBlockCall) ([]byte, error) {
	return encodeCall("postRegistrationBlock", call)
}

func encodePostNonRegistrationBlock(call PostBlockCall) ([]byte, error) {
	return encodeCall("postNonRegistrationBlock", call)
}

// selectorLen is the fixed width reserved for the function selector in
// the placeholder wire format (long enough for either entry point's
// name, zero-padded).
const selectorLen = 32

// senderFlagsLen is the fixed byte width of the sender bitmap: one bit
// per slot, rounded up to a whole byte.
const senderFlagsLen = (rolluptypes.NumSendersInBlock + 7) / 8

func encodeCall(selector string, call PostBlockCall) ([]byte, error) {
	sig := make([]byte, selectorLen)
	copy(sig, selector)

	buf := append([]byte{}, sig...)
	buf = append(buf, call.TxTreeRoot[:]...)
	buf = append(buf, call.AggregatedPublicKey[:]...)
	buf = append(buf, call.AggregatedSignature[:]...)
	buf = append(buf, call.MessagePoint[:]...)

	flags := make([]byte, senderFlagsLen)
	copy(flags, call.SenderFlags)
	buf = append(buf, flags...)

	for _, pk := range call.PublicKeys {
		buf = append(buf, pk[:]...)
	}
	return buf, nil
}

// decodeCall is encodeCall's inverse: it recovers a PostBlockCall, plus
// whether the transaction called postRegistrationBlock, from raw
// transaction calldata. Used by the validity prover to reconstruct a
// posted block's full sender set straight from the chain.
func decodeCall(data []byte) (PostBlockCall, bool, error) {
	if len(data) < selectorLen {
		return PostBlockCall{}, false, fmt.Errorf("post-block calldata shorter than selector: %d bytes", len(data))
	}
	selector := string(bytesTrimTrailingZero(data[:selectorLen]))
	isRegistration := selector == "postRegistrationBlock"

	offset := selectorLen
	need := func(n int) error {
		if len(data) < offset+n {
			return fmt.Errorf("post-block calldata too short: need %d more bytes at offset %d, have %d total", n, offset, len(data))
		}
		return nil
	}

	var call PostBlockCall
	if err := need(32); err != nil {
		return call, false, err
	}
	copy(call.TxTreeRoot[:], data[offset:offset+32])
	offset += 32

	if err := need(96); err != nil {
		return call, false, err
	}
	copy(call.AggregatedPublicKey[:], data[offset:offset+96])
	offset += 96

	if err := need(48); err != nil {
		return call, false, err
	}
	copy(call.AggregatedSignature[:], data[offset:offset+48])
	offset += 48

	if err := need(96); err != nil {
		return call, false, err
	}
	copy(call.MessagePoint[:], data[offset:offset+96])
	offset += 96

	if err := need(senderFlagsLen); err != nil {
		return call, false, err
	}
	call.SenderFlags = append([]byte{}, data[offset:offset+senderFlagsLen]...)
	offset += senderFlagsLen

	remaining := data[offset:]
	if len(remaining)%96 != 0 {
		return call, false, fmt.Errorf("post-block calldata public key section is not a multiple of 96 bytes: %d", len(remaining))
	}
	call.PublicKeys = make([][96]byte, len(remaining)/96)
	for i := range call.PublicKeys {
		copy(call.PublicKeys[i][:], remaining[i*96:(i+1)*96])
	}

	return call, isRegistration, nil
}

// bytesTrimTrailingZero trims the zero-padding encodeCall uses to pad
// a selector out to selectorLen.
func bytesTrimTrailingZero(b []byte) []byte {
	i := len(b)
	for i > 0 && b[i-1] == 0 {
		i--
	}
	return b[:i]
}

// ResolveFullBlock fetches the posting transaction by hash and decodes
// its calldata back into a rolluptypes.FullBlock, recovering the sender set
// the validity prover needs to replay the block against the account
// and block trees.
func (c *Client) ResolveFullBlock(ctx context.Context, txHash common.Hash, blockNumber uint32) (rolluptypes.FullBlock, error) {
	tx, pending, err := c.TransactionByHash(ctx, txHash)
	if err != nil {
		return rolluptypes.FullBlock{}, fmt.Errorf("fetch post-block transaction %s: %w", txHash, err)
	}
	if pending {
		return rolluptypes.FullBlock{}, fmt.Errorf("post-block transaction %s is still pending", txHash)
	}

	call, isRegistration, err := decodeCall(tx.Data())
	if err != nil {
		return rolluptypes.FullBlock{}, fmt.Errorf("decode post-block calldata: %w", err)
	}

	return rolluptypes.FullBlock{
		BlockNumber:         blockNumber,
		IsRegistration:      isRegistration,
		TxTreeRoot:          call.TxTreeRoot,
		SenderFlags:         call.SenderFlags,
		PublicKeys:          toPublicKeySlice(call.PublicKeys),
		AggregatedSignature: call.AggregatedSignature,
		AggregatedPublicKey: call.AggregatedPublicKey,
		MessagePoint:        call.MessagePoint,
	}, nil
}

func toPublicKeySlice(raw [][96]byte) []rolluptypes.PublicKey {
	out := make([]rolluptypes.PublicKey, len(raw))
	for i, pk := range raw {
		out[i] = rolluptypes.PublicKey(pk)
	}
	return out
}
