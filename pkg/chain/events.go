// Copyright 2025 Certen Protocol
//
// Event topic signatures and log decoding for the three event streams
// the observer ingests: L1 Deposited, L2 DepositLeafInserted, and L2
// BlockPosted.

package chain

import (
	"encoding/binary"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

var (
	TopicDeposited           = crypto.Keccak256Hash([]byte("Deposited(uint256,address,uint32,uint256,bytes32,uint256)"))
	TopicDepositLeafInserted = crypto.Keccak256Hash([]byte("DepositLeafInserted(uint256,bytes32)"))
	TopicBlockPosted         = crypto.Keccak256Hash([]byte("BlockPosted(bytes32,address,uint256,bytes32,uint32)"))
)

// DepositEvent mirrors the L1 liquidity contract's Deposited log.
type DepositEvent struct {
	DepositID   uint64
	Depositor   common.Address
	TokenIndex  uint32
	Amount      *big.Int
	DepositHash [32]byte
	BlockNumber uint64
}

// DepositLeafInsertedEvent mirrors the L2 rollup contract's
// DepositLeafInserted log, confirming a deposit has been folded into
// the deposit-hash tree.
type DepositLeafInsertedEvent struct {
	DepositIndex uint64
	DepositHash  [32]byte
	BlockNumber  uint64
}

// BlockPostedEvent mirrors the L2 rollup contract's BlockPosted log.
type BlockPostedEvent struct {
	PrevBlockHash      [32]byte
	BlockBuilder       common.Address
	BlockNumber        uint64
	DepositTreeRoot    [32]byte
	SignatureAggregatorFlags uint32
	TxHash             common.Hash
	BlockNumberChain   uint64
}

// DecodeDeposited decodes a raw Deposited log. Non-indexed fields are
// read from Data in declaration order; DepositID is the indexed topic.
func DecodeDeposited(log types.Log) (DepositEvent, error) {
	if len(log.Topics) < 2 {
		return DepositEvent{}, fmt.Errorf("deposited log missing indexed depositId topic")
	}
	if len(log.Data) < 32*4 {
		return DepositEvent{}, fmt.Errorf("deposited log data too short: %d bytes", len(log.Data))
	}

	depositID := new(big.Int).SetBytes(log.Topics[1].Bytes()).Uint64()
	depositor := common.BytesToAddress(log.Data[0:32])
	tokenIndex := binary.BigEndian.Uint32(log.Data[32+28 : 64])
	amount := new(big.Int).SetBytes(log.Data[64:96])

	var depositHash [32]byte
	copy(depositHash[:], log.Data[96:128])

	return DepositEvent{
		DepositID:   depositID,
		Depositor:   depositor,
		TokenIndex:  tokenIndex,
		Amount:      amount,
		DepositHash: depositHash,
		BlockNumber: log.BlockNumber,
	}, nil
}

// DecodeDepositLeafInserted decodes a raw DepositLeafInserted log.
func DecodeDepositLeafInserted(log types.Log) (DepositLeafInsertedEvent, error) {
	if len(log.Topics) < 2 {
		return DepositLeafInsertedEvent{}, fmt.Errorf("deposit leaf log missing indexed depositIndex topic")
	}
	if len(log.Data) < 32 {
		return DepositLeafInsertedEvent{}, fmt.Errorf("deposit leaf log data too short")
	}

	depositIndex := new(big.Int).SetBytes(log.Topics[1].Bytes()).Uint64()
	var hash [32]byte
	copy(hash[:], log.Data[0:32])

	return DepositLeafInsertedEvent{
		DepositIndex: depositIndex,
		DepositHash:  hash,
		BlockNumber:  log.BlockNumber,
	}, nil
}

// DecodeBlockPosted decodes a raw BlockPosted log. Full reconstruction
// of the posted block's sender set and tx tree requires pulling the
// posting transaction's calldata separately via ResolveFullBlock.
func DecodeBlockPosted(log types.Log) (BlockPostedEvent, error) {
	if len(log.Topics) < 2 {
		return BlockPostedEvent{}, fmt.Errorf("block posted log missing indexed prevBlockHash topic")
	}
	if len(log.Data) < 32*3 {
		return BlockPostedEvent{}, fmt.Errorf("block posted log data too short")
	}

	var prevHash [32]byte
	copy(prevHash[:], log.Topics[1].Bytes())

	builder := common.BytesToAddress(log.Data[0:32])
	blockNumber := new(big.Int).SetBytes(log.Data[32:64]).Uint64()
	var depositRoot [32]byte
	copy(depositRoot[:], log.Data[64:96])

	return BlockPostedEvent{
		PrevBlockHash:   prevHash,
		BlockBuilder:    builder,
		BlockNumber:     blockNumber,
		DepositTreeRoot: depositRoot,
		TxHash:          log.TxHash,
		BlockNumberChain: log.BlockNumber,
	}, nil
}
