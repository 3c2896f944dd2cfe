// Copyright 2025 Certen Protocol
//
// Observer: polls L1 for Deposited events and L2 for
// DepositLeafInserted / BlockPosted events, persisting each stream
// behind a per-source checkpoint so a restart resumes exactly where it
// left off. Every batch is inserted inside a transaction alongside its
// checkpoint update, and a strict event-id continuity check rejects a
// batch that would leave a gap (a missed event between the last
// checkpoint and the first newly observed one), surfacing it as an
// error rather than silently skipping history.

package observer

import (
	"context"
	"database/sql"
	"fmt"
	"log"

	"github.com/certen/rollup-validator/pkg/builderrors"
	"github.com/certen/rollup-validator/pkg/chain"
)

const (
	SourceL1Deposit     = "l1_deposit"
	SourceL2DepositLeaf = "l2_deposit_leaf"
	SourceL2BlockPosted = "l2_block_posted"
)

// Checkpoint is the ingestion progress recorded for one event source.
type Checkpoint struct {
	Source      string
	LastEventID int64
	LastBlock   uint64
}

// Observer drives the three event-ingestion loops against the L1 and
// L2 chain clients, using db both for checkpoint storage and for persisting
// decoded events.
type Observer struct {
	db      *sql.DB
	l1      *chain.Client
	l2      *chain.Client
	log     *log.Logger
	batchBlocks uint64
}

// New creates an Observer. l1 supplies Deposited events from the
// liquidity contract; l2 supplies DepositLeafInserted and BlockPosted
// events from the rollup contract. batchBlocks bounds how many blocks
// are scanned by FilterLogs per poll, to keep RPC responses small.
func New(db *sql.DB, l1, l2 *chain.Client, logger *log.Logger, batchBlocks uint64) *Observer {
	if batchBlocks == 0 {
		batchBlocks = 2000
	}
	return &Observer{db: db, l1: l1, l2: l2, log: logger, batchBlocks: batchBlocks}
}

// checkpoint loads the current progress for source, defaulting to a
// zero checkpoint (block 0, event -1) if none has been recorded yet.
func (o *Observer) checkpoint(ctx context.Context, source string) (Checkpoint, error) {
	var cp Checkpoint
	cp.Source = source
	row := o.db.QueryRowContext(ctx,
		`SELECT last_event_id, last_block FROM event_checkpoints WHERE source = $1`, source)
	err := row.Scan(&cp.LastEventID, &cp.LastBlock)
	if err == sql.ErrNoRows {
		cp.LastEventID = -1
		cp.LastBlock = 0
		return cp, nil
	}
	if err != nil {
		return Checkpoint{}, fmt.Errorf("load checkpoint %s: %w", source, err)
	}
	return cp, nil
}

func upsertCheckpoint(ctx context.Context, tx *sql.Tx, source string, lastEventID int64, lastBlock uint64) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO event_checkpoints (source, last_event_id, last_block, updated_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (source) DO UPDATE SET
			last_event_id = EXCLUDED.last_event_id,
			last_block = EXCLUDED.last_block,
			updated_at = now()`,
		source, lastEventID, lastBlock)
	if err != nil {
		return fmt.Errorf("upsert checkpoint %s: %w", source, err)
	}
	return nil
}

// checkContinuity rejects a batch whose first event id does not
// immediately follow the checkpoint's last seen id, catching a gap
// caused by an RPC node serving an incomplete log range.
func checkContinuity(last int64, firstObserved int64) error {
	if firstObserved != last+1 {
		return fmt.Errorf("%w: expected next event id %d, observed %d", builderrors.ErrEventGapDetected, last+1, firstObserved)
	}
	return nil
}

// NextDepositIndex returns the deposit index one past the last
// deposit leaf this observer has ingested from L2, the quantity the
// block builder's deposit-check tick compares across polls to notice
// a deposit became available with no pending tx requests to carry it.
func (o *Observer) NextDepositIndex(ctx context.Context) (int64, error) {
	cp, err := o.checkpoint(ctx, SourceL2DepositLeaf)
	if err != nil {
		return 0, err
	}
	return cp.LastEventID + 1, nil
}

// PollDeposits fetches new Deposited logs from the L1 liquidity
// contract since the last checkpoint and persists them transactionally.
func (o *Observer) PollDeposits(ctx context.Context) (int, error) {
	cp, err := o.checkpoint(ctx, SourceL1Deposit)
	if err != nil {
		return 0, err
	}

	head, err := o.l1.LatestBlockNumber(ctx)
	if err != nil {
		return 0, fmt.Errorf("fetch l1 head: %w", err)
	}
	from := cp.LastBlock
	to := min(from+o.batchBlocks, head)
	if to < from {
		return 0, nil
	}

	logs, err := o.l1.FilterLogs(ctx, o.l1.LiquidityContract(), chain.TopicDeposited, from, to)
	if err != nil {
		return 0, err
	}
	if len(logs) == 0 {
		return 0, advanceBlockOnly(ctx, o.db, SourceL1Deposit, cp, to)
	}

	events := make([]chain.DepositEvent, 0, len(logs))
	for _, l := range logs {
		ev, err := chain.DecodeDeposited(l)
		if err != nil {
			return 0, fmt.Errorf("decode deposited log: %w", err)
		}
		events = append(events, ev)
	}

	if err := checkContinuity(cp.LastEventID, int64(events[0].DepositID)); err != nil {
		return 0, err
	}

	tx, err := o.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	lastID := cp.LastEventID
	for _, ev := range events {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO deposit_events (event_id, deposit_hash, depositor, token_index, amount, l1_block_number)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (event_id) DO NOTHING`,
			int64(ev.DepositID), ev.DepositHash[:], ev.Depositor.Bytes(), ev.TokenIndex, ev.Amount.String(), int64(ev.BlockNumber),
		); err != nil {
			return 0, fmt.Errorf("insert deposit event %d: %w", ev.DepositID, err)
		}
		lastID = int64(ev.DepositID)
	}

	if err := upsertCheckpoint(ctx, tx, SourceL1Deposit, lastID, to); err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	o.log.Printf("observer: ingested %d deposit events up to l1 block %d", len(events), to)
	return len(events), nil
}

// PollDepositLeaves fetches new DepositLeafInserted logs from the L2
// rollup contract since the last checkpoint.
func (o *Observer) PollDepositLeaves(ctx context.Context) (int, error) {
	cp, err := o.checkpoint(ctx, SourceL2DepositLeaf)
	if err != nil {
		return 0, err
	}

	head, err := o.l2.LatestBlockNumber(ctx)
	if err != nil {
		return 0, fmt.Errorf("fetch l2 head: %w", err)
	}
	from := cp.LastBlock
	to := min(from+o.batchBlocks, head)
	if to < from {
		return 0, nil
	}

	logs, err := o.l2.FilterLogs(ctx, o.l2.RollupContract(), chain.TopicDepositLeafInserted, from, to)
	if err != nil {
		return 0, err
	}
	if len(logs) == 0 {
		return 0, advanceBlockOnly(ctx, o.db, SourceL2DepositLeaf, cp, to)
	}

	events := make([]chain.DepositLeafInsertedEvent, 0, len(logs))
	for _, l := range logs {
		ev, err := chain.DecodeDepositLeafInserted(l)
		if err != nil {
			return 0, fmt.Errorf("decode deposit leaf log: %w", err)
		}
		events = append(events, ev)
	}

	if err := checkContinuity(cp.LastEventID, int64(events[0].DepositIndex)); err != nil {
		return 0, err
	}

	tx, err := o.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	lastID := cp.LastEventID
	for _, ev := range events {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO deposit_leaf_events (event_id, deposit_index, deposit_hash, l2_block_number)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (event_id) DO NOTHING`,
			int64(ev.DepositIndex), int64(ev.DepositIndex), ev.DepositHash[:], int64(ev.BlockNumber),
		); err != nil {
			return 0, fmt.Errorf("insert deposit leaf event %d: %w", ev.DepositIndex, err)
		}
		lastID = int64(ev.DepositIndex)
	}

	if err := upsertCheckpoint(ctx, tx, SourceL2DepositLeaf, lastID, to); err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	o.log.Printf("observer: ingested %d deposit leaf events up to l2 block %d", len(events), to)
	return len(events), nil
}

// PollBlocksPosted fetches new BlockPosted logs from the L2 rollup
// contract since the last checkpoint.
func (o *Observer) PollBlocksPosted(ctx context.Context) (int, error) {
	cp, err := o.checkpoint(ctx, SourceL2BlockPosted)
	if err != nil {
		return 0, err
	}

	head, err := o.l2.LatestBlockNumber(ctx)
	if err != nil {
		return 0, fmt.Errorf("fetch l2 head: %w", err)
	}
	from := cp.LastBlock
	to := min(from+o.batchBlocks, head)
	if to < from {
		return 0, nil
	}

	logs, err := o.l2.FilterLogs(ctx, o.l2.RollupContract(), chain.TopicBlockPosted, from, to)
	if err != nil {
		return 0, err
	}
	if len(logs) == 0 {
		return 0, advanceBlockOnly(ctx, o.db, SourceL2BlockPosted, cp, to)
	}

	events := make([]chain.BlockPostedEvent, 0, len(logs))
	for _, l := range logs {
		ev, err := chain.DecodeBlockPosted(l)
		if err != nil {
			return 0, fmt.Errorf("decode block posted log: %w", err)
		}
		events = append(events, ev)
	}

	if err := checkContinuity(cp.LastEventID, int64(events[0].BlockNumber)); err != nil {
		return 0, err
	}

	tx, err := o.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	lastID := cp.LastEventID
	for _, ev := range events {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO block_posted_events (event_id, block_number, block_hash, deposit_tree_root, signature_aggregator, l2_block_number, tx_hash)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT (event_id) DO NOTHING`,
			int64(ev.BlockNumber), int64(ev.BlockNumber), ev.PrevBlockHash[:], ev.DepositTreeRoot[:], sigFlagsBytes(ev.SignatureAggregatorFlags), int64(ev.BlockNumberChain), ev.TxHash[:],
		); err != nil {
			return 0, fmt.Errorf("insert block posted event %d: %w", ev.BlockNumber, err)
		}
		lastID = int64(ev.BlockNumber)
	}

	if err := upsertCheckpoint(ctx, tx, SourceL2BlockPosted, lastID, to); err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	o.log.Printf("observer: ingested %d block posted events up to l2 block %d", len(events), to)
	return len(events), nil
}

func sigFlagsBytes(flags uint32) []byte {
	return []byte{byte(flags >> 24), byte(flags >> 16), byte(flags >> 8), byte(flags)}
}

// advanceBlockOnly records that a range was scanned with no matching
// logs, so the next poll does not rescan it, without touching the
// event-id checkpoint.
func advanceBlockOnly(ctx context.Context, db *sql.DB, source string, cp Checkpoint, to uint64) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := upsertCheckpoint(ctx, tx, source, cp.LastEventID, to); err != nil {
		return err
	}
	return tx.Commit()
}

func min(a, b uint64) uint64 {
	if a < b {
		return a
	}
	return b
}
