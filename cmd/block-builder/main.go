// Copyright 2025 Certen Protocol
//
// Block builder entrypoint: accepts tx requests from senders, proposes
// blocks, collects BLS signatures, aggregates, and posts finalized
// blocks to the rollup contract. Runs one registration lane and one
// non-registration lane side by side, active only while holding the
// leader lease.

package main

import (
	"context"
	"flag"
	"log"
	"math"
	"math/big"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/certen/rollup-validator/pkg/builder"
	"github.com/certen/rollup-validator/pkg/builderapi"
	"github.com/certen/rollup-validator/pkg/chain"
	"github.com/certen/rollup-validator/pkg/config"
	"github.com/certen/rollup-validator/pkg/database"
	"github.com/certen/rollup-validator/pkg/fee"
	"github.com/certen/rollup-validator/pkg/leader"
	"github.com/certen/rollup-validator/pkg/metrics"
	"github.com/certen/rollup-validator/pkg/noncestore"
	"github.com/certen/rollup-validator/pkg/observer"
	"github.com/certen/rollup-validator/pkg/trees"
	"github.com/certen/rollup-validator/pkg/types"
)

const accountTreeHeight = 32

// accountTreeChecker answers the builder's account-info lookup
// directly against the account tree's current leaves. The
// block-builder and validity-prover share one Postgres database, so
// this needs no RPC hop to the prover process, unlike the upstream
// validity-prover API the lookup otherwise mirrors.
type accountTreeChecker struct {
	tree *trees.IndexedTree
}

func (c *accountTreeChecker) AccountRegistered(ctx context.Context, pubkey types.PublicKey) (bool, error) {
	key := new(big.Int).SetBytes(pubkey[:])
	_, included, err := c.tree.Index(ctx, math.MaxInt64, key)
	if err != nil {
		return false, err
	}
	return included, nil
}

func main() {
	configPath := flag.String("config", "config.yaml", "path to configuration file")
	flag.Parse()

	logger := log.New(os.Stdout, "[block-builder] ", log.LstdFlags)

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatalf("load config: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dbClient, err := database.NewClient(cfg, database.WithLogger(log.New(os.Stdout, "[db] ", log.LstdFlags)))
	if err != nil {
		logger.Fatalf("connect database: %v", err)
	}
	defer dbClient.Close()

	if err := dbClient.MigrateUp(ctx); err != nil {
		logger.Fatalf("run migrations: %v", err)
	}

	l1, err := chain.Dial(ctx, cfg.Chain.L1RPCURL, cfg.Chain.LiquidityContract, cfg.Chain.RollupContract)
	if err != nil {
		logger.Fatalf("dial L1: %v", err)
	}
	defer l1.Close()

	l2, err := chain.Dial(ctx, cfg.Chain.L2RPCURL, cfg.Chain.LiquidityContract, cfg.Chain.RollupContract)
	if err != nil {
		logger.Fatalf("dial L2: %v", err)
	}
	defer l2.Close()

	redisClient := redis.NewClient(&redis.Options{Addr: cfg.Storage.RedisURL})
	defer redisClient.Close()

	posterKey, err := crypto.HexToECDSA(cfg.Builder.PrivateKey)
	if err != nil {
		logger.Fatalf("parse block_builder_private_key: %v", err)
	}

	mainSchedule := scheduleFromConfig(cfg.Builder.MainFee)
	collateralSchedule := scheduleFromConfig(cfg.Builder.CollateralFee)
	builderAddress := [20]byte(common.HexToAddress(cfg.Builder.Address))
	nonces := noncestore.NewManager(redisClient, cfg.Storage.RedisKeyPrefix)
	obs := observer.New(dbClient.DB(), l1, l2, log.New(os.Stdout, "[observer] ", log.LstdFlags), cfg.Observer.MaxBlockRange)

	accountTree := trees.NewIndexedTree(dbClient.DB(), "account", accountTreeHeight)
	if err := accountTree.Initialize(ctx); err != nil {
		logger.Fatalf("initialize account tree: %v", err)
	}
	accountChecker := &accountTreeChecker{tree: accountTree}
	ledger := fee.NewLedger()

	reg := metrics.New()
	registry := prometheus.NewRegistry()
	reg.MustRegister(registry)

	builderOpts := []builder.Option{
		builder.WithAccountChecker(accountChecker),
		builder.WithCollateralSchedule(collateralSchedule),
		builder.WithBuilderAddress(builderAddress),
		builder.WithLedger(ledger),
	}
	registrationBuilder := builder.New(builder.KindRegistration, mainSchedule, log.New(os.Stdout, "[builder:registration] ", log.LstdFlags), builderOpts...)
	nonRegistrationBuilder := builder.New(builder.KindNonRegistration, mainSchedule, log.New(os.Stdout, "[builder:non-registration] ", log.LstdFlags), builderOpts...)

	mux := http.NewServeMux()
	registerLane(mux, "/api/registration", registrationBuilder, mainSchedule)
	registerLane(mux, "/api/non-registration", nonRegistrationBuilder, mainSchedule)
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ok"}`))
	})
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	httpServer := &http.Server{Addr: cfg.Metrics.ListenAddr, Handler: mux}
	go func() {
		logger.Printf("listening on %s", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Printf("http server stopped: %v", err)
		}
	}()

	poster := &blockPoster{
		l2:     l2,
		nonces: nonces,
		key:    posterKey,
		cfg:    cfg,
		logger: log.New(os.Stdout, "[poster] ", log.LstdFlags),
	}

	lease := leader.NewLease(redisClient, cfg.Storage.RedisKeyPrefix+"block-builder-leader", cfg.Builder.HeartBeatInterval.Duration)
	go runAsLeader(ctx, lease, logger, func(leaderCtx context.Context) {
		driveLanes(leaderCtx, cfg, registrationBuilder, nonRegistrationBuilder, obs, reg, l2, poster, logger)
	})

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Println("shutting down")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Printf("http server shutdown: %v", err)
	}
}

func registerLane(mux *http.ServeMux, prefix string, b *builder.Builder, schedule fee.Schedule) {
	handlers := builderapi.NewHandlers(b, schedule, log.New(os.Stdout, "[builderapi] ", log.LstdFlags))
	mux.HandleFunc(prefix+"/tx-requests", handlers.HandleSendTxRequest)
	mux.HandleFunc(prefix+"/proposals/", handlers.HandleQueryProposal)
	mux.HandleFunc(prefix+"/signatures", handlers.HandlePostSignature)
	mux.HandleFunc(prefix+"/fee-info", handlers.HandleGetFeeInfo)
}

// runAsLeader repeatedly waits for and holds the leader lease, invoking
// run for as long as leadership is held and re-entering the wait once
// it is lost, until ctx is cancelled.
func runAsLeader(ctx context.Context, lease *leader.Lease, logger *log.Logger, run func(context.Context)) {
	for {
		lost, err := lease.WaitForLeadership(ctx, 2*time.Second)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Printf("leader election error: %v", err)
			time.Sleep(2 * time.Second)
			continue
		}

		logger.Println("acquired leader lease")
		leaderCtx, cancelLeader := context.WithCancel(ctx)
		done := make(chan struct{})
		go func() {
			run(leaderCtx)
			close(done)
		}()

		select {
		case <-lost:
			logger.Println("lost leader lease")
			cancelLeader()
			<-done
		case <-ctx.Done():
			cancelLeader()
			<-done
			return
		}
	}
}

// driveLanes runs the builder tick loop and the chain-event observer
// loop for as long as this replica is leader.
func driveLanes(ctx context.Context, cfg *config.Config, registrationBuilder, nonRegistrationBuilder *builder.Builder, obs *observer.Observer, reg *metrics.Registry, l2 *chain.Client, poster *blockPoster, logger *log.Logger) {
	reg.LeaderHeld.Set(1)
	defer reg.LeaderHeld.Set(0)

	var blockNumber uint32
	if n, err := l2.LatestBlockNumber(ctx); err == nil {
		blockNumber = uint32(n)
	}

	var lastDepositIndex int64
	if n, err := obs.NextDepositIndex(ctx); err == nil {
		lastDepositIndex = n
	}

	observerTicker := time.NewTicker(cfg.Observer.PollInterval.Duration)
	defer observerTicker.Stop()

	acceptTicker := time.NewTicker(cfg.Builder.AcceptingTxInterval.Duration)
	defer acceptTicker.Stop()

	proposeTicker := time.NewTicker(cfg.Builder.ProposingBlockInterval.Duration)
	defer proposeTicker.Stop()

	depositCheckTicker := time.NewTicker(cfg.Builder.DepositCheckInterval.Duration)
	defer depositCheckTicker.Stop()

	lanes := []*builder.Builder{registrationBuilder, nonRegistrationBuilder}

	for {
		select {
		case <-ctx.Done():
			return
		case <-observerTicker.C:
			pollOnce(ctx, obs, logger)
		case <-acceptTicker.C:
			for _, b := range lanes {
				if b.State() == types.StatePausing {
					if err := b.StartAcceptingTxs(); err != nil {
						logger.Printf("start accepting txs: %v", err)
					}
				}
			}
		case <-proposeTicker.C:
			for _, b := range lanes {
				advanceLane(ctx, b, cfg.Builder.ProposingBlockInterval.Duration, &blockNumber, reg, poster, logger)
			}
		case <-depositCheckTicker.C:
			checkDepositIndex(ctx, obs, lanes, &lastDepositIndex, &blockNumber, poster, logger)
		}
	}
}

// checkDepositIndex implements the deposit-check tick: when the
// validity-prover's next deposit index has advanced since the last
// check, any lane with no pending requests posts an empty,
// force-posted block so the new deposit gets anchored on-chain even
// though no sender submitted a tx request this cycle.
func checkDepositIndex(ctx context.Context, obs *observer.Observer, lanes []*builder.Builder, lastDepositIndex *int64, blockNumber *uint32, poster *blockPoster, logger *log.Logger) {
	next, err := obs.NextDepositIndex(ctx)
	if err != nil {
		logger.Printf("deposit check: %v", err)
		return
	}
	if next <= *lastDepositIndex {
		return
	}
	*lastDepositIndex = next

	for _, b := range lanes {
		if b.PendingCount() > 0 {
			continue
		}
		*blockNumber++
		full, err := b.BuildDepositCheckBlock(*blockNumber)
		if err != nil {
			logger.Printf("build deposit-check block: %v", err)
			continue
		}
		if err := poster.Post(ctx, b.Kind(), full); err != nil {
			logger.Printf("post deposit-check block %d: %v", full.BlockNumber, err)
			continue
		}
		logger.Printf("posted deposit-check block %d (next_deposit_index=%d)", full.BlockNumber, next)
	}
}

func pollOnce(ctx context.Context, obs *observer.Observer, logger *log.Logger) {
	if _, err := obs.PollDeposits(ctx); err != nil {
		logger.Printf("poll deposits: %v", err)
	}
	if _, err := obs.PollDepositLeaves(ctx); err != nil {
		logger.Printf("poll deposit leaves: %v", err)
	}
	if _, err := obs.PollBlocksPosted(ctx); err != nil {
		logger.Printf("poll blocks posted: %v", err)
	}
}

// advanceLane moves a single builder lane through Proposing and,
// Finalized, posting the resulting block on-chain and resetting the
// lane back to Pausing. A Proposing lane finalizes either once every
// accepted sender has signed, or once proposingInterval has elapsed
// since the memo was opened — at which point it posts with whatever
// signatures were actually collected, falling back to each straggling
// sender's collateral block as a separate low-priority post.
func advanceLane(ctx context.Context, b *builder.Builder, proposingInterval time.Duration, blockNumber *uint32, reg *metrics.Registry, poster *blockPoster, logger *log.Logger) {
	switch b.State() {
	case types.StateAcceptingTxs:
		if _, err := b.StartProposing(); err != nil {
			logger.Printf("start proposing: %v", err)
		}
	case types.StateProposing:
		if !b.ReadyToFinalize() && !b.Expired(proposingInterval) {
			return
		}
		*blockNumber++
		full, auxiliary, err := b.Finalize(ctx, *blockNumber)
		if err != nil {
			logger.Printf("finalize block %d: %v", *blockNumber, err)
			return
		}
		if err := poster.Post(ctx, b.Kind(), full); err != nil {
			logger.Printf("post block %d: %v", full.BlockNumber, err)
		}
		reg.FinalizedBlocks.WithLabelValues(string(b.Kind())).Inc()
		logger.Printf("finalized block %d (tx_tree_root=%x, %d auxiliary collateral posts)", full.BlockNumber, full.TxTreeRoot, len(auxiliary))
		for _, aux := range auxiliary {
			*blockNumber++
			aux.BlockNumber = *blockNumber
			if err := poster.Post(ctx, b.Kind(), aux); err != nil {
				logger.Printf("post collateral block %d: %v", aux.BlockNumber, err)
			}
		}
		if err := b.Reset(); err != nil {
			logger.Printf("reset lane: %v", err)
		}
	}
}

func scheduleFromConfig(entries map[uint32]config.FeeEntry) fee.Schedule {
	schedule := make(fee.Schedule, len(entries))
	for tokenIndex, entry := range entries {
		amount, ok := new(big.Int).SetString(entry.Amount, 10)
		if !ok {
			amount = big.NewInt(0)
		}
		schedule[tokenIndex] = amount
	}
	return schedule
}
