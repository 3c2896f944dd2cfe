// Copyright 2025 Certen Protocol
//
// Validity prover entrypoint: watches posted blocks, replays each one
// against the authenticated account and block trees to produce a
// transition witness, proves the transition, and chains the result
// into the running validity proof. Also logs how many withdrawal and
// mining-claim requests are awaiting relay. Active only while holding the
// leader lease, same as cmd/block-builder.
package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/certen/rollup-validator/pkg/blssig"
	"github.com/certen/rollup-validator/pkg/chain"
	"github.com/certen/rollup-validator/pkg/config"
	"github.com/certen/rollup-validator/pkg/database"
	"github.com/certen/rollup-validator/pkg/leader"
	"github.com/certen/rollup-validator/pkg/metrics"
	"github.com/certen/rollup-validator/pkg/provercircuit"
	"github.com/certen/rollup-validator/pkg/types"
	"github.com/certen/rollup-validator/pkg/withdrawal"
	"github.com/certen/rollup-validator/pkg/witness"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to configuration file")
	flag.Parse()

	logger := log.New(os.Stdout, "[validity-prover] ", log.LstdFlags)

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

	l2, err := chain.Dial(ctx, cfg.Chain.L2RPCURL, cfg.Chain.LiquidityContract, cfg.Chain.RollupContract)
	if err != nil {
		logger.Fatalf("dial L2: %v", err)
	}
	defer l2.Close()

	redisClient := redis.NewClient(&redis.Options{Addr: cfg.Storage.RedisURL})
	defer redisClient.Close()

	gen, err := witness.New(ctx, dbClient.DB(), log.New(os.Stdout, "[witness] ", log.LstdFlags))
	if err != nil {
		logger.Fatalf("init witness generator: %v", err)
	}

	prover := provercircuit.NewStubProver()
	store := withdrawal.NewStore(dbClient.DB())

	reg := metrics.New()
	registry := prometheus.NewRegistry()
	reg.MustRegister(registry)

	mux := http.NewServeMux()
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

	lease := leader.NewLease(redisClient, cfg.Storage.RedisKeyPrefix+"validity-prover-leader", 15*time.Second)
	go runAsLeader(ctx, lease, logger, func(leaderCtx context.Context) {
		driveProving(leaderCtx, cfg, gen, prover, l2, store, reg, logger)
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

// driveProving runs the witness/transition-proof loop and the
// withdrawal relay drain loop for as long as this replica is leader.
func driveProving(ctx context.Context, cfg *config.Config, gen *witness.Generator, prover provercircuit.Prover, l2 *chain.Client, store *withdrawal.Store, reg *metrics.Registry, logger *log.Logger) {
	reg.LeaderHeld.Set(1)
	defer reg.LeaderHeld.Set(0)

	witnessTicker := time.NewTicker(cfg.Prover.WitnessGenerationInterval.Duration)
	defer witnessTicker.Stop()

	withdrawalTicker := time.NewTicker(5 * time.Second)
	defer withdrawalTicker.Stop()

	var prevProof *provercircuit.Proof

	for {
		select {
		case <-ctx.Done():
			return
		case <-witnessTicker.C:
			prevProof = proveNextBlocks(ctx, gen, prover, l2, prevProof, reg, logger)
		case <-withdrawalTicker.C:
			drainWithdrawals(ctx, store, logger)
		}
	}
}

// proveNextBlocks replays every pending posted block in order,
// resolving each one's sender set from its posting transaction's
// calldata, proving its transition, and chaining the proof. Returns
// the latest proof produced, or prevProof unchanged if nothing was
// pending.
func proveNextBlocks(ctx context.Context, gen *witness.Generator, prover provercircuit.Prover, l2 *chain.Client, prevProof *provercircuit.Proof, reg *metrics.Registry, logger *log.Logger) *provercircuit.Proof {
	pending, err := gen.PendingBlocks(ctx, 16)
	if err != nil {
		logger.Printf("load pending blocks: %v", err)
		return prevProof
	}

	resolve := func(ctx context.Context, txHash [32]byte, blockNumber uint32) (types.FullBlock, error) {
		return l2.ResolveFullBlock(ctx, common.Hash(txHash), blockNumber)
	}

	for _, block := range pending {
		full, err := gen.ResolveSenders(ctx, block, resolve)
		if err != nil {
			logger.Printf("resolve block %d senders: %v", block.BlockNumber, err)
			return prevProof
		}

		senders := sendersFromFullBlock(full)

		start := time.Now()
		transition, err := gen.ApplyBlock(ctx, full, senders)
		if err != nil {
			logger.Printf("apply block %d: %v", full.BlockNumber, err)
			return prevProof
		}

		w := provercircuit.Witness{
			PrevAccountTreeRoot: transition.BlockWitness.PrevAccountTreeRoot,
			PrevBlockTreeRoot:   transition.BlockWitness.PrevBlockTreeRoot,
			NewAccountTreeRoot:  transition.BlockWitness.NewAccountTreeRoot,
			NewBlockTreeRoot:    transition.BlockWitness.NewBlockTreeRoot,
			BlockNumber:         full.BlockNumber,
			TxTreeRoot:          full.TxTreeRoot,
			PubkeyHash:          types.PubkeyHash(senders),
		}

		proof, err := prover.Prove(w, prevProof)
		if err != nil {
			logger.Printf("prove block %d: %v", full.BlockNumber, err)
			return prevProof
		}

		reg.ProofLatency.Observe(time.Since(start).Seconds())
		reg.BatchSize.Observe(float64(countSigned(senders)))
		logger.Printf("proved block %d (%d senders)", full.BlockNumber, len(senders))
		prevProof = proof
	}

	return prevProof
}

func sendersFromFullBlock(full types.FullBlock) []types.SenderWithFlag {
	signed := blssig.SenderFlagsFromBitmap(full.SenderFlags, len(full.PublicKeys))
	senders := make([]types.SenderWithFlag, len(full.PublicKeys))
	for i, pk := range full.PublicKeys {
		senders[i] = types.SenderWithFlag{PublicKey: pk, DidSign: signed[i]}
	}
	return senders
}

func countSigned(senders []types.SenderWithFlag) int {
	n := 0
	for _, s := range senders {
		if s.DidSign {
			n++
		}
	}
	return n
}

// drainWithdrawals loads up to 32 withdrawal/claim requests still in
// the Requested state and logs how many there are. It builds no L1
// relay transaction and changes no request's status; the Requested ->
// Relayed transition (Store.MarkRelayed) is not made here.
func drainWithdrawals(ctx context.Context, store *withdrawal.Store, logger *log.Logger) {
	pending, err := store.Pending(ctx, 32)
	if err != nil {
		logger.Printf("load pending withdrawals: %v", err)
		return
	}
	if len(pending) > 0 {
		logger.Printf("%d withdrawal requests awaiting relay", len(pending))
	}
}
