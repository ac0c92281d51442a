package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"go.uber.org/zap"

	"github.com/minrhee/orderbook-reserve/params"
	"github.com/minrhee/orderbook-reserve/pkg/api"
	"github.com/minrhee/orderbook-reserve/pkg/ledger"
	"github.com/minrhee/orderbook-reserve/pkg/reserve"
	"github.com/minrhee/orderbook-reserve/pkg/storage"
	"github.com/minrhee/orderbook-reserve/pkg/util"
)

func main() {
	envPath := flag.String("env", "", "path to .env file (optional)")
	flag.Parse()

	cfg := params.LoadFromEnv(*envPath)

	logger, err := util.NewLoggerWithFile(cfg.Node.LogFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()
	log := logger.Sugar()

	if err := run(cfg, log); err != nil {
		log.Fatalw("reserved_exit", "err", err)
	}
}

func run(cfg params.Config, log *zap.SugaredLogger) error {
	if !common.IsHexAddress(cfg.Reserve.BaseAsset) || !common.IsHexAddress(cfg.Reserve.QuoteAsset) {
		return fmt.Errorf("base/quote asset must be hex addresses")
	}
	minValue, err := uint256.FromDecimal(cfg.Reserve.MinOrderValue)
	if err != nil {
		return fmt.Errorf("min order value: %w", err)
	}
	stakePolicy, err := ledger.NewBpsPolicy(cfg.Reserve.StakeBps, cfg.Reserve.BurnBps)
	if err != nil {
		return fmt.Errorf("stake policy: %w", err)
	}

	store, err := storage.Open(cfg.Node.DBPath)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer store.Close()

	rsv, err := reserve.New(reserve.Config{
		BaseAsset:         common.HexToAddress(cfg.Reserve.BaseAsset),
		QuoteAsset:        common.HexToAddress(cfg.Reserve.QuoteAsset),
		MaxOrdersPerMaker: cfg.Reserve.MaxOrdersPerMaker,
		MaxOrdersPerTrade: cfg.Reserve.MaxOrdersPerTrade,
	}, stakePolicy, ledger.NewStaticOrderPolicy(minValue), store, log)
	if err != nil {
		return err
	}

	server := api.NewServer(rsv, log)
	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start(cfg.Node.APIAddr)
	}()

	log.Infow("reserved_started",
		"db", cfg.Node.DBPath, "api", cfg.Node.APIAddr,
		"base", cfg.Reserve.BaseAsset, "quote", cfg.Reserve.QuoteAsset)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		log.Infow("reserved_shutdown", "signal", sig.String())
		return nil
	case err := <-errCh:
		return fmt.Errorf("api server: %w", err)
	}
}
