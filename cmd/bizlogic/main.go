// Command bizlogic runs the business-logic worker process: the scheduled
// reconciliation rules (token-list refresh, daily NAV snapshots) under the
// same lifecycle controls as the ingest workers.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/0xNedAlbo/midcurve-finance-sub000/core/bus"
	"github.com/0xNedAlbo/midcurve-finance-sub000/core/cache"
	"github.com/0xNedAlbo/midcurve-finance-sub000/core/chain"
	"github.com/0xNedAlbo/midcurve-finance-sub000/core/config"
	"github.com/0xNedAlbo/midcurve-finance-sub000/core/logger"
	"github.com/0xNedAlbo/midcurve-finance-sub000/core/rpcclient"
	"github.com/0xNedAlbo/midcurve-finance-sub000/core/rules"
	"github.com/0xNedAlbo/midcurve-finance-sub000/core/scheduler"
	"github.com/0xNedAlbo/midcurve-finance-sub000/core/store/orm"
)

func main() {
	app := cli.NewApp()
	app.Name = "midcurve-bizlogic"
	app.Usage = "business-logic reconciliation worker"
	app.Commands = []cli.Command{
		{
			Name:   "run",
			Usage:  "start the business-logic worker process",
			Action: run,
		},
	}
	if err := app.Run(os.Args); err != nil {
		logger.Errorw("bizlogic: fatal", "err", err)
		os.Exit(1)
	}
}

func run(_ *cli.Context) error {
	cfg := config.New()
	ctx := context.Background()

	busMgr := bus.NewManager(bus.Config{
		Host:  cfg.RabbitMQHost(),
		Port:  cfg.RabbitMQPort(),
		User:  cfg.RabbitMQUser(),
		Pass:  cfg.RabbitMQPass(),
		VHost: cfg.RabbitMQVHost(),
	})
	if err := busMgr.Connect(); err != nil {
		return cli.NewExitError(err.Error(), 1)
	}
	defer busMgr.Close()

	db, err := gorm.Open(postgres.Open(cfg.DatabaseURL()), &gorm.Config{})
	if err != nil {
		return cli.NewExitError(err.Error(), 1)
	}

	clients := make(map[chain.ID]rpcclient.Client)
	for _, info := range chain.All() {
		url, ok := cfg.WSRPCURL(info.ID)
		if !ok {
			continue
		}
		client, err := rpcclient.Dial(ctx, url)
		if err != nil {
			logger.Warnw("bizlogic: failed to dial chain endpoint, skipping chain", "chainId", info.ID, "err", err)
			continue
		}
		clients[info.ID] = client
	}

	sched := scheduler.New()
	if err := sched.Start(); err != nil {
		return cli.NewExitError(err.Error(), 1)
	}

	cacheClient := cache.New(cfg.RedisAddr(), cfg.RedisPassword(), cfg.RedisDB())
	coingecko := rules.NewCoinGeckoClient(db)

	registry := rules.NewRegistry()
	registry.Register(rules.NewTokenListRefreshRule(sched, cacheClient, coingecko))
	registry.Register(rules.NewDailyNAVSnapshotRule(sched, rules.NAVSnapshotDeps{
		Clients:        clients,
		Publisher:      busMgr,
		Positions:      orm.NewPositionsRepo(db),
		Users:          orm.NewUsersRepo(db),
		PositionStates: orm.NewPositionStatesRepo(db),
		Journal:        orm.NewJournalRepo(db),
		Snapshots:      orm.NewSnapshotsRepo(db),
		Prices:         coingecko,
		Contracts:      orm.NewContractsRepo(db),
	}))

	if err := registry.StartupAll(ctx); err != nil {
		registry.ShutdownAll()
		return cli.NewExitError(err.Error(), 1)
	}

	waitForShutdown()

	registry.ShutdownAll()
	if err := sched.Shutdown(); err != nil {
		logger.Warnw("bizlogic: scheduler shutdown failed", "err", err)
	}
	logger.Infow("bizlogic: shutdown complete")
	return nil
}

func waitForShutdown() {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	logger.Infow("bizlogic: shutting down", "signal", sig.String())

	go func() {
		for extra := range sigCh {
			logger.Warnw("bizlogic: shutdown already in progress, ignoring signal", "signal", extra.String())
		}
	}()
}
