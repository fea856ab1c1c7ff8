// Command ingest runs the on-chain ingestion worker process: the
// streaming subscription batches, catch-up scans, subscriber lifecycle
// sweeps and balance polling.
package main

import (
	"context"
	"encoding/json"
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
	"github.com/0xNedAlbo/midcurve-finance-sub000/core/domainevents"
	"github.com/0xNedAlbo/midcurve-finance-sub000/core/logger"
	"github.com/0xNedAlbo/midcurve-finance-sub000/core/rpcclient"
	"github.com/0xNedAlbo/midcurve-finance-sub000/core/scheduler"
	"github.com/0xNedAlbo/midcurve-finance-sub000/core/store/orm"
	"github.com/0xNedAlbo/midcurve-finance-sub000/core/worker"
)

func main() {
	app := cli.NewApp()
	app.Name = "midcurve-ingest"
	app.Usage = "on-chain event ingestion worker"
	app.Commands = []cli.Command{
		{
			Name:   "run",
			Usage:  "start the ingest worker process",
			Action: run,
		},
	}
	if err := app.Run(os.Args); err != nil {
		logger.Errorw("ingest: fatal", "err", err)
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

	clients := dialClients(ctx, cfg)
	if len(clients) == 0 {
		return cli.NewExitError("ingest: no chain endpoints configured", 1)
	}

	sched := scheduler.New()
	if err := sched.Start(); err != nil {
		return cli.NewExitError(err.Error(), 1)
	}

	appCtx := &worker.AppContext{
		Config:    cfg,
		Bus:       busMgr,
		Cache:     cache.New(cfg.RedisAddr(), cfg.RedisPassword(), cfg.RedisDB()),
		Clients:   clients,
		DB:        db,
		Scheduler: sched,

		Positions:   orm.NewPositionsRepo(db),
		Pools:       orm.NewPoolsRepo(db),
		Subscribers: orm.NewSubscribersRepo(db),
		Users:       orm.NewUsersRepo(db),
		Contracts:   orm.NewContractsRepo(db),
		Balances:    orm.NewBalancesRepo(db),
	}

	posLiquidity := worker.NewPositionLiquidityWorker(appCtx)
	poolPrice := worker.NewPoolPriceWorker(appCtx)
	nfpmTransfer := worker.NewNFPMTransferWorker(appCtx)
	closeOrder := worker.NewCloseOrderWorker(appCtx)
	subscribers := worker.NewSubscriberWorker(appCtx)
	balances := worker.NewBalancePollWorker(appCtx, 0)

	coordinator := worker.NewCoordinator()
	coordinator.Register(posLiquidity)
	coordinator.Register(poolPrice)
	coordinator.Register(nfpmTransfer)
	coordinator.Register(closeOrder)
	coordinator.Register(subscribers)
	coordinator.Register(balances)

	router := domainevents.NewRouter()
	worker.NewIngestConsumers(appCtx, posLiquidity, poolPrice, nfpmTransfer, closeOrder).Register(router)
	err = busMgr.Subscribe(bus.ExchangeDomainEvents, "ingest.position-lifecycle", []string{"position.#"}, func(routingKey string, body []byte) {
		var env domainevents.Envelope
		if err := json.Unmarshal(body, &env); err != nil {
			logger.Errorw("ingest: dropping undecodable domain event", "routingKey", routingKey, "err", err)
			return
		}
		router.Dispatch(context.Background(), routingKey, env)
	})
	if err != nil {
		return cli.NewExitError(err.Error(), 1)
	}

	if err := coordinator.StartAll(ctx); err != nil {
		coordinator.StopAll()
		return cli.NewExitError(err.Error(), 1)
	}

	waitForShutdown()

	coordinator.StopAll()
	if err := sched.Shutdown(); err != nil {
		logger.Warnw("ingest: scheduler shutdown failed", "err", err)
	}
	logger.Infow("ingest: shutdown complete")
	return nil
}

func dialClients(ctx context.Context, cfg config.Config) map[chain.ID]rpcclient.Client {
	clients := make(map[chain.ID]rpcclient.Client)
	for _, info := range chain.All() {
		url, ok := cfg.WSRPCURL(info.ID)
		if !ok {
			continue
		}
		client, err := rpcclient.Dial(ctx, url)
		if err != nil {
			logger.Warnw("ingest: failed to dial chain endpoint, skipping chain", "chainId", info.ID, "err", err)
			continue
		}
		clients[info.ID] = client
	}
	return clients
}

// waitForShutdown blocks until the first SIGINT/SIGTERM; later signals are
// logged and ignored so a double ctrl-C cannot cut the drain short.
func waitForShutdown() {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	logger.Infow("ingest: shutting down", "signal", sig.String())

	go func() {
		for extra := range sigCh {
			logger.Warnw("ingest: shutdown already in progress, ignoring signal", "signal", extra.String())
		}
	}()
}
