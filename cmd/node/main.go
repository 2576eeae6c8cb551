package main

import (
	"context"
	"log"
	"math/big"
	"os"
	"os/signal"
	"syscall"

	"github.com/hashfill/hashfill/params"
	"github.com/hashfill/hashfill/pkg/api"
	"github.com/hashfill/hashfill/pkg/crypto"
	"github.com/hashfill/hashfill/pkg/p2p"
	"github.com/hashfill/hashfill/pkg/relay"
	"github.com/hashfill/hashfill/pkg/settle"
	"github.com/hashfill/hashfill/pkg/util"
)

func main() {
	// Load config from .env file and environment variables
	cfg := params.LoadFromEnv("") // "" means load from .env in current directory

	// Setup logging (write to both console and file)
	logFile := os.Getenv("LOG_FILE")
	if logFile == "" {
		logFile = "data/node.log"
	}
	os.MkdirAll("data", 0755)

	logger, err := util.NewLoggerWithFile(logFile)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer logger.Sync()
	sugar := logger.Sugar()
	sugar.Infow("logger_initialized", "log_file", logFile)

	domain := crypto.EIP712Domain{
		Name:    cfg.Domain.Name,
		Version: cfg.Domain.Version,
		ChainID: big.NewInt(cfg.Domain.ChainID),
	}

	// ---- Settlement engine ----
	var settleStore *settle.Store
	if cfg.Engine.DBPath != "" {
		settleStore, err = settle.NewStore(cfg.Engine.DBPath)
		if err != nil {
			sugar.Fatalw("settle_store_open_failed", "path", cfg.Engine.DBPath, "err", err)
		}
		defer settleStore.Close()
	}

	engine, err := settle.NewEngine(settle.EngineConfig{
		Domain:       domain,
		Clock:        util.RealClock{},
		Store:        settleStore,
		MaxBatchSize: cfg.Engine.MaxBatchSize,
		Logger:       sugar,
	})
	if err != nil {
		sugar.Fatalw("engine_init_failed", "err", err)
	}

	// ---- Relay ----
	var relayStore *relay.Store
	if cfg.Relay.DBPath != "" {
		relayStore, err = relay.NewStore(cfg.Relay.DBPath)
		if err != nil {
			sugar.Fatalw("relay_store_open_failed", "path", cfg.Relay.DBPath, "err", err)
		}
		defer relayStore.Close()
	}

	rly, err := relay.New(relay.Config{
		Engine: engine,
		Clock:  util.RealClock{},
		Store:  relayStore,
		Logger: sugar,
	})
	if err != nil {
		sugar.Fatalw("relay_init_failed", "err", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// ---- Gossip (optional) ----
	var net *p2p.Net
	if cfg.P2P.Enabled {
		net, err = p2p.NewNet(ctx, p2p.Config{
			ListenAddr: cfg.P2P.ListenAddr,
			Bootstrap:  cfg.P2P.Bootstrap,
			Engine:     engine,
			Relay:      rly,
			Logger:     sugar,
		})
		if err != nil {
			sugar.Fatalw("p2p_init_failed", "err", err)
		}
		defer net.Close()
	}

	// ---- API Server ----
	apiServer := api.NewServer(api.ServerConfig{
		Engine:    engine,
		Relay:     rly,
		Net:       net,
		Logger:    sugar,
		TxLogPath: cfg.Relay.TxLogFile,
	})

	// Every engine event drives the relay's order records and the WebSocket
	// feed; the relay forwards record transitions back to subscribers.
	engine.OnEvent = func(ev settle.Event) {
		rly.ApplyEvent(ev)
		apiServer.BroadcastEvent(ev)
	}
	rly.OnUpdate = apiServer.BroadcastRecord

	go rly.Run(ctx.Done(), cfg.Relay.ExpirySweep)

	go func() {
		if err := apiServer.Start(cfg.API.Addr); err != nil {
			sugar.Fatalw("api_server_failed", "err", err)
		}
	}()

	sugar.Infow("node_started",
		"domain", cfg.Domain.Name,
		"chain_id", cfg.Domain.ChainID,
		"api_addr", cfg.API.Addr,
		"p2p_enabled", cfg.P2P.Enabled,
		"orders", rly.Count())

	<-ctx.Done()
	sugar.Info("shutting down")
}
