package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/veilcash-tools/veil-scan/internal/api"
	"github.com/veilcash-tools/veil-scan/internal/broker"
	"github.com/veilcash-tools/veil-scan/internal/chain"
	"github.com/veilcash-tools/veil-scan/internal/config"
	"github.com/veilcash-tools/veil-scan/internal/publisher"
	"github.com/veilcash-tools/veil-scan/internal/registry"
	"github.com/veilcash-tools/veil-scan/internal/reorg"
	"github.com/veilcash-tools/veil-scan/internal/scan"
	"github.com/veilcash-tools/veil-scan/internal/scheduler"
	"github.com/veilcash-tools/veil-scan/internal/storage"
	"github.com/veilcash-tools/veil-scan/internal/zmq"
)

func main() {
	cfg := config.FromFlags()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	st, err := storage.Open(ctx, storage.Config{
		Driver: cfg.DBDriver,
		DSN:    cfg.DBDSN,
		Schema: cfg.DBSchema,
		Path:   cfg.DBPath,
	})
	if err != nil {
		log.Fatalf("storage open: %v", err)
	}
	defer func() { _ = st.Close() }()

	if err := st.Migrate(ctx); err != nil {
		log.Fatalf("migrate: %v", err)
	}

	reg, err := registry.New(st)
	if err != nil {
		log.Fatalf("registry init: %v", err)
	}

	src := chain.NewClient(cfg.RPCURL, cfg.RPCUser, cfg.RPCPassword)

	recon, err := reorg.New(st, src)
	if err != nil {
		log.Fatalf("reorg init: %v", err)
	}

	coord, err := scheduler.New(st, src, scan.NewEngine(cfg.ScanWorkers), recon, scheduler.Config{
		BatchWidth:   cfg.BatchWidth,
		PollInterval: cfg.PollInterval,
	})
	if err != nil {
		log.Fatalf("scheduler init: %v", err)
	}

	go func() {
		if err := coord.Run(ctx); err != nil && ctx.Err() == nil {
			log.Printf("scheduler stopped: %v", err)
			cancel()
		}
	}()

	if cfg.ZMQHashBlock != "" {
		tips := make(chan struct{}, 1)
		go func() {
			for {
				select {
				case <-ctx.Done():
					return
				case <-tips:
					coord.Notify()
				}
			}
		}()
		go func() {
			err := zmq.Notify(ctx, zmq.NotifyConfig{
				Endpoint: cfg.ZMQHashBlock,
				Topic:    "hashblock",
			}, tips, log.Printf)
			if err != nil && ctx.Err() == nil {
				log.Printf("zmq notify stopped: %v", err)
			}
		}()
	}

	br, err := broker.Open(ctx, broker.Config{
		Driver: cfg.BrokerDriver,
		URL:    cfg.BrokerURL,
		Topic:  cfg.BrokerTopic,
	})
	if err != nil {
		log.Fatalf("broker open: %v", err)
	}
	if br != nil {
		defer func() { _ = br.Close() }()

		pub, err := publisher.New(st, br, publisher.Config{
			PollInterval: cfg.BrokerPollInterval,
			BatchSize:    cfg.BrokerBatchSize,
		})
		if err != nil {
			log.Fatalf("publisher init: %v", err)
		}
		go func() {
			if err := pub.Run(ctx); err != nil && ctx.Err() == nil {
				log.Printf("publisher stopped: %v", err)
				cancel()
			}
		}()
	}

	apiOpts := []api.Option{api.WithScheduler(coord)}
	if cfg.APIToken != "" {
		apiOpts = append(apiOpts, api.WithBearerToken(cfg.APIToken))
	}
	apiServer, err := api.New(reg, st, apiOpts...)
	if err != nil {
		log.Fatalf("api init: %v", err)
	}

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Printf("listening on %s", cfg.ListenAddr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("http: %v", err)
	}
}
