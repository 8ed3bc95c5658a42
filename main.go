package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hyperledger/fabric-lib-go/common/flogging"

	"healthlink-api/api"
	"healthlink-api/audit"
	"healthlink-api/ca"
	"healthlink-api/config"
	"healthlink-api/events"
	"healthlink-api/gateway"
	"healthlink-api/jobs"
	"healthlink-api/ledger"
	"healthlink-api/wallet"
)

var logger = flogging.MustGetLogger("healthlink")

func main() {
	flogging.Init(flogging.Config{
		Format:  os.Getenv("FABRIC_LOGGING_FORMAT"),
		LogSpec: os.Getenv("FABRIC_LOGGING_SPEC"),
		Writer:  os.Stderr,
	})

	conf, err := config.Load(os.Getenv("HL_CONFIG"))
	if err != nil {
		logger.Fatalf("Failed to load configuration: %s", err)
	}

	store, err := wallet.New(conf.WalletType, conf.WalletPath, conf.WalletPassword)
	if err != nil {
		logger.Fatalf("Failed to open the identity wallet: %s", err)
	}
	defer store.Close()

	profile, err := gateway.LoadProfile(conf.ProfilePath)
	if err != nil {
		logger.Fatalf("Failed to load connection profile %s: %s", conf.ProfilePath, err)
	}

	manager := gateway.NewManager(profile, store)
	if err := manager.Connect(conf.GatewayIdentity, conf.Chaincode); err != nil {
		// Keep serving: /ready reports the session state and every ledger
		// request answers with a classified error until the network is up.
		logger.Warnf("Gateway connection failed, starting degraded: %s", err)
	} else {
		logger.Infof("Connected to %s as %s (channel %s, chaincode %s)",
			manager.Endpoint(), manager.Identity(), profile.Channel, manager.ChaincodeName())
	}
	defer manager.Disconnect()

	recorder, err := audit.New(conf.AuditDSN)
	if err != nil {
		logger.Fatalf("Failed to open the audit store: %s", err)
	}
	defer recorder.Close()

	service := ledger.NewService(manager, profile.Channel, recorder)

	jobStore, err := jobs.NewStore(conf.JobsPath,
		config.Duration(conf.JobRetention, 24*time.Hour),
		config.Duration(conf.JobPollGrace, 5*time.Minute))
	if err != nil {
		logger.Fatalf("Failed to open the job store: %s", err)
	}
	defer jobStore.Close()

	queue := jobs.NewQueue(jobStore, service, conf.JobWorkers, conf.JobBuffer)
	queue.Start()

	hub := events.NewHub(manager, manager.ChaincodeName())

	options := api.Options{
		Ledger:            service,
		Queue:             queue,
		Gateway:           manager,
		Wallet:            store,
		Hub:               hub,
		HistoryFunction:   conf.HistoryFunction,
		ListFunction:      conf.ListFunction,
		RichQueryFunction: conf.RichQueryFunction,
	}
	if conf.CAURL != "" {
		options.CA = ca.NewClient(ca.Config{
			URL:           conf.CAURL,
			Name:          conf.CAName,
			MSPID:         profile.MSPID,
			TLSSkipVerify: conf.CASkipTLSVerify,
		})
	}

	server := api.NewServer(options)

	httpServer := &http.Server{
		Addr:    ":" + conf.Port,
		Handler: server.Handler(),
	}

	go func() {
		logger.Infof("Listening on :%s", conf.Port)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatalf("HTTP server failed: %s", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	logger.Infof("Shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Warnf("HTTP shutdown: %s", err)
	}
	queue.Stop()
	hub.Close()
}
