package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/nbaldr2/sil-sub001/internal/config"
	"github.com/nbaldr2/sil-sub001/internal/db"
	"github.com/nbaldr2/sil-sub001/internal/hl7"
	"github.com/nbaldr2/sil-sub001/internal/ingest"
	"github.com/nbaldr2/sil-sub001/internal/metrics"
	"github.com/nbaldr2/sil-sub001/internal/nats"
	"github.com/nbaldr2/sil-sub001/internal/web"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		slog.Error("Yapılandırma yüklenemedi", "error", err)
		os.Exit(1)
	}

	// Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Setup signal handling
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	// Start embedded NATS server (transfer log + stats)
	natsServer, err := nats.NewEmbeddedServer(cfg.DataPath)
	if err != nil {
		slog.Error("NATS sunucu başlatılamadı", "error", err)
		os.Exit(1)
	}
	defer natsServer.Shutdown()

	js := natsServer.JetStream()

	// Open the record store
	store, err := openStore(ctx, cfg)
	if err != nil {
		slog.Error("Kayıt deposu açılamadı", "error", err)
		os.Exit(1)
	}
	defer store.Close()

	gatewayMetrics := metrics.New(prometheus.DefaultRegisterer)

	// Ingestion pipeline with explicit bootstrap of the system records
	processor := ingest.NewProcessor(store, nats.NewTransferPublisher(js), gatewayMetrics)
	if err := processor.Bootstrap(ctx); err != nil {
		slog.Error("Başlangıç kayıtları oluşturulamadı", "error", err)
		os.Exit(1)
	}

	var wg sync.WaitGroup

	// Start HL7 MLLP server
	mllpServer := hl7.NewMLLPServer(cfg.MLLPListenPort, processor.Process, cfg.ReadIdleTimeout, gatewayMetrics)
	if err := mllpServer.Start(ctx); err != nil {
		slog.Error("MLLP sunucu başlatılamadı", "error", err)
		os.Exit(1)
	}
	defer mllpServer.Stop()

	// Start web server
	webServer := web.NewServer(store, js, cfg)
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := webServer.Start(ctx); err != nil {
			slog.Error("Web sunucu hatası", "error", err)
		}
	}()

	slog.Info("HL7 Lab Gateway başlatıldı",
		"mllpPort", cfg.MLLPListenPort,
		"webPort", cfg.WebPort,
	)

	printStartupInfo(cfg)

	// Wait for shutdown signal
	<-sigChan
	slog.Info("Kapatma sinyali alındı, sunucu kapatılıyor...")

	cancel()
	wg.Wait()

	slog.Info("HL7 Lab Gateway kapatıldı")
}

func openStore(ctx context.Context, cfg *config.Config) (db.Store, error) {
	if cfg.DatabaseURL == "" {
		slog.Warn("DATABASE_URL tanımlı değil, bellek içi store kullanılıyor")
		return db.NewMemoryStore(), nil
	}
	return db.NewPostgresStore(ctx, cfg.DatabaseURL)
}

func printStartupInfo(cfg *config.Config) {
	info := `
╔═══════════════════════════════════════════════════════════════╗
║                   HL7 Lab Gateway Başlatıldı                  ║
╠═══════════════════════════════════════════════════════════════╣
║ MLLP Listen Port     : %-39d ║
║ Web Dashboard        : http://localhost:%-22d ║
║ Read Idle Timeout    : %-39s ║
╚═══════════════════════════════════════════════════════════════╝
`
	fmt.Printf(info,
		cfg.MLLPListenPort,
		cfg.WebPort,
		cfg.ReadIdleTimeout.String(),
	)
}
