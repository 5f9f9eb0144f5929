package nats

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/nbaldr2/sil-sub001/internal/db"
)

const (
	TransferStream  = "HL7_TRANSFERS"
	TransferSubject = "hl7.transfers"
	StatsBucket     = "HL7_STATS"
	HistoryBucket   = "HL7_TRANSFER_HISTORY"
)

type EmbeddedServer struct {
	server *server.Server
	nc     *nats.Conn
	js     jetstream.JetStream
}

func NewEmbeddedServer(dataDir string) (*EmbeddedServer, error) {
	// NATS sunucu ayarları
	opts := &server.Options{
		JetStream: true,
		StoreDir:  filepath.Join(dataDir, "nats-store"),
		Port:      -1, // Random port, sadece internal kullanım
		HTTPPort:  -1, // HTTP monitoring kapalı
	}

	// Store dizinini oluştur
	if err := os.MkdirAll(opts.StoreDir, 0755); err != nil {
		return nil, fmt.Errorf("store dizini oluşturulamadı: %w", err)
	}

	// NATS sunucusunu başlat
	ns, err := server.NewServer(opts)
	if err != nil {
		return nil, fmt.Errorf("NATS sunucu oluşturulamadı: %w", err)
	}

	ns.Start()

	// Hazır olmasını bekle
	if !ns.ReadyForConnections(10 * time.Second) {
		return nil, fmt.Errorf("NATS sunucu başlatılamadı")
	}

	slog.Info("Gömülü NATS sunucu başlatıldı", "clientURL", ns.ClientURL())

	nc, err := nats.Connect(ns.ClientURL())
	if err != nil {
		ns.Shutdown()
		return nil, fmt.Errorf("NATS bağlantısı kurulamadı: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		ns.Shutdown()
		return nil, fmt.Errorf("JetStream başlatılamadı: %w", err)
	}

	es := &EmbeddedServer{
		server: ns,
		nc:     nc,
		js:     js,
	}

	if err := es.createTransferStream(); err != nil {
		es.Shutdown()
		return nil, err
	}
	if err := es.createKVStores(); err != nil {
		es.Shutdown()
		return nil, err
	}

	return es, nil
}

func (es *EmbeddedServer) createTransferStream() error {
	// Transfer log: append-only audit trail of processed frames
	streamConfig := jetstream.StreamConfig{
		Name:        TransferStream,
		Description: "İşlenen HL7 çerçevelerinin transfer kayıtları",
		Subjects:    []string{TransferSubject + ".>"},
		Retention:   jetstream.LimitsPolicy,
		MaxAge:      30 * 24 * time.Hour, // 30 gün
		Storage:     jetstream.FileStorage,
		Replicas:    1,
		MaxMsgs:     1000000,
		MaxBytes:    1 * 1024 * 1024 * 1024, // 1GB
	}

	_, err := es.js.CreateOrUpdateStream(context.Background(), streamConfig)
	if err != nil {
		return fmt.Errorf("transfer stream oluşturulamadı: %w", err)
	}
	slog.Info("HL7_TRANSFERS stream oluşturuldu")
	return nil
}

func (es *EmbeddedServer) createKVStores() error {
	ctx := context.Background()

	statsKV, err := es.js.CreateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:      StatsBucket,
		Description: "HL7 mesaj istatistikleri",
		History:     10,
		TTL:         0,           // No expiry
		MaxBytes:    1024 * 1024, // 1MB
		Storage:     jetstream.FileStorage,
	})
	if err != nil {
		return fmt.Errorf("stats KV store oluşturulamadı: %w", err)
	}

	keys := []string{
		"total_messages", "successful_messages", "failed_messages",
		"last_message_time",
	}
	for _, key := range keys {
		if _, err := statsKV.Get(ctx, key); err != nil {
			// Key doesn't exist, initialize with 0
			statsKV.Put(ctx, key, []byte("0"))
		}
	}
	slog.Info("HL7_STATS KV store oluşturuldu")

	// Recent transfer entries for the dashboard
	_, err = es.js.CreateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:      HistoryBucket,
		Description: "Son transfer kayıtları",
		History:     1,
		TTL:         24 * time.Hour,
		MaxBytes:    100 * 1024 * 1024, // 100MB
		Storage:     jetstream.FileStorage,
	})
	if err != nil {
		return fmt.Errorf("history KV store oluşturulamadı: %w", err)
	}
	slog.Info("HL7_TRANSFER_HISTORY KV store oluşturuldu")

	return nil
}

func (es *EmbeddedServer) JetStream() jetstream.JetStream {
	return es.js
}

func (es *EmbeddedServer) Connection() *nats.Conn {
	return es.nc
}

func (es *EmbeddedServer) Shutdown() {
	if es.nc != nil {
		es.nc.Close()
	}
	if es.server != nil {
		es.server.Shutdown()
		es.server.WaitForShutdown()
	}
	slog.Info("NATS sunucu kapatıldı")
}

// TransferPublisher appends transfer-log entries to the HL7_TRANSFERS stream
// and keeps the stats KV up to date. It implements ingest.TransferLog.
type TransferPublisher struct {
	js jetstream.JetStream
	mu sync.Mutex // serializes the stats read-modify-write
}

func NewTransferPublisher(js jetstream.JetStream) *TransferPublisher {
	return &TransferPublisher{js: js}
}

func (t *TransferPublisher) Append(ctx context.Context, entry db.TransferLogEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("transfer kaydı serialize hatası: %w", err)
	}

	subject := fmt.Sprintf("%s.%s", TransferSubject, entry.ID)
	if _, err := t.js.Publish(ctx, subject, data); err != nil {
		return fmt.Errorf("NATS publish hatası: %w", err)
	}

	if historyKV, err := t.js.KeyValue(ctx, HistoryBucket); err == nil {
		historyKV.Put(ctx, entry.ID, data)
	}

	t.bumpStats(ctx, entry)
	return nil
}

func (t *TransferPublisher) bumpStats(ctx context.Context, entry db.TransferLogEntry) {
	t.mu.Lock()
	defer t.mu.Unlock()

	statsKV, err := t.js.KeyValue(ctx, StatsBucket)
	if err != nil {
		slog.Warn("Stats KV erişilemedi", "error", err)
		return
	}

	increment := func(key string) {
		value := 0
		if existing, err := statsKV.Get(ctx, key); err == nil {
			value, _ = strconv.Atoi(string(existing.Value()))
		}
		statsKV.Put(ctx, key, []byte(strconv.Itoa(value+1)))
	}

	increment("total_messages")
	if entry.Success {
		increment("successful_messages")
	} else {
		increment("failed_messages")
	}
	statsKV.Put(ctx, "last_message_time", []byte(entry.Timestamp.Format(time.RFC3339)))
}
