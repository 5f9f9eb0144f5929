package web

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nbaldr2/sil-sub001/internal/config"
	"github.com/nbaldr2/sil-sub001/internal/db"
	natsint "github.com/nbaldr2/sil-sub001/internal/nats"
)

// Server exposes the audit trail of the gateway: inbound messages, transfer
// log, stats, health and Prometheus metrics.
type Server struct {
	echo   *echo.Echo
	store  db.Store
	js     jetstream.JetStream
	config *config.Config
}

func NewServer(store db.Store, js jetstream.JetStream, cfg *config.Config) *Server {
	e := echo.New()
	e.HideBanner = true

	// Middleware
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())
	e.Use(middleware.CORS())

	return &Server{
		echo:   e,
		store:  store,
		js:     js,
		config: cfg,
	}
}

func (s *Server) Start(ctx context.Context) error {
	s.setupRoutes()

	addr := fmt.Sprintf(":%d", s.config.WebPort)
	slog.Info("Web sunucu başlatılıyor", "port", s.config.WebPort)

	go func() {
		if err := s.echo.Start(addr); err != nil && err != http.ErrServerClosed {
			slog.Error("Web sunucu hatası", "error", err)
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	return s.echo.Shutdown(shutdownCtx)
}

func (s *Server) setupRoutes() {
	api := s.echo.Group("/api")
	api.GET("/health", s.handleHealth)
	api.GET("/stats", s.handleStats)
	api.GET("/messages", s.handleGetMessages)
	api.GET("/transfers", s.handleGetTransfers)
	api.GET("/streams", s.handleGetStreams)

	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))
}

func (s *Server) handleHealth(c echo.Context) error {
	ctx := c.Request().Context()
	components := make(map[string]string)
	overallStatus := "healthy"

	if err := s.store.Ping(ctx); err != nil {
		components["store"] = "unhealthy: " + err.Error()
		overallStatus = "unhealthy"
	} else {
		components["store"] = "healthy"
	}

	if s.js != nil {
		if _, err := s.js.AccountInfo(ctx); err != nil {
			components["nats"] = "unhealthy: " + err.Error()
			overallStatus = "degraded"
		} else {
			components["nats"] = "healthy"
		}

		if stream, err := s.js.Stream(ctx, natsint.TransferStream); err != nil {
			components["transfer_log"] = "unhealthy: stream not found"
			overallStatus = "degraded"
		} else if info, _ := stream.Info(ctx); info != nil {
			components["transfer_log"] = fmt.Sprintf("healthy (entries: %d)", info.State.Msgs)
		} else {
			components["transfer_log"] = "healthy"
		}
	} else {
		components["nats"] = "unhealthy: not initialized"
		overallStatus = "unhealthy"
	}

	health := map[string]interface{}{
		"status":     overallStatus,
		"timestamp":  time.Now(),
		"components": components,
		"version":    "1.0.0",
	}

	statusCode := http.StatusOK
	if overallStatus == "unhealthy" {
		statusCode = http.StatusServiceUnavailable
	}

	return c.JSON(statusCode, health)
}

func (s *Server) handleStats(c echo.Context) error {
	ctx := c.Request().Context()

	statsKV, err := s.js.KeyValue(ctx, natsint.StatsBucket)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "Stats KV erişilemedi")
	}

	getKVInt := func(key string) int {
		entry, err := statsKV.Get(ctx, key)
		if err != nil {
			return 0
		}
		var val int
		fmt.Sscanf(string(entry.Value()), "%d", &val)
		return val
	}

	stats := map[string]interface{}{
		"total":      getKVInt("total_messages"),
		"successful": getKVInt("successful_messages"),
		"failed":     getKVInt("failed_messages"),
	}

	if lastTime, err := statsKV.Get(ctx, "last_message_time"); err == nil {
		stats["last_message_time"] = string(lastTime.Value())
	}

	return c.JSON(http.StatusOK, stats)
}

func (s *Server) handleGetMessages(c echo.Context) error {
	ctx := c.Request().Context()

	limit := 100
	if param := c.QueryParam("limit"); param != "" {
		if parsed, err := strconv.Atoi(param); err == nil && parsed > 0 {
			limit = parsed
		}
	}

	messages, err := s.store.ListInboundMessages(ctx, limit)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "Mesajlar okunamadı: "+err.Error())
	}

	if status := c.QueryParam("status"); status != "" {
		filtered := messages[:0]
		for _, msg := range messages {
			if string(msg.Status) == status {
				filtered = append(filtered, msg)
			}
		}
		messages = filtered
	}

	return c.JSON(http.StatusOK, messages)
}

func (s *Server) handleGetTransfers(c echo.Context) error {
	ctx := c.Request().Context()

	entries := []db.TransferLogEntry{}

	historyKV, err := s.js.KeyValue(ctx, natsint.HistoryBucket)
	if err == nil {
		keys, err := historyKV.Keys(ctx)
		if err == nil {
			for _, key := range keys {
				kvEntry, err := historyKV.Get(ctx, key)
				if err != nil {
					continue
				}

				var entry db.TransferLogEntry
				if err := json.Unmarshal(kvEntry.Value(), &entry); err == nil {
					entries = append(entries, entry)
				}
			}
		}
	}

	// Newest first
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Timestamp.After(entries[j].Timestamp)
	})

	limit := 100
	if len(entries) > limit {
		entries = entries[:limit]
	}

	return c.JSON(http.StatusOK, entries)
}

func (s *Server) handleGetStreams(c echo.Context) error {
	ctx := c.Request().Context()
	streams := []db.StreamInfo{}

	stream, err := s.js.Stream(ctx, natsint.TransferStream)
	if err == nil {
		if info, err := stream.Info(ctx); err == nil {
			streams = append(streams, db.StreamInfo{
				Name:          info.Config.Name,
				Messages:      info.State.Msgs,
				Bytes:         info.State.Bytes,
				FirstSequence: info.State.FirstSeq,
				LastSequence:  info.State.LastSeq,
			})
		}
	}

	return c.JSON(http.StatusOK, streams)
}
