package hl7

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/nbaldr2/sil-sub001/internal/metrics"
)

// RawMessage is the exact text received between the frame markers, together
// with its origin and receipt time.
type RawMessage struct {
	Payload    string
	SourceAddr string
	ReceivedAt time.Time
}

// Handler processes one parsed message. A non-nil error makes the server
// reply with a NACK instead of an ACK.
type Handler func(ctx context.Context, raw RawMessage, msg *Message) error

// MLLPServer accepts laboratory instrument connections and runs one handler
// goroutine per connection. Frames on a single connection are processed
// strictly sequentially: the next frame is not read before the previous
// ack/nack has been written.
type MLLPServer struct {
	port        int
	handler     Handler
	idleTimeout time.Duration
	metrics     *metrics.Metrics
	listener    net.Listener
}

func NewMLLPServer(port int, handler Handler, idleTimeout time.Duration, m *metrics.Metrics) *MLLPServer {
	return &MLLPServer{
		port:        port,
		handler:     handler,
		idleTimeout: idleTimeout,
		metrics:     m,
	}
}

func (s *MLLPServer) Start(ctx context.Context) error {
	addr := fmt.Sprintf(":%d", s.port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("port dinlenemedi %s: %w", addr, err)
	}
	s.listener = listener

	slog.Info("HL7 MLLP sunucu başlatıldı",
		"port", s.port,
		"address", listener.Addr().String())

	go s.acceptConnections(ctx)
	return nil
}

// Addr returns the bound listen address. Only valid after Start.
func (s *MLLPServer) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

func (s *MLLPServer) acceptConnections(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
			conn, err := s.listener.Accept()
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				slog.Error("Bağlantı kabul hatası", "error", err)
				continue
			}

			go s.handleConnection(ctx, conn)
		}
	}
}

func (s *MLLPServer) handleConnection(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	if s.metrics != nil {
		s.metrics.OpenConnections.Inc()
		defer s.metrics.OpenConnections.Dec()
	}

	remoteAddr := conn.RemoteAddr().String()
	slog.Info("Yeni HL7 bağlantısı", "remoteAddr", remoteAddr)

	// The connection owns its buffer exclusively; bytes accumulate here
	// until the codec reports a complete frame.
	buffer := make([]byte, 0, 4096)
	chunk := make([]byte, 4096)

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if s.idleTimeout > 0 {
			conn.SetReadDeadline(time.Now().Add(s.idleTimeout))
		}

		n, err := conn.Read(chunk)
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				if len(buffer) > 0 {
					// A started but never finished frame would hold
					// this goroutine forever.
					slog.Warn("Eksik çerçeve zaman aşımı, bağlantı kapatılıyor",
						"remoteAddr", remoteAddr, "buffered", len(buffer))
					return
				}
				continue
			}
			slog.Info("Bağlantı kapatıldı", "remoteAddr", remoteAddr, "error", err)
			return
		}

		buffer = append(buffer, chunk[:n]...)
		buffer = discardBeforeStart(buffer)

		if !IsCompleteFrame(buffer) {
			continue
		}

		reply := s.handleFrame(ctx, buffer, remoteAddr)
		buffer = buffer[:0]

		if _, err := conn.Write(reply); err != nil {
			slog.Error("Yanıt yazma hatası", "error", err, "remoteAddr", remoteAddr)
			return
		}
	}
}

// handleFrame runs codec -> parser -> handler for one complete frame and
// returns the wrapped ACK or NACK bytes.
func (s *MLLPServer) handleFrame(ctx context.Context, frame []byte, remoteAddr string) []byte {
	text, err := ExtractFrame(frame)
	if err != nil {
		slog.Error("Çerçeve çıkarma hatası", "error", err, "remoteAddr", remoteAddr)
		return WrapFrame(BuildNACK(err))
	}

	raw := RawMessage{
		Payload:    text,
		SourceAddr: remoteAddr,
		ReceivedAt: time.Now(),
	}
	msg := Parse(text)

	if err := s.handler(ctx, raw, msg); err != nil {
		slog.Error("Mesaj işleme hatası", "error", err,
			"remoteAddr", remoteAddr, "controlID", msg.ControlID)
		return WrapFrame(BuildNACK(err))
	}

	slog.Info("HL7 mesaj işlendi",
		"remoteAddr", remoteAddr,
		"messageType", msg.Type,
		"triggerEvent", msg.TriggerEvent,
		"controlID", msg.ControlID)
	return WrapFrame(BuildACK(msg))
}

// discardBeforeStart drops noise bytes that arrived before the start block.
func discardBeforeStart(buffer []byte) []byte {
	for i, b := range buffer {
		if b == StartBlock {
			if i > 0 {
				return append(buffer[:0], buffer[i:]...)
			}
			return buffer
		}
	}
	return buffer[:0]
}

func (s *MLLPServer) Stop() error {
	if s.listener != nil {
		return s.listener.Close()
	}
	return nil
}
