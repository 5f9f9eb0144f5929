package hl7

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nbaldr2/sil-sub001/internal/metrics"
)

func startTestServer(t *testing.T, handler Handler) *MLLPServer {
	t.Helper()

	server := NewMLLPServer(0, handler, 5*time.Second, metrics.New(prometheus.NewRegistry()))

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, server.Start(ctx))
	t.Cleanup(func() {
		cancel()
		server.Stop()
	})

	return server
}

func oruMessage(controlID string) string {
	return fmt.Sprintf(
		"MSH|^~\\&|LAB_SYSTEM|LAB|SIL_LAB|SIL|20240811220000||ORU^R01|%s|P|2.5.1\r"+
			"PID|1||PATIENT123||DOE^JOHN^M||19800101|M", controlID)
}

func TestServerAcksValidMessage(t *testing.T) {
	server := startTestServer(t, func(ctx context.Context, raw RawMessage, msg *Message) error {
		return nil
	})

	client := NewMLLPClient(server.Addr())
	ack, err := client.Send(oruMessage("42"))
	require.NoError(t, err)

	assert.Equal(t, "AA", AckCode(ack))
	assert.Contains(t, ack, "MSA|AA|42")
}

func TestServerNacksOnHandlerError(t *testing.T) {
	server := startTestServer(t, func(ctx context.Context, raw RawMessage, msg *Message) error {
		return errors.New("işleme hatası")
	})

	client := NewMLLPClient(server.Addr())
	ack, err := client.Send(oruMessage("43"))
	require.NoError(t, err)

	assert.Equal(t, "AE", AckCode(ack))
	assert.Contains(t, ack, "işleme hatası")
}

// Frames on a single connection must be acked strictly in send order: frame
// N+1 is only written after frame N's ack is fully read back.
func TestServerSequentialAckOrdering(t *testing.T) {
	var mu sync.Mutex
	var seen []string

	server := startTestServer(t, func(ctx context.Context, raw RawMessage, msg *Message) error {
		mu.Lock()
		seen = append(seen, msg.ControlID)
		mu.Unlock()
		return nil
	})

	client := NewMLLPClient(server.Addr())
	acks, err := client.SendAll([]string{
		oruMessage("A-1"),
		oruMessage("B-2"),
		oruMessage("C-3"),
	})
	require.NoError(t, err)
	require.Len(t, acks, 3)

	assert.Contains(t, acks[0], "MSA|AA|A-1")
	assert.Contains(t, acks[1], "MSA|AA|B-2")
	assert.Contains(t, acks[2], "MSA|AA|C-3")

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"A-1", "B-2", "C-3"}, seen)
}

// A frame arriving split across several TCP writes must be buffered until
// complete before any processing happens.
func TestServerReassemblesSplitFrame(t *testing.T) {
	server := startTestServer(t, func(ctx context.Context, raw RawMessage, msg *Message) error {
		return nil
	})

	conn, err := net.Dial("tcp", server.Addr())
	require.NoError(t, err)
	defer conn.Close()

	frame := WrapFrame(oruMessage("55"))
	for _, part := range [][]byte{frame[:5], frame[5 : len(frame)-1], frame[len(frame)-1:]} {
		_, err := conn.Write(part)
		require.NoError(t, err)
		time.Sleep(20 * time.Millisecond)
	}

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	ack, err := readFrame(bufio.NewReader(conn))
	require.NoError(t, err)
	assert.True(t, strings.Contains(ack, "MSA|AA|55"))
}

func TestServerSkipsNoiseBeforeStartBlock(t *testing.T) {
	server := startTestServer(t, func(ctx context.Context, raw RawMessage, msg *Message) error {
		return nil
	})

	conn, err := net.Dial("tcp", server.Addr())
	require.NoError(t, err)
	defer conn.Close()

	payload := append([]byte("gürültü"), WrapFrame(oruMessage("77"))...)
	_, err = conn.Write(payload)
	require.NoError(t, err)

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	ack, err := readFrame(bufio.NewReader(conn))
	require.NoError(t, err)
	assert.Contains(t, ack, "MSA|AA|77")
}
