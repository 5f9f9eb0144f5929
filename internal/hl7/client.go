package hl7

import (
	"bufio"
	"bytes"
	"fmt"
	"log/slog"
	"net"
	"time"
)

// MLLPClient sends one MLLP-framed message per call and waits for the
// synchronous ACK on the same connection.
type MLLPClient struct {
	addr    string
	timeout time.Duration
}

func NewMLLPClient(addr string) *MLLPClient {
	return &MLLPClient{
		addr:    addr,
		timeout: 30 * time.Second,
	}
}

// Send writes the message and returns the raw ACK/NACK text received back.
func (c *MLLPClient) Send(message string) (string, error) {
	conn, err := net.DialTimeout("tcp", c.addr, c.timeout)
	if err != nil {
		return "", fmt.Errorf("bağlantı hatası %s: %w", c.addr, err)
	}
	defer conn.Close()

	conn.SetWriteDeadline(time.Now().Add(c.timeout))
	if _, err := conn.Write(WrapFrame(message)); err != nil {
		return "", fmt.Errorf("mesaj gönderme hatası: %w", err)
	}

	conn.SetReadDeadline(time.Now().Add(c.timeout))
	ack, err := readFrame(bufio.NewReader(conn))
	if err != nil {
		return "", fmt.Errorf("ACK okuma hatası: %w", err)
	}

	slog.Debug("HL7 mesaj gönderildi", "address", c.addr, "ackCode", AckCode(ack))
	return ack, nil
}

// SendAll writes several messages over one connection, waiting for each ack
// before sending the next frame, and returns the acks in order.
func (c *MLLPClient) SendAll(messages []string) ([]string, error) {
	conn, err := net.DialTimeout("tcp", c.addr, c.timeout)
	if err != nil {
		return nil, fmt.Errorf("bağlantı hatası %s: %w", c.addr, err)
	}
	defer conn.Close()

	reader := bufio.NewReader(conn)
	acks := make([]string, 0, len(messages))

	for _, message := range messages {
		conn.SetWriteDeadline(time.Now().Add(c.timeout))
		if _, err := conn.Write(WrapFrame(message)); err != nil {
			return acks, fmt.Errorf("mesaj gönderme hatası: %w", err)
		}

		conn.SetReadDeadline(time.Now().Add(c.timeout))
		ack, err := readFrame(reader)
		if err != nil {
			return acks, fmt.Errorf("ACK okuma hatası: %w", err)
		}
		acks = append(acks, ack)
	}

	return acks, nil
}

// readFrame reads one MLLP frame from the reader, skipping bytes until the
// start block.
func readFrame(reader *bufio.Reader) (string, error) {
	for {
		b, err := reader.ReadByte()
		if err != nil {
			return "", err
		}
		if b == StartBlock {
			break
		}
	}

	var buffer bytes.Buffer
	for {
		b, err := reader.ReadByte()
		if err != nil {
			return "", err
		}

		if b == EndBlock {
			cr, err := reader.ReadByte()
			if err != nil {
				return "", err
			}
			if cr != CarriageReturn {
				return "", fmt.Errorf("MLLP formatı hatası: CR beklendi, %02X alındı", cr)
			}
			break
		}

		buffer.WriteByte(b)
	}

	return buffer.String(), nil
}

// AckCode extracts the MSA acknowledgment code (AA, AE, ...) from a reply.
func AckCode(ack string) string {
	for _, segment := range splitSegments(ack) {
		if len(segment) >= 3 && segment[:3] == "MSA" {
			fields := bytes.Split([]byte(segment), []byte("|"))
			if len(fields) > 1 {
				return string(fields[1])
			}
		}
	}
	return ""
}
