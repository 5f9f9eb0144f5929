package hl7

import (
	"bytes"
	"fmt"
	"unicode/utf8"
)

const (
	// MLLP frame characters
	StartBlock     = 0x0B
	EndBlock       = 0x1C
	CarriageReturn = 0x0D
)

// FrameError indicates a malformed or undecodable MLLP frame. The connection
// stays open after a FrameError; only the offending frame is rejected.
type FrameError struct {
	Reason string
}

func (e *FrameError) Error() string {
	return fmt.Sprintf("MLLP çerçeve hatası: %s", e.Reason)
}

// IsCompleteFrame reports whether buf holds exactly one complete MLLP frame:
// a leading start block and a trailing end block followed by a carriage
// return. A buffer that has seen the start block but not the two trailing
// bytes is incomplete and must not be extracted yet.
func IsCompleteFrame(buf []byte) bool {
	if len(buf) < 3 {
		return false
	}
	if buf[0] != StartBlock {
		return false
	}
	return buf[len(buf)-2] == EndBlock && buf[len(buf)-1] == CarriageReturn
}

// ExtractFrame strips the one leading and two trailing marker bytes and
// decodes the remainder as text.
func ExtractFrame(buf []byte) (string, error) {
	if !IsCompleteFrame(buf) {
		return "", &FrameError{Reason: "eksik veya geçersiz çerçeve"}
	}
	payload := buf[1 : len(buf)-2]
	if bytes.IndexByte(payload, StartBlock) >= 0 || bytes.IndexByte(payload, EndBlock) >= 0 {
		return "", &FrameError{Reason: "çerçeve içinde MLLP işaret baytı"}
	}
	if !utf8.Valid(payload) {
		return "", &FrameError{Reason: "çözümlenemeyen bayt dizisi"}
	}
	return string(payload), nil
}

// WrapFrame is the inverse of ExtractFrame: it prefixes the start block and
// appends the end block and carriage return.
func WrapFrame(text string) []byte {
	out := make([]byte, 0, len(text)+3)
	out = append(out, StartBlock)
	out = append(out, text...)
	return append(out, EndBlock, CarriageReturn)
}
