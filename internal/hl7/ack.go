package hl7

import (
	"fmt"
	"strings"
	"time"
)

const ackTimeFormat = "20060102150405"

// BuildACK builds the application-accept reply for an inbound message. The
// sender and receiver of the inbound MSH are swapped and the MSA references
// the inbound control ID.
func BuildACK(msg *Message) string {
	timestamp := time.Now().Format(ackTimeFormat)

	msh := fmt.Sprintf("MSH|^~\\&|%s|%s|%s|%s|%s||ACK^%s|%s|P|2.5",
		msg.ReceivingApplication,
		msg.ReceivingFacility,
		msg.SendingApplication,
		msg.SendingFacility,
		timestamp,
		msg.Type,
		msg.ControlID)
	msa := fmt.Sprintf("MSA|AA|%s|Message accepted", msg.ControlID)

	return strings.Join([]string{msh, msa}, "\r")
}

// BuildNACK builds the application-error reply. No inbound message is
// guaranteed parseable at this point, so the MSH carries ERROR placeholders
// and the MSA a zero control ID.
func BuildNACK(err error) string {
	timestamp := time.Now().Format(ackTimeFormat)

	msh := fmt.Sprintf("MSH|^~\\&|ERROR|ERROR|ERROR|ERROR|%s||ACK|%s|P|2.5",
		timestamp, timestamp)
	msa := fmt.Sprintf("MSA|AE|0|%s", err.Error())

	return strings.Join([]string{msh, msa}, "\r")
}
