package hl7

import (
	"strings"
)

// SegmentKind is the closed set of segment types the gateway decodes. Any
// other tag is kept as SegmentOther so unrecognized segments are not dropped.
type SegmentKind string

const (
	SegmentMSH   SegmentKind = "MSH"
	SegmentPID   SegmentKind = "PID"
	SegmentOBR   SegmentKind = "OBR"
	SegmentOBX   SegmentKind = "OBX"
	SegmentOther SegmentKind = "OTHER"
)

// Segment is one line of an HL7 message: its tag and the ordered raw fields
// after the tag.
type Segment struct {
	Kind   SegmentKind
	Tag    string
	Fields []string
}

// Delimiters is the encoding-character set announced in MSH-2. It applies to
// every segment of the message it was read from.
type Delimiters struct {
	Field        byte
	Component    byte
	Repetition   byte
	Escape       byte
	Subcomponent byte
}

// DefaultDelimiters returns the conventional HL7 v2 separators.
func DefaultDelimiters() Delimiters {
	return Delimiters{Field: '|', Component: '^', Repetition: '~', Escape: '\\', Subcomponent: '&'}
}

// CodedElement is a component-decoded field. When the source field carried no
// component separator only ID is set and it holds the bare field value.
type CodedElement struct {
	ID                    string
	Text                  string
	CodingSystem          string
	AlternateID           string
	AlternateText         string
	AlternateCodingSystem string
}

// PatientInfo carries the decoded PID segment.
type PatientInfo struct {
	SetID          string
	ExternalID     string
	IdentifierList string
	AlternateID    string
	Name           CodedElement
	DateOfBirth    string
	Gender         string
}

// OrderInfo carries the decoded OBR segment.
type OrderInfo struct {
	SetID                    string
	PlacerOrderNumber        string
	FillerOrderNumber        string
	UniversalServiceID       CodedElement
	ObservationDateTime      string
	SpecimenActionCode       string
	ClinicalInfo             string
	SpecimenReceivedDateTime string
}

// ObservationInfo carries one decoded OBX segment.
type ObservationInfo struct {
	SetID             string
	ValueType         string
	Identifier        CodedElement
	SubID             string
	Value             string
	Units             string
	ReferenceRange    string
	AbnormalFlags     string
	Probability       string
	Status            string
	EffectiveDateTime string
}

// Message is the parsed form of one HL7 v2 message.
type Message struct {
	Delimiters           Delimiters
	SendingApplication   string
	SendingFacility      string
	ReceivingApplication string
	ReceivingFacility    string
	Timestamp            string
	Type                 string
	TriggerEvent         string
	ControlID            string
	ProcessingID         string
	Version              string

	Patient      *PatientInfo
	Order        *OrderInfo
	Observations []ObservationInfo

	// Segments holds every segment of the message verbatim, including the
	// ones decoded above.
	Segments []Segment
}

// Parse splits raw HL7 text into segments, fields and components. It never
// fails: a message without an MSH segment yields an incomplete Message with
// empty ControlID and Type, which callers must treat as a processing error.
func Parse(text string) *Message {
	msg := &Message{Delimiters: DefaultDelimiters()}

	for _, line := range splitSegments(text) {
		fieldSep := msg.Delimiters.Field
		if strings.HasPrefix(line, "MSH") && len(line) > 3 {
			// The field separator is the character right after the tag.
			fieldSep = line[3]
		}

		fields := strings.Split(line, string(fieldSep))
		tag := fields[0]

		switch tag {
		case "MSH":
			msg.decodeMSH(fields, fieldSep)
		case "PID":
			msg.Patient = decodePID(fields, msg.Delimiters)
		case "OBR":
			msg.Order = decodeOBR(fields, msg.Delimiters)
		case "OBX":
			msg.Observations = append(msg.Observations, decodeOBX(fields, msg.Delimiters))
		}

		msg.Segments = append(msg.Segments, Segment{
			Kind:   segmentKind(tag),
			Tag:    tag,
			Fields: fields[1:],
		})
	}

	return msg
}

func splitSegments(text string) []string {
	lines := strings.FieldsFunc(text, func(r rune) bool {
		return r == '\r' || r == '\n'
	})
	out := lines[:0]
	for _, line := range lines {
		if strings.TrimSpace(line) != "" {
			out = append(out, line)
		}
	}
	return out
}

func segmentKind(tag string) SegmentKind {
	switch tag {
	case "MSH":
		return SegmentMSH
	case "PID":
		return SegmentPID
	case "OBR":
		return SegmentOBR
	case "OBX":
		return SegmentOBX
	default:
		return SegmentOther
	}
}

func (m *Message) decodeMSH(fields []string, fieldSep byte) {
	m.Delimiters.Field = fieldSep

	// MSH-2 carries component, repetition, escape and subcomponent
	// separators, in that order.
	encoding := fieldAt(fields, 1)
	if len(encoding) > 0 {
		m.Delimiters.Component = encoding[0]
	}
	if len(encoding) > 1 {
		m.Delimiters.Repetition = encoding[1]
	}
	if len(encoding) > 2 {
		m.Delimiters.Escape = encoding[2]
	}
	if len(encoding) > 3 {
		m.Delimiters.Subcomponent = encoding[3]
	}

	m.SendingApplication = fieldAt(fields, 2)
	m.SendingFacility = fieldAt(fields, 3)
	m.ReceivingApplication = fieldAt(fields, 4)
	m.ReceivingFacility = fieldAt(fields, 5)
	m.Timestamp = fieldAt(fields, 6)

	typeParts := strings.Split(fieldAt(fields, 8), string(m.Delimiters.Component))
	m.Type = typeParts[0]
	if len(typeParts) > 1 {
		m.TriggerEvent = typeParts[1]
	}

	m.ControlID = fieldAt(fields, 9)
	m.ProcessingID = fieldAt(fields, 10)
	m.Version = fieldAt(fields, 11)
}

func decodePID(fields []string, d Delimiters) *PatientInfo {
	return &PatientInfo{
		SetID:          fieldAt(fields, 1),
		ExternalID:     fieldAt(fields, 2),
		IdentifierList: fieldAt(fields, 3),
		AlternateID:    fieldAt(fields, 4),
		Name:           decodeComponents(fieldAt(fields, 5), d),
		DateOfBirth:    fieldAt(fields, 7),
		Gender:         fieldAt(fields, 8),
	}
}

func decodeOBR(fields []string, d Delimiters) *OrderInfo {
	return &OrderInfo{
		SetID:                    fieldAt(fields, 1),
		PlacerOrderNumber:        fieldAt(fields, 2),
		FillerOrderNumber:        fieldAt(fields, 3),
		UniversalServiceID:       decodeComponents(fieldAt(fields, 4), d),
		ObservationDateTime:      fieldAt(fields, 7),
		SpecimenActionCode:       fieldAt(fields, 11),
		ClinicalInfo:             fieldAt(fields, 13),
		SpecimenReceivedDateTime: fieldAt(fields, 14),
	}
}

func decodeOBX(fields []string, d Delimiters) ObservationInfo {
	return ObservationInfo{
		SetID:             fieldAt(fields, 1),
		ValueType:         fieldAt(fields, 2),
		Identifier:        decodeComponents(fieldAt(fields, 3), d),
		SubID:             fieldAt(fields, 4),
		Value:             fieldAt(fields, 5),
		Units:             fieldAt(fields, 6),
		ReferenceRange:    fieldAt(fields, 7),
		AbnormalFlags:     fieldAt(fields, 8),
		Probability:       fieldAt(fields, 9),
		Status:            fieldAt(fields, 11),
		EffectiveDateTime: fieldAt(fields, 14),
	}
}

// decodeComponents splits a field on the component separator. A field with a
// single component comes back with only ID set; trailing absent components
// stay zero-valued.
func decodeComponents(field string, d Delimiters) CodedElement {
	parts := strings.Split(field, string(d.Component))
	ce := CodedElement{ID: parts[0]}
	if len(parts) > 1 {
		ce.Text = parts[1]
	}
	if len(parts) > 2 {
		ce.CodingSystem = parts[2]
	}
	if len(parts) > 3 {
		ce.AlternateID = parts[3]
	}
	if len(parts) > 4 {
		ce.AlternateText = parts[4]
	}
	if len(parts) > 5 {
		ce.AlternateCodingSystem = parts[5]
	}
	return ce
}

func fieldAt(fields []string, i int) string {
	if i < len(fields) {
		return fields[i]
	}
	return ""
}
