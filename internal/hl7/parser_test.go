package hl7

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleORU = "MSH|^~\\&|LAB_SYSTEM|LAB|SIL_LAB|SIL|20240811220000||ORU^R01|12345|P|2.5.1\r" +
	"PID|1||PATIENT123||DOE^JOHN^M||19800101|M\r" +
	"OBX|1|NM|WBC^WHITE BLOOD COUNT^L||7.5|10*3/uL|4.0-11.0|N|||F"

func TestParseSampleORU(t *testing.T) {
	msg := Parse(sampleORU)

	assert.Equal(t, "ORU", msg.Type)
	assert.Equal(t, "R01", msg.TriggerEvent)
	assert.Equal(t, "12345", msg.ControlID)
	assert.Equal(t, "LAB_SYSTEM", msg.SendingApplication)
	assert.Equal(t, "LAB", msg.SendingFacility)
	assert.Equal(t, "SIL_LAB", msg.ReceivingApplication)
	assert.Equal(t, "SIL", msg.ReceivingFacility)
	assert.Equal(t, "P", msg.ProcessingID)
	assert.Equal(t, "2.5.1", msg.Version)

	require.NotNil(t, msg.Patient)
	assert.Equal(t, "PATIENT123", msg.Patient.IdentifierList)
	assert.Equal(t, "DOE", msg.Patient.Name.ID)
	assert.Equal(t, "JOHN", msg.Patient.Name.Text)
	assert.Equal(t, "M", msg.Patient.Name.CodingSystem)
	assert.Equal(t, "19800101", msg.Patient.DateOfBirth)
	assert.Equal(t, "M", msg.Patient.Gender)

	require.Len(t, msg.Observations, 1)
	obs := msg.Observations[0]
	assert.Equal(t, "NM", obs.ValueType)
	assert.Equal(t, "WBC", obs.Identifier.ID)
	assert.Equal(t, "WHITE BLOOD COUNT", obs.Identifier.Text)
	assert.Equal(t, "7.5", obs.Value)
	assert.Equal(t, "10*3/uL", obs.Units)
	assert.Equal(t, "4.0-11.0", obs.ReferenceRange)
	assert.Equal(t, "F", obs.Status)
}

func TestParseLineEndings(t *testing.T) {
	// CR, LF and CRLF separate segments equally; empty lines are dropped.
	for _, sep := range []string{"\r", "\n", "\r\n", "\r\r"} {
		msg := Parse(strings.ReplaceAll(sampleORU, "\r", sep))
		assert.Equal(t, "12345", msg.ControlID)
		assert.Len(t, msg.Segments, 3)
	}
}

func TestParseDelimitersFromMSH(t *testing.T) {
	msg := Parse(sampleORU)

	assert.Equal(t, byte('|'), msg.Delimiters.Field)
	assert.Equal(t, byte('^'), msg.Delimiters.Component)
	assert.Equal(t, byte('~'), msg.Delimiters.Repetition)
	assert.Equal(t, byte('\\'), msg.Delimiters.Escape)
	assert.Equal(t, byte('&'), msg.Delimiters.Subcomponent)
}

func TestParseGenericSegments(t *testing.T) {
	text := sampleORU + "\rNTE|1||serbest metin not"
	msg := Parse(text)

	require.Len(t, msg.Segments, 4)

	nte := msg.Segments[3]
	assert.Equal(t, SegmentOther, nte.Kind)
	assert.Equal(t, "NTE", nte.Tag)
	assert.Equal(t, []string{"1", "", "serbest metin not"}, nte.Fields)

	assert.Equal(t, SegmentMSH, msg.Segments[0].Kind)
	assert.Equal(t, SegmentPID, msg.Segments[1].Kind)
	assert.Equal(t, SegmentOBX, msg.Segments[2].Kind)
}

func TestParseOBR(t *testing.T) {
	text := "MSH|^~\\&|A|B|C|D|20240811||ORU^R01|7|P|2.5\r" +
		"OBR|1|ORD001|FIL002|GLU^GLUCOSE|||20240811215500||||A||diyabet takibi|20240811215900"
	msg := Parse(text)

	require.NotNil(t, msg.Order)
	assert.Equal(t, "ORD001", msg.Order.PlacerOrderNumber)
	assert.Equal(t, "FIL002", msg.Order.FillerOrderNumber)
	assert.Equal(t, "GLU", msg.Order.UniversalServiceID.ID)
	assert.Equal(t, "GLUCOSE", msg.Order.UniversalServiceID.Text)
	assert.Equal(t, "20240811215500", msg.Order.ObservationDateTime)
	assert.Equal(t, "A", msg.Order.SpecimenActionCode)
	assert.Equal(t, "diyabet takibi", msg.Order.ClinicalInfo)
	assert.Equal(t, "20240811215900", msg.Order.SpecimenReceivedDateTime)
}

func TestParseBareComponentField(t *testing.T) {
	text := "MSH|^~\\&|A|B|C|D|20240811||ORU^R01|7|P|2.5\r" +
		"PID|1||P42||SADECEISIM||19700101|F"
	msg := Parse(text)

	require.NotNil(t, msg.Patient)
	assert.Equal(t, "SADECEISIM", msg.Patient.Name.ID)
	assert.Empty(t, msg.Patient.Name.Text)
	assert.Empty(t, msg.Patient.Name.CodingSystem)
}

func TestParseWithoutMSH(t *testing.T) {
	// The parser tolerates a missing MSH; the incomplete result is the
	// caller's signal to fail the message.
	msg := Parse("PID|1||P1||X^Y||19800101|M")

	assert.Empty(t, msg.Type)
	assert.Empty(t, msg.ControlID)
	require.NotNil(t, msg.Patient)
	assert.Len(t, msg.Segments, 1)
}

func TestParseEmptyMessage(t *testing.T) {
	msg := Parse("")

	assert.Empty(t, msg.ControlID)
	assert.Empty(t, msg.Segments)
	assert.Nil(t, msg.Patient)
}

func TestParseCustomFieldSeparator(t *testing.T) {
	text := "MSH#^~\\&#APP#FAC#RAPP#RFAC#20240811##ORU^R01#99#P#2.5"
	msg := Parse(text)

	assert.Equal(t, byte('#'), msg.Delimiters.Field)
	assert.Equal(t, "APP", msg.SendingApplication)
	assert.Equal(t, "99", msg.ControlID)
}
