// Package protocol translates between tracker wire frames and the platform's
// telemetry and command vocabulary.
package protocol

import (
	"errors"
	"fmt"
	"time"

	"github.com/ukydev/trackhub/internal/models"
)

var (
	// ErrMalformedFrame is returned for frames that are short, truncated or
	// carry unparseable fields.
	ErrMalformedFrame = errors.New("malformed frame")
	// ErrChecksumMismatch is returned when the trailing checksum does not
	// match the frame body.
	ErrChecksumMismatch = errors.New("checksum mismatch")
	// ErrCorrelationTimeout completes a command that got no response in time.
	ErrCorrelationTimeout = errors.New("command response timeout")
	// ErrUnsolicitedResponse is returned for a response nobody waits for.
	ErrUnsolicitedResponse = errors.New("unsolicited command response")
)

// IsDecodeError reports whether err means the frame must be dropped.
func IsDecodeError(err error) bool {
	return errors.Is(err, ErrMalformedFrame) || errors.Is(err, ErrChecksumMismatch)
}

// Command codes understood by the ASCII brand.
const (
	CmdPosition   = "AAA"
	CmdDeviceInfo = "E91"
	CmdRelay      = "C01"
	CmdLocate     = "A10"
)

// Frame sentinels.
const (
	SentinelTelemetry = "&&"
	SentinelCommand   = "$$"
)

// Frame is one decoded wire frame.
type Frame struct {
	Sentinel string
	Flag     byte
	Length   int
	IMEI     string
	Code     string
	// Data holds the fields after the command code, checksum excluded.
	Data     []string
	Checksum string
	// Telemetry is set for position reports only.
	Telemetry *TelemetryFields
}

// IsTelemetry reports whether the frame is a position report.
func (f *Frame) IsTelemetry() bool {
	return f.Sentinel == SentinelTelemetry
}

// TelemetryFields are the typed fields of a position report.
type TelemetryFields struct {
	AlarmCode   int
	AlarmData   string
	Timestamp   time.Time
	GPSValid    bool
	Lat         float64
	Lng         float64
	Satellites  int
	HDOP        float64
	Speed       float64
	Heading     float64
	Altitude    float64
	Odometer    float64
	MCC         string
	MNC         string
	GSM         int
	Status      [8]bool
	Inputs      [4]bool
	Outputs     [4]bool
	ExtVoltage  float64
	BattVoltage float64
}

// Status flag positions, most significant bit first.
const (
	StatusPowered  = 0
	StatusCharging = 1
)

// Message is the platform-level meaning of a frame.
type Message struct {
	IMEI     string
	Kind     models.EventKind
	Event    *models.TelemetryEvent
	Response *CommandResponse
}

// CommandResponse is a device answer matched to the command that caused it.
type CommandResponse struct {
	IMEI string
	Code string
	Data []string
	// Model and Serial are filled for device-info responses.
	Model  string
	Serial string
	// RelayOn is the state requested by the matched relay command.
	RelayOn bool
	OK      bool
	Call    *Call
}

// Codec is the contract every tracker brand implements.
type Codec interface {
	Brand() string
	Sentinels() []string
	Decode(raw []byte) (*Frame, error)
	Encode(imei string, packetID byte, code string, data ...string) []byte
	CheckMessage(frame *Frame) (*Message, error)
	ExeCommand(imei, code string, data ...string) ([]byte, *Call)
}

// Registry selects a codec from the first bytes of a frame.
type Registry struct {
	codecs map[string]Codec
}

// NewRegistry indexes codecs by their sentinels.
func NewRegistry(codecs ...Codec) *Registry {
	r := &Registry{codecs: make(map[string]Codec)}
	for _, c := range codecs {
		for _, s := range c.Sentinels() {
			r.codecs[s] = c
		}
	}
	return r
}

// Lookup returns the codec owning the frame's sentinel.
func (r *Registry) Lookup(raw []byte) (Codec, error) {
	if len(raw) < 2 {
		return nil, fmt.Errorf("%w: frame too short", ErrMalformedFrame)
	}
	c, ok := r.codecs[string(raw[:2])]
	if !ok {
		return nil, fmt.Errorf("%w: unknown sentinel %q", ErrMalformedFrame, raw[:2])
	}
	return c, nil
}

// Checksum returns the low byte of the character-code sum as two uppercase
// hex digits.
func Checksum(body string) string {
	var sum byte
	for i := 0; i < len(body); i++ {
		sum += body[i]
	}
	return fmt.Sprintf("%02X", sum)
}
