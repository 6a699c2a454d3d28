package protocol

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/ukydev/trackhub/internal/models"
)

const (
	timestampLayout = "060102150405"
	// alarm code, alarm data, time, validity, lat, lng, satellites, hdop,
	// speed, heading, altitude, odometer, mcc|mnc, gsm, status, inputs,
	// outputs, ext|batt
	telemetryDataFields = 18
	// AlarmCodeState is the periodic report with no alarm attached.
	AlarmCodeState = 35
)

var alarmCodes = map[int]models.AlertKind{
	1:  models.AlertSOS,
	2:  models.AlertAccOn,
	10: models.AlertAccOff,
	17: models.AlertBatteryLow,
	19: models.AlertSpeeding,
	20: models.AlertFenceIn,
	21: models.AlertFenceOut,
	22: models.AlertPowerOn,
	23: models.AlertPowerOff,
	24: models.AlertGPSLost,
	25: models.AlertGPSFound,
	39: models.AlertImpact,
	41: models.AlertSuspiciousActivity, // towing
	44: models.AlertSuspiciousActivity, // tamper
}

var alertCodes = map[models.AlertKind]int{
	models.AlertSOS:                1,
	models.AlertAccOn:              2,
	models.AlertAccOff:             10,
	models.AlertBatteryLow:         17,
	models.AlertSpeeding:           19,
	models.AlertFenceIn:            20,
	models.AlertFenceOut:           21,
	models.AlertPowerOn:            22,
	models.AlertPowerOff:           23,
	models.AlertGPSLost:            24,
	models.AlertGPSFound:           25,
	models.AlertImpact:             39,
	models.AlertSuspiciousActivity: 44,
}

// AlertFromCode maps a device alarm code to the canonical vocabulary.
// Unknown codes are plain state reports.
func AlertFromCode(code int) models.AlertKind {
	return alarmCodes[code]
}

// CodeFromAlert is the inverse of AlertFromCode.
func CodeFromAlert(kind models.AlertKind) int {
	if code, ok := alertCodes[kind]; ok {
		return code
	}
	return AlarmCodeState
}

// ASCIICodec speaks the comma separated "&&" / "$$" text protocol.
type ASCIICodec struct {
	pending *Pending
	packets atomic.Uint32
}

// NewASCIICodec creates a codec that correlates commands through pending.
func NewASCIICodec(pending *Pending) *ASCIICodec {
	return &ASCIICodec{pending: pending}
}

// Brand implements Codec.
func (c *ASCIICodec) Brand() string { return "ascii" }

// Sentinels implements Codec.
func (c *ASCIICodec) Sentinels() []string {
	return []string{SentinelTelemetry, SentinelCommand}
}

// Pending exposes the command correlator.
func (c *ASCIICodec) Pending() *Pending { return c.pending }

// Decode parses one frame, with or without its trailing CRLF.
func (c *ASCIICodec) Decode(raw []byte) (*Frame, error) {
	s := strings.TrimSuffix(string(raw), "\r\n")
	if len(s) < 6 {
		return nil, fmt.Errorf("%w: %d bytes", ErrMalformedFrame, len(s))
	}
	sentinel := s[:2]
	if sentinel != SentinelTelemetry && sentinel != SentinelCommand {
		return nil, fmt.Errorf("%w: unknown sentinel %q", ErrMalformedFrame, sentinel)
	}
	comma := strings.IndexByte(s, ',')
	if comma < 4 {
		return nil, fmt.Errorf("%w: missing header", ErrMalformedFrame)
	}
	length, err := strconv.Atoi(s[3:comma])
	if err != nil {
		return nil, fmt.Errorf("%w: bad length %q", ErrMalformedFrame, s[3:comma])
	}
	if want := len(s) - comma + 2; length != want {
		return nil, fmt.Errorf("%w: length %d, got %d", ErrMalformedFrame, length, want)
	}

	var body, sum string
	if sentinel == SentinelTelemetry {
		last := strings.LastIndexByte(s, ',')
		body, sum = s[:last], s[last+1:]
	} else {
		body, sum = s[:len(s)-2], s[len(s)-2:]
	}
	if len(sum) != 2 || len(body) <= comma {
		return nil, fmt.Errorf("%w: missing checksum", ErrMalformedFrame)
	}
	if Checksum(body) != sum {
		return nil, fmt.Errorf("%w: want %s, got %s", ErrChecksumMismatch, Checksum(body), sum)
	}

	fields := strings.Split(body[comma+1:], ",")
	if len(fields) < 2 || fields[0] == "" || fields[1] == "" {
		return nil, fmt.Errorf("%w: missing imei or command", ErrMalformedFrame)
	}
	frame := &Frame{
		Sentinel: sentinel,
		Flag:     s[2],
		Length:   length,
		IMEI:     fields[0],
		Code:     fields[1],
		Data:     fields[2:],
		Checksum: sum,
	}
	if frame.IsTelemetry() {
		if len(frame.Data) < telemetryDataFields {
			return nil, fmt.Errorf("%w: %d telemetry fields", ErrMalformedFrame, len(frame.Data))
		}
		if frame.Telemetry, err = parseTelemetry(frame.Data); err != nil {
			return nil, err
		}
	}
	return frame, nil
}

type fieldParser struct {
	err error
}

func (p *fieldParser) fail(name, value string) {
	if p.err == nil {
		p.err = fmt.Errorf("%w: bad %s %q", ErrMalformedFrame, name, value)
	}
}

func (p *fieldParser) float(name, value string) float64 {
	v, err := strconv.ParseFloat(value, 64)
	if err != nil {
		p.fail(name, value)
	}
	return v
}

func (p *fieldParser) integer(name, value string) int {
	v, err := strconv.Atoi(value)
	if err != nil {
		p.fail(name, value)
	}
	return v
}

func (p *fieldParser) hex(name, value string, bits int) uint64 {
	v, err := strconv.ParseUint(value, 16, bits)
	if err != nil {
		p.fail(name, value)
	}
	return v
}

func (p *fieldParser) pair(name, value string) (string, string) {
	a, b, ok := strings.Cut(value, "|")
	if !ok {
		p.fail(name, value)
	}
	return a, b
}

// unpackBits pads v to width binary digits and returns them most
// significant first.
func unpackBits(v uint64, width int) []bool {
	bits := fmt.Sprintf("%0*b", width, v)
	out := make([]bool, width)
	for i := range out {
		out[i] = bits[i] == '1'
	}
	return out
}

func parseTelemetry(d []string) (*TelemetryFields, error) {
	var p fieldParser
	t := &TelemetryFields{
		AlarmCode:  p.integer("alarm code", d[0]),
		AlarmData:  d[1],
		Lat:        p.float("latitude", d[4]),
		Lng:        p.float("longitude", d[5]),
		Satellites: p.integer("satellites", d[6]),
		HDOP:       p.float("hdop", d[7]),
		Speed:      p.float("speed", d[8]),
		Heading:    p.float("heading", d[9]),
		Altitude:   p.float("altitude", d[10]),
		Odometer:   p.float("odometer", d[11]),
		GSM:        p.integer("gsm", d[13]),
	}

	ts, err := time.Parse(timestampLayout, d[2])
	if err != nil {
		p.fail("timestamp", d[2])
	}
	t.Timestamp = ts.UTC()

	switch d[3] {
	case "A":
		t.GPSValid = true
	case "V":
	default:
		p.fail("gps validity", d[3])
	}

	t.MCC, t.MNC = p.pair("network", d[12])

	copy(t.Status[:], unpackBits(p.hex("status", d[14], 8), 8))
	// nibbles are read least significant bit first: index 0 is port 1
	inputs := unpackBits(p.hex("inputs", d[15], 4), 4)
	outputs := unpackBits(p.hex("outputs", d[16], 4), 4)
	for i := 0; i < 4; i++ {
		t.Inputs[i] = inputs[3-i]
		t.Outputs[i] = outputs[3-i]
	}

	ext, batt := p.pair("voltage", d[17])
	t.ExtVoltage = float64(p.hex("external voltage", ext, 16)) / 100
	t.BattVoltage = float64(p.hex("battery voltage", batt, 16)) / 100

	if p.err != nil {
		return nil, p.err
	}
	return t, nil
}

// buildFrame builds sentinel+flag+length+rest, appending the checksum with sep
// before it.
func buildFrame(sentinel string, flag byte, rest, sep string) []byte {
	length := len(rest) + len(sep) + 2 + 2
	body := sentinel + string(flag) + strconv.Itoa(length) + rest
	return []byte(body + sep + Checksum(body) + "\r\n")
}

// Encode implements Codec. It builds a "$$" command frame.
func (c *ASCIICodec) Encode(imei string, packetID byte, code string, data ...string) []byte {
	var b strings.Builder
	b.WriteString(",")
	b.WriteString(imei)
	b.WriteString(",")
	b.WriteString(code)
	for _, d := range data {
		b.WriteString(",")
		b.WriteString(d)
	}
	return buildFrame(SentinelCommand, packetID, b.String(), "")
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func packBits(bits []bool) uint64 {
	var v uint64
	for _, b := range bits {
		v <<= 1
		if b {
			v |= 1
		}
	}
	return v
}

// EncodeTelemetry builds a "&&" position report as a device would send it.
func (c *ASCIICodec) EncodeTelemetry(imei string, seq byte, t TelemetryFields) []byte {
	validity := "V"
	if t.GPSValid {
		validity = "A"
	}
	var in, out [4]bool
	for i := 0; i < 4; i++ {
		in[3-i], out[3-i] = t.Inputs[i], t.Outputs[i]
	}
	fields := []string{
		"",
		imei,
		CmdPosition,
		strconv.Itoa(t.AlarmCode),
		t.AlarmData,
		t.Timestamp.UTC().Format(timestampLayout),
		validity,
		formatFloat(t.Lat),
		formatFloat(t.Lng),
		strconv.Itoa(t.Satellites),
		formatFloat(t.HDOP),
		formatFloat(t.Speed),
		formatFloat(t.Heading),
		formatFloat(t.Altitude),
		formatFloat(t.Odometer),
		t.MCC + "|" + t.MNC,
		strconv.Itoa(t.GSM),
		fmt.Sprintf("%02X", packBits(t.Status[:])),
		fmt.Sprintf("%X", packBits(in[:])),
		fmt.Sprintf("%X", packBits(out[:])),
		fmt.Sprintf("%04X|%04X", int(math.Round(t.ExtVoltage*100)), int(math.Round(t.BattVoltage*100))),
	}
	return buildFrame(SentinelTelemetry, seq, strings.Join(fields, ","), ",")
}

// CheckMessage implements Codec.
func (c *ASCIICodec) CheckMessage(frame *Frame) (*Message, error) {
	if frame.IsTelemetry() {
		return &Message{IMEI: frame.IMEI, Kind: eventKind(frame.Telemetry), Event: toEvent(frame.Telemetry)}, nil
	}

	call := c.pending.Peek(frame.IMEI, frame.Code)
	if call == nil {
		return nil, fmt.Errorf("%w: %s from %s", ErrUnsolicitedResponse, frame.Code, frame.IMEI)
	}
	resp := &CommandResponse{IMEI: frame.IMEI, Code: frame.Code, Data: frame.Data}
	switch frame.Code {
	case CmdDeviceInfo:
		if len(frame.Data) >= 2 {
			resp.Model, resp.Serial = frame.Data[0], frame.Data[1]
			resp.OK = true
		}
	case CmdRelay:
		resp.OK = len(frame.Data) > 0 && frame.Data[0] == "OK"
		resp.RelayOn = len(call.Data) > 0 && call.Data[0] == "1"
	default:
		resp.OK = true
	}
	if _, ok := c.pending.Resolve(frame.IMEI, frame.Code, resp); !ok {
		return nil, fmt.Errorf("%w: %s from %s", ErrUnsolicitedResponse, frame.Code, frame.IMEI)
	}
	return &Message{IMEI: frame.IMEI, Kind: models.EventCommandResponse, Response: resp}, nil
}

func eventKind(t *TelemetryFields) models.EventKind {
	if AlertFromCode(t.AlarmCode) != models.AlertNone {
		return models.EventAlert
	}
	return models.EventState
}

func toEvent(t *TelemetryFields) *models.TelemetryEvent {
	return &models.TelemetryEvent{
		Date:       t.Timestamp,
		Kind:       eventKind(t),
		Alert:      AlertFromCode(t.AlarmCode),
		Position:   models.Location{Lat: t.Lat, Lon: t.Lng},
		Heading:    t.Heading,
		Speed:      t.Speed,
		Altitude:   t.Altitude,
		Odometer:   t.Odometer,
		Battery:    models.Battery{Voltage: t.BattVoltage, Charging: t.Status[StatusCharging]},
		ExtVoltage: t.ExtVoltage,
		Powered:    t.Status[StatusPowered],
		Signal:     t.GSM,
		HasGPS:     t.GPSValid,
		IO: models.IO{
			Ignition: t.Inputs[0],
			Relay:    t.Outputs[0],
			Buzzer:   t.Outputs[1],
		},
	}
}

// ExeCommand implements Codec. The returned call completes when the device
// answers or the correlator expires it.
func (c *ASCIICodec) ExeCommand(imei, code string, data ...string) ([]byte, *Call) {
	call := c.pending.Add(imei, code, data)
	return c.Encode(imei, c.nextPacketID(), code, data...), call
}

func (c *ASCIICodec) nextPacketID() byte {
	return byte('a' + (c.packets.Add(1)-1)%26)
}
