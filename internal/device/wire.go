package device

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// MaxFrameSections is the section limit of the controller's command parser.
const MaxFrameSections = 30

// MaxSectionLength is the longest section the controller parser stores.
const MaxSectionLength = 19

// noErrorToken is what older firmware sends in place of a zero error code.
const noErrorToken = "NoError"

// wireSample mirrors the JSON object the firmware emits.
type wireSample struct {
	Mode        string          `json:"Mode"`
	AutoState   string          `json:"AutoState"`
	HomingState string          `json:"HomingState"`
	Repetitions int             `json:"Repetitions"`
	Sets        int             `json:"Sets"`
	ErrorCode   json.RawMessage `json:"ErrorCode"`
	Positions   []float64       `json:"Positions"`
	Torques     []float64       `json:"Torques"`
}

// DecodeSample parses one telemetry line. Missing position or torque arrays
// are not an error here; Sample.HasMotion reports them. Only lines that are
// not a JSON object, or carry an unparseable error code, fail.
func DecodeSample(line []byte, received time.Time) (Sample, error) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 || line[0] != '{' {
		return Sample{}, fmt.Errorf("%w: not a JSON object", ErrMalformedFrame)
	}

	var w wireSample
	if err := json.Unmarshal(line, &w); err != nil {
		return Sample{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}

	code, present, err := parseErrorCode(w.ErrorCode)
	if err != nil {
		return Sample{}, err
	}

	return Sample{
		Positions:    w.Positions,
		Torques:      w.Torques,
		ErrorCode:    code,
		HasErrorCode: present,
		Mode:         w.Mode,
		AutoState:    w.AutoState,
		HomingState:  w.HomingState,
		Repetitions:  w.Repetitions,
		Sets:         w.Sets,
		Timestamp:    received,
	}, nil
}

// ScanSamples is a bufio.SplitFunc yielding one telemetry object per token.
// The controller writes objects back to back; bridges often add a newline.
// Both are accepted. Bytes outside an object become their own token so the
// caller can count them as malformed.
func ScanSamples(data []byte, atEOF bool) (advance int, token []byte, err error) {
	i := 0
	for i < len(data) && isSpace(data[i]) {
		i++
	}
	if i == len(data) {
		return i, nil, nil
	}

	if data[i] != '{' {
		j := bytes.IndexAny(data[i:], "\n{")
		if j < 0 {
			if atEOF {
				return len(data), data[i:], nil
			}
			return i, nil, nil
		}
		return i + j, data[i : i+j], nil
	}

	depth := 0
	inString, escaped := false, false
	for j := i; j < len(data); j++ {
		c := data[j]
		switch {
		case escaped:
			escaped = false
		case inString:
			if c == '\\' {
				escaped = true
			} else if c == '"' {
				inString = false
			}
		case c == '"':
			inString = true
		case c == '{':
			depth++
		case c == '}':
			depth--
			if depth == 0 {
				return j + 1, data[i : j+1], nil
			}
		case c == '\n':
			// Object cut short by a line break.
			return j + 1, data[i:j], nil
		}
	}

	if atEOF {
		return len(data), data[i:], nil
	}
	return i, nil, nil
}

func isSpace(c byte) bool {
	return c == ' ' || c == '\t' || c == '\r' || c == '\n'
}

// parseErrorCode accepts a JSON number (signed 32-bit values are
// reinterpreted as the same bit pattern), a numeric string, or "NoError".
func parseErrorCode(raw json.RawMessage) (uint32, bool, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return 0, false, nil
	}

	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		s = strings.TrimSpace(s)
		if s == "" || s == noErrorToken {
			return 0, true, nil
		}
		v, err := strconv.ParseUint(s, 0, 32)
		if err != nil {
			return 0, false, fmt.Errorf("%w: error code %q", ErrMalformedFrame, s)
		}
		return uint32(v), true, nil
	}

	var f float64
	if err := json.Unmarshal(raw, &f); err != nil {
		return 0, false, fmt.Errorf("%w: error code %s", ErrMalformedFrame, string(raw))
	}
	if f != math.Trunc(f) || f < math.MinInt32 || f > math.MaxUint32 {
		return 0, false, fmt.Errorf("%w: error code %s out of range", ErrMalformedFrame, string(raw))
	}
	if f < 0 {
		return uint32(int32(f)), true, nil
	}
	return uint32(f), true, nil
}

// Frame is an outbound command frame: "{section;section;...;}".
type Frame struct {
	sections []string
}

// NewFrame builds a frame, rejecting sections the controller parser cannot
// represent.
func NewFrame(sections ...string) (Frame, error) {
	if len(sections) == 0 {
		return Frame{}, fmt.Errorf("%w: empty frame", ErrInvalidSection)
	}
	if len(sections) >= MaxFrameSections {
		return Frame{}, fmt.Errorf("%w: %d sections (max %d)", ErrFrameTooLarge, len(sections), MaxFrameSections-1)
	}
	for i, s := range sections {
		if s == "" || len(s) > MaxSectionLength || strings.ContainsAny(s, "{};\n\r") {
			return Frame{}, fmt.Errorf("%w: section %d %q", ErrInvalidSection, i, s)
		}
	}
	return Frame{sections: append([]string(nil), sections...)}, nil
}

// ParseFrame is the inverse of Frame.Bytes.
func ParseFrame(b []byte) (Frame, error) {
	b = bytes.TrimSpace(b)
	if len(b) < 2 || b[0] != '{' || b[len(b)-1] != '}' {
		return Frame{}, fmt.Errorf("%w: frame must be wrapped in braces", ErrMalformedFrame)
	}
	var sections []string
	for _, part := range strings.Split(string(b[1:len(b)-1]), ";") {
		if part != "" {
			sections = append(sections, part)
		}
	}
	return NewFrame(sections...)
}

// Sections returns a copy of the frame sections.
func (f Frame) Sections() []string {
	return append([]string(nil), f.sections...)
}

// Bytes returns the wire representation.
func (f Frame) Bytes() []byte {
	var b bytes.Buffer
	b.WriteByte('{')
	for _, s := range f.sections {
		b.WriteString(s)
		b.WriteByte(';')
	}
	b.WriteByte('}')
	return b.Bytes()
}

func (f Frame) String() string {
	return string(f.Bytes())
}
