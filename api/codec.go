package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// Layouts tried, in order, when decoding a date. The first two are the
// server's native naive-UTC formats; the RFC 3339 forms cover everything else.
var dateLayouts = []struct {
	layout string
	naive  bool
}{
	{layout: "2006-01-02T15:04:05.000000", naive: true},
	{layout: "2006-01-02T15:04:05", naive: true},
	{layout: time.RFC3339Nano},
	{layout: time.RFC3339},
}

// ParseDate parses s with the date fallback chain.
func ParseDate(s string) (time.Time, error) {
	for _, candidate := range dateLayouts {
		var (
			t   time.Time
			err error
		)
		if candidate.naive {
			t, err = time.ParseInLocation(candidate.layout, s, time.UTC)
		} else {
			t, err = time.Parse(candidate.layout, s)
		}
		if err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("cannot decode date string %q", s)
}

// Time is a timestamp that encodes as RFC 3339 UTC and decodes leniently.
type Time struct {
	time.Time
}

// NewTime wraps t.
func NewTime(t time.Time) Time {
	return Time{Time: t}
}

func (t Time) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.UTC().Format(time.RFC3339))
}

func (t *Time) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("date must be a string: %w", err)
	}
	parsed, err := ParseDate(s)
	if err != nil {
		return err
	}
	t.Time = parsed
	return nil
}

// Codec converts request and response bodies to and from the wire format.
type Codec struct{}

// Encode serializes v as JSON.
func (Codec) Encode(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// Decode deserializes data into v. Unknown fields are ignored.
func (Codec) Decode(data []byte, v any) error {
	return json.Unmarshal(data, v)
}
