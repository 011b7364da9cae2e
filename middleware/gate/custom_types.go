/*
Copyright © 2025 Snapfeed Labs.

Released under MIT license.
*/

package gate

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"code.cloudfoundry.org/bytefmt"
	"gopkg.in/yaml.v3"
)

// RateValue represents the allowed frequency of requests, parsed from strings like
// "10/s", "100/m" or "1000/h".
type RateValue struct {
	Count    int
	Duration time.Duration
}

// String returns a string representation of the rate value.
// Implements fmt.Stringer interface.
func (rv RateValue) String() string {
	if rv.Duration == 0 && rv.Count == 0 {
		return ""
	}
	var d string
	switch rv.Duration {
	case time.Second:
		d = "s"
	case time.Minute:
		d = "m"
	case time.Hour:
		d = "h"
	default:
		d = rv.Duration.String()
	}
	return fmt.Sprintf("%d/%s", rv.Count, d)
}

// UnmarshalText implements the encoding.TextUnmarshaler interface.
func (rv *RateValue) UnmarshalText(text []byte) error {
	return rv.unmarshal(string(text))
}

// UnmarshalJSON implements the json.Unmarshaler interface.
func (rv *RateValue) UnmarshalJSON(data []byte) error {
	var text string
	if err := json.Unmarshal(data, &text); err != nil {
		return err
	}
	return rv.unmarshal(text)
}

// UnmarshalYAML implements the yaml.Unmarshaler interface.
func (rv *RateValue) UnmarshalYAML(value *yaml.Node) error {
	var text string
	if err := value.Decode(&text); err != nil {
		return err
	}
	return rv.unmarshal(text)
}

func (rv *RateValue) unmarshal(rate string) error {
	if rate == "" {
		*rv = RateValue{}
		return nil
	}
	incorrectFormatErr := fmt.Errorf(
		"incorrect format for rate %q, should be N/(s|m|h), for example 10/s, 100/m, 1000/h", rate)
	parts := strings.SplitN(rate, "/", 2)
	if len(parts) != 2 {
		return incorrectFormatErr
	}
	count, err := strconv.Atoi(parts[0])
	if err != nil {
		return incorrectFormatErr
	}
	var dur time.Duration
	switch strings.ToLower(parts[1]) {
	case "s":
		dur = time.Second
	case "m":
		dur = time.Minute
	case "h":
		dur = time.Hour
	default:
		return incorrectFormatErr
	}
	*rv = RateValue{Count: count, Duration: dur}
	return nil
}

// MarshalText implements the encoding.TextMarshaler interface.
func (rv RateValue) MarshalText() ([]byte, error) {
	return []byte(rv.String()), nil
}

// MarshalJSON implements the json.Marshaler interface.
func (rv RateValue) MarshalJSON() ([]byte, error) {
	return json.Marshal(rv.String())
}

// MarshalYAML implements the yaml.Marshaler interface.
func (rv RateValue) MarshalYAML() (interface{}, error) {
	return rv.String(), nil
}

// TimeDuration is a time.Duration that can be parsed from strings like "30s" or "100ms".
type TimeDuration time.Duration

// String returns a string representation of the duration.
// Implements fmt.Stringer interface.
func (td TimeDuration) String() string {
	return time.Duration(td).String()
}

// UnmarshalText implements the encoding.TextUnmarshaler interface.
func (td *TimeDuration) UnmarshalText(text []byte) error {
	return td.unmarshal(string(text))
}

// UnmarshalJSON implements the json.Unmarshaler interface.
func (td *TimeDuration) UnmarshalJSON(data []byte) error {
	var text string
	if err := json.Unmarshal(data, &text); err != nil {
		return err
	}
	return td.unmarshal(text)
}

// UnmarshalYAML implements the yaml.Unmarshaler interface.
func (td *TimeDuration) UnmarshalYAML(value *yaml.Node) error {
	var text string
	if err := value.Decode(&text); err != nil {
		return err
	}
	return td.unmarshal(text)
}

func (td *TimeDuration) unmarshal(text string) error {
	if text == "" {
		*td = 0
		return nil
	}
	dur, err := time.ParseDuration(text)
	if err != nil {
		return err
	}
	*td = TimeDuration(dur)
	return nil
}

// MarshalText implements the encoding.TextMarshaler interface.
func (td TimeDuration) MarshalText() ([]byte, error) {
	return []byte(td.String()), nil
}

// MarshalJSON implements the json.Marshaler interface.
func (td TimeDuration) MarshalJSON() ([]byte, error) {
	return json.Marshal(td.String())
}

// MarshalYAML implements the yaml.Marshaler interface.
func (td TimeDuration) MarshalYAML() (interface{}, error) {
	return td.String(), nil
}

// ByteSize represents a size in bytes that can be parsed from strings like "256K" or "1M".
type ByteSize int

// String returns the human-readable string representation.
// Implements fmt.Stringer interface.
func (b ByteSize) String() string {
	return bytefmt.ByteSize(uint64(b))
}

// UnmarshalText implements the encoding.TextUnmarshaler interface.
func (b *ByteSize) UnmarshalText(text []byte) error {
	return b.unmarshal(string(text))
}

// UnmarshalJSON implements the json.Unmarshaler interface.
func (b *ByteSize) UnmarshalJSON(data []byte) error {
	var num int
	if err := json.Unmarshal(data, &num); err == nil {
		if num < 0 {
			return fmt.Errorf("negative byte size is not allowed: %d", num)
		}
		*b = ByteSize(num)
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	return b.unmarshal(s)
}

// UnmarshalYAML implements the yaml.Unmarshaler interface.
func (b *ByteSize) UnmarshalYAML(value *yaml.Node) error {
	var num int
	if err := value.Decode(&num); err == nil {
		if num < 0 {
			return fmt.Errorf("negative byte size is not allowed: %d", num)
		}
		*b = ByteSize(num)
		return nil
	}
	var s string
	if err := value.Decode(&s); err != nil {
		return fmt.Errorf("invalid byte size format: %v", value)
	}
	return b.unmarshal(s)
}

func (b *ByteSize) unmarshal(s string) error {
	if s == "" {
		*b = 0
		return nil
	}
	bs, err := bytefmt.ToBytes(s)
	if err != nil {
		return err
	}
	*b = ByteSize(bs)
	return nil
}

// MarshalText implements the encoding.TextMarshaler interface.
func (b ByteSize) MarshalText() ([]byte, error) {
	return []byte(b.String()), nil
}

// MarshalJSON implements the json.Marshaler interface.
func (b ByteSize) MarshalJSON() ([]byte, error) {
	return json.Marshal(b.String())
}

// MarshalYAML implements the yaml.Marshaler interface.
func (b ByteSize) MarshalYAML() (interface{}, error) {
	return b.String(), nil
}

// RetryAfterValue represents a structured retry-after value: "auto" (use the
// estimated time reported by the rate limiter), a fixed duration, or empty.
type RetryAfterValue struct {
	IsAuto   bool
	Duration time.Duration
}

const retryAfterAuto = "auto"

// String returns a string representation of the retry-after value.
// Implements fmt.Stringer interface.
func (ra RetryAfterValue) String() string {
	if ra.IsAuto {
		return retryAfterAuto
	}
	return ra.Duration.String()
}

// UnmarshalText implements the encoding.TextUnmarshaler interface.
func (ra *RetryAfterValue) UnmarshalText(text []byte) error {
	return ra.unmarshal(string(text))
}

// UnmarshalJSON implements the json.Unmarshaler interface.
func (ra *RetryAfterValue) UnmarshalJSON(data []byte) error {
	var text string
	if err := json.Unmarshal(data, &text); err != nil {
		return err
	}
	return ra.unmarshal(text)
}

// UnmarshalYAML implements the yaml.Unmarshaler interface.
func (ra *RetryAfterValue) UnmarshalYAML(value *yaml.Node) error {
	var text string
	if err := value.Decode(&text); err != nil {
		return err
	}
	return ra.unmarshal(text)
}

func (ra *RetryAfterValue) unmarshal(retryAfterVal string) error {
	switch v := retryAfterVal; v {
	case "":
		*ra = RetryAfterValue{}
	case retryAfterAuto:
		*ra = RetryAfterValue{IsAuto: true}
	default:
		dur, err := time.ParseDuration(v)
		if err != nil {
			return err
		}
		*ra = RetryAfterValue{Duration: dur}
	}
	return nil
}

// MarshalText implements the encoding.TextMarshaler interface.
func (ra RetryAfterValue) MarshalText() ([]byte, error) {
	return []byte(ra.String()), nil
}

// MarshalJSON implements the json.Marshaler interface.
func (ra RetryAfterValue) MarshalJSON() ([]byte, error) {
	return json.Marshal(ra.String())
}

// MarshalYAML implements the yaml.Marshaler interface.
func (ra RetryAfterValue) MarshalYAML() (interface{}, error) {
	return ra.String(), nil
}
