package config

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// Duration is a time.Duration that decodes from text such as "1500ms" or
// "5s". A bare integer is read as seconds.
type Duration time.Duration

func (d *Duration) UnmarshalText(text []byte) error {
	s := string(text)
	if secs, err := strconv.ParseInt(s, 10, 64); err == nil {
		if secs < 0 {
			return fmt.Errorf("duration cannot be negative: %s", s)
		}
		*d = Duration(time.Duration(secs) * time.Second)
		return nil
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	if parsed < 0 {
		return fmt.Errorf("duration cannot be negative: %s", s)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration().String()), nil
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.Duration().String())
}

// Duration returns the underlying time.Duration.
func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

const redactedMarker = "[REDACTED]"

// Secret holds a credential such as the backend token. Every printing and
// encoding path shows a marker instead of the value; call Value or Header
// to use it.
type Secret string

func (s Secret) redacted() string {
	if s == "" {
		return ""
	}
	return redactedMarker
}

func (s Secret) String() string { return s.redacted() }

func (s Secret) GoString() string {
	return "config.Secret(" + redactedMarker + ")"
}

// Value returns the secret itself.
func (s Secret) Value() string {
	return string(s)
}

// Header returns the Authorization header value carrying the secret as a
// bearer token, or "" when unset.
func (s Secret) Header() string {
	if s == "" {
		return ""
	}
	return "Bearer " + string(s)
}

// IsSet reports whether the secret is non-empty.
func (s Secret) IsSet() bool {
	return s != ""
}

func (s Secret) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.redacted())
}

func (s Secret) MarshalText() ([]byte, error) {
	return []byte(s.redacted()), nil
}

func (s *Secret) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*s = Secret(raw)
	return nil
}

func (s *Secret) UnmarshalText(text []byte) error {
	*s = Secret(text)
	return nil
}
