package config

import (
	"fmt"
	"time"
)

// Duration is a time.Duration written as "5s" or "1m30s" in YAML.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(unmarshal func(any) error) error {
	var s string
	err := unmarshal(&s)
	if err != nil {
		return err
	}

	duration, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("couldn't parse duration: %w", err)
	}
	if duration < 0 {
		return fmt.Errorf("duration %s is negative", s)
	}

	*d = Duration(duration)
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return d.Duration().String(), nil
}

func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

// Or returns def when d is zero.
func (d Duration) Or(def time.Duration) time.Duration {
	if d == 0 {
		return def
	}
	return d.Duration()
}
