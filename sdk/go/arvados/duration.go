// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package arvados

import (
	"encoding/json"
	"errors"
	"time"
)

var errDurationNotString = errors.New(`duration must be given as a string like "600s" or "1h30m"`)

// Duration is a time.Duration that is written as a string ("12s",
// "1h30m") in JSON and YAML config files.
type Duration time.Duration

func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if len(data) == 0 || data[0] != '"' {
		return errDurationNotString
	}
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	return d.Set(s)
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

// Set parses s as a Go duration string. It implements flag.Value.
func (d *Duration) Set(s string) error {
	dur, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(dur)
	return nil
}

func (d Duration) String() string {
	return time.Duration(d).String()
}

func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}
