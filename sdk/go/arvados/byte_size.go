// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package arvados

import (
	"encoding/json"
	"fmt"
	"math"

	"github.com/dustin/go-humanize"
)

// ByteSize is a number of bytes. In JSON/YAML it can be given either
// as a number or as a string like "256MiB" or "2 GB".
type ByteSize int64

func (n *ByteSize) UnmarshalJSON(data []byte) error {
	if len(data) == 0 || data[0] != '"' {
		var i int64
		err := json.Unmarshal(data, &i)
		if err != nil {
			return err
		}
		*n = ByteSize(i)
		return nil
	}
	var s string
	err := json.Unmarshal(data, &s)
	if err != nil {
		return err
	}
	v, err := humanize.ParseBytes(s)
	if err != nil {
		return fmt.Errorf("invalid byte size %q: %w", s, err)
	}
	if v > math.MaxInt64 {
		return fmt.Errorf("byte size %q overflows int64", s)
	}
	*n = ByteSize(v)
	return nil
}

func (n ByteSize) String() string {
	if n < 0 {
		return fmt.Sprintf("%d", int64(n))
	}
	return humanize.IBytes(uint64(n))
}
