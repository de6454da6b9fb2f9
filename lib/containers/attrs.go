// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package containers

import (
	"encoding/json"
	"fmt"
	"reflect"
	"sort"

	"git.arvados.org/crunchq.git/sdk/go/arvados"
)

// applyAttrs returns a copy of cur with the given attributes
// (keyed by JSON field name) replaced. Nested values are replaced
// wholesale, not merged.
func applyAttrs[T any](cur T, attrs map[string]interface{}) (T, error) {
	var next T
	fields, err := toFields(cur)
	if err != nil {
		return next, err
	}
	for k, v := range attrs {
		if _, ok := fields[k]; !ok {
			return next, arvados.Errorf(arvados.KindInvalidAttributes, "unknown attribute %q", k)
		}
		fields[k] = v
	}
	buf, err := json.Marshal(fields)
	if err != nil {
		return next, arvados.Errorf(arvados.KindInvalidAttributes, "%s", err)
	}
	if err := json.Unmarshal(buf, &next); err != nil {
		return next, arvados.Errorf(arvados.KindInvalidAttributes, "%s", err)
	}
	return next, nil
}

// changedFields returns the sorted JSON field names whose values
// differ between prev and next.
func changedFields[T any](prev, next T) ([]string, error) {
	a, err := toFields(prev)
	if err != nil {
		return nil, err
	}
	b, err := toFields(next)
	if err != nil {
		return nil, err
	}
	var changed []string
	for k, v := range b {
		if !reflect.DeepEqual(a[k], v) {
			changed = append(changed, k)
		}
	}
	for k := range a {
		if _, ok := b[k]; !ok {
			changed = append(changed, k)
		}
	}
	sort.Strings(changed)
	return changed, nil
}

// checkWhitelist returns IllegalFieldChange if any changed field is
// not in permitted.
func checkWhitelist(changed []string, permitted map[string]bool) error {
	for _, k := range changed {
		if !permitted[k] {
			return arvados.Errorf(arvados.KindIllegalFieldChange, "cannot modify %s", k)
		}
	}
	return nil
}

func toFields(v interface{}) (map[string]interface{}, error) {
	buf, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encoding %T: %w", v, err)
	}
	fields := map[string]interface{}{}
	if err := json.Unmarshal(buf, &fields); err != nil {
		return nil, fmt.Errorf("decoding %T: %w", v, err)
	}
	return fields, nil
}

func fieldSet(keys ...string) map[string]bool {
	m := make(map[string]bool, len(keys))
	for _, k := range keys {
		m[k] = true
	}
	return m
}
