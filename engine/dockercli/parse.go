// Copyright 2026 The Cordon Authors
// SPDX-License-Identifier: Apache-2.0

package dockercli

import (
	"fmt"
	"iter"
	"sort"
	"strconv"
	"strings"
)

// sortedMap iterates a map in key order so generated CLI arguments
// are deterministic.
func sortedMap(m map[string]string) iter.Seq2[string, string] {
	keys := make([]string, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return func(yield func(string, string) bool) {
		for _, key := range keys {
			if !yield(key, m[key]) {
				return
			}
		}
	}
}

// parsePercent parses the CLI's "1.23%" form.
func parsePercent(s string) (float64, error) {
	value, err := strconv.ParseFloat(strings.TrimSuffix(strings.TrimSpace(s), "%"), 64)
	if err != nil {
		return 0, fmt.Errorf("bad percentage %q", s)
	}
	return value, nil
}

// sizeUnits maps the CLI's size suffixes to bytes. Docker mixes
// decimal (kB) and binary (KiB) units in the same output.
var sizeUnits = map[string]float64{
	"B":   1,
	"kB":  1e3,
	"KB":  1e3,
	"MB":  1e6,
	"GB":  1e9,
	"TB":  1e12,
	"KiB": 1 << 10,
	"MiB": 1 << 20,
	"GiB": 1 << 30,
	"TiB": 1 << 40,
}

// parseSize parses one size like "12.3MiB" into bytes.
func parseSize(s string) (float64, error) {
	s = strings.TrimSpace(s)
	split := len(s)
	for split > 0 && !isDigit(s[split-1]) {
		split--
	}
	if split == 0 {
		return 0, fmt.Errorf("bad size %q", s)
	}
	value, err := strconv.ParseFloat(s[:split], 64)
	if err != nil {
		return 0, fmt.Errorf("bad size %q", s)
	}
	unit, ok := sizeUnits[strings.TrimSpace(s[split:])]
	if !ok {
		return 0, fmt.Errorf("bad size unit in %q", s)
	}
	return value * unit, nil
}

func isDigit(b byte) bool {
	return (b >= '0' && b <= '9') || b == '.'
}

// parseSizePair parses "used / limit" and returns used in MB.
func parseSizePair(s string) (float64, error) {
	used, _, ok := strings.Cut(s, "/")
	if !ok {
		return 0, fmt.Errorf("bad size pair %q", s)
	}
	usedBytes, err := parseSize(used)
	if err != nil {
		return 0, err
	}
	return usedBytes / (1 << 20), nil
}

// parseNetIO parses "sent / received" into byte counts.
func parseNetIO(s string) (sent, recv uint64, err error) {
	left, right, ok := strings.Cut(s, "/")
	if !ok {
		return 0, 0, fmt.Errorf("bad net io %q", s)
	}
	sentBytes, err := parseSize(left)
	if err != nil {
		return 0, 0, err
	}
	recvBytes, err := parseSize(right)
	if err != nil {
		return 0, 0, err
	}
	return uint64(sentBytes), uint64(recvBytes), nil
}
