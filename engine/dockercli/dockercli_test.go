// Copyright 2026 The Cordon Authors
// SPDX-License-Identifier: Apache-2.0

package dockercli

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/cordon-systems/cordon/engine"
)

func TestCreateArgs(t *testing.T) {
	spec := engine.ContainerSpec{
		Name:    "cordon-sb-1",
		Image:   "python:3.12-slim",
		Command: []string{"tail", "-f", "/dev/null"},
		WorkDir: "/workspace",
		Env:     map[string]string{"LANG": "C.UTF-8"},
		Labels: map[string]string{
			"cordon.agent_id":   "a1",
			"cordon.sandbox_id": "sb-1",
		},
		Binds: []engine.Bind{
			{HostPath: "/srv/agents/a1", ContainerPath: "/workspace"},
			{HostPath: "/srv/shared", ContainerPath: "/shared", ReadOnly: true},
		},
		Tmpfs:       map[string]string{"/tmp": "rw,size=64m"},
		MemoryMB:    512,
		CPUCores:    1.5,
		NetworkMode: "none",
	}

	got := strings.Join(createArgs(spec), " ")
	want := "create --name cordon-sb-1 --workdir /workspace --network none" +
		" --memory 512m --cpus 1.5 --env LANG=C.UTF-8" +
		" --label cordon.agent_id=a1 --label cordon.sandbox_id=sb-1" +
		" --volume /srv/agents/a1:/workspace --volume /srv/shared:/shared:ro" +
		" --tmpfs /tmp:rw,size=64m" +
		" python:3.12-slim tail -f /dev/null"
	if got != want {
		t.Fatalf("createArgs:\n got  %s\n want %s", got, want)
	}
}

func TestCreateArgsMinimal(t *testing.T) {
	got := strings.Join(createArgs(engine.ContainerSpec{Image: "alpine"}), " ")
	if got != "create alpine" {
		t.Fatalf("createArgs = %q, want %q", got, "create alpine")
	}
}

func TestParsePercent(t *testing.T) {
	got, err := parsePercent("1.23%")
	if err != nil || got != 1.23 {
		t.Fatalf("parsePercent = (%v, %v), want 1.23", got, err)
	}
	if _, err := parsePercent("lots"); err == nil {
		t.Fatal("parsePercent accepted garbage")
	}
}

func TestParseSize(t *testing.T) {
	cases := []struct {
		in   string
		want float64
	}{
		{"0B", 0},
		{"656kB", 656e3},
		{"12.5MiB", 12.5 * (1 << 20)},
		{"1.944GiB", 1.944 * (1 << 30)},
		{"2GB", 2e9},
	}
	for _, tc := range cases {
		got, err := parseSize(tc.in)
		if err != nil {
			t.Errorf("parseSize(%q): %v", tc.in, err)
			continue
		}
		if got != tc.want {
			t.Errorf("parseSize(%q) = %v, want %v", tc.in, got, tc.want)
		}
	}
	if _, err := parseSize("12.5 parsecs"); err == nil {
		t.Error("parseSize accepted an unknown unit")
	}
}

func TestParseSizePair(t *testing.T) {
	got, err := parseSizePair("512MiB / 1.944GiB")
	if err != nil || got != 512 {
		t.Fatalf("parseSizePair = (%v, %v), want 512", got, err)
	}
}

func TestParseNetIO(t *testing.T) {
	sent, recv, err := parseNetIO("656kB / 12MB")
	if err != nil {
		t.Fatalf("parseNetIO: %v", err)
	}
	if sent != 656000 || recv != 12000000 {
		t.Fatalf("parseNetIO = (%d, %d), want (656000, 12000000)", sent, recv)
	}
}

func TestStatsLineDecoding(t *testing.T) {
	line := `{"CPUPerc":"2.50%","MemUsage":"256MiB / 1GiB","NetIO":"1kB / 2kB"}`
	var decoded statsLine
	if err := json.Unmarshal([]byte(line), &decoded); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded.CPUPerc != "2.50%" || decoded.MemUsage != "256MiB / 1GiB" {
		t.Fatalf("decoded = %+v", decoded)
	}
}
