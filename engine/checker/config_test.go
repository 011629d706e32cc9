package checker

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func cadenceConfig() ServiceConfig {
	return ServiceConfig{
		Name:         "notes",
		ServiceID:    3,
		NumPayloads:  4,
		FlagsPerTick: 2,
		Cadence: []CadenceRule{
			{Payloads: []int{3}, Every: 1},
			{Payloads: []int{0, 1, 2}, Every: 3},
		},
	}
}

// TestCadenceSchedule verifies payload type 3 every tick and types 0-2 every third tick
func TestCadenceSchedule(t *testing.T) {
	cfg := cadenceConfig()
	cfg.Configure()
	require.NoError(t, cfg.Validate())

	want := map[int][]int{
		0: {0, 1, 2, 3},
		1: {3},
		2: {3},
		3: {0, 1, 2, 3},
		4: {3},
		5: {3},
	}
	got := map[int][]int{}
	for tick := 0; tick <= 5; tick++ {
		got[tick] = cfg.Payloads(tick)
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("cadence mismatch (-want +got):\n%s", diff)
	}
	assert.InDelta(t, 2.0, cfg.AverageFlagsPerTick(), 1e-9)
}

func TestCadenceNegativeTicksAndOffset(t *testing.T) {
	cfg := ServiceConfig{
		Name:        "bank",
		NumPayloads: 2,
		Cadence: []CadenceRule{
			{Payloads: []int{0}, Every: 2, Offset: 1},
			{Payloads: []int{1}, Every: 2},
		},
	}
	cfg.Configure()
	assert.Equal(t, []int{1}, cfg.Payloads(-2))
	assert.Equal(t, []int{0}, cfg.Payloads(-1))
	assert.Equal(t, []int{1}, cfg.Payloads(0))
	assert.Equal(t, []int{0}, cfg.Payloads(1))
	assert.InDelta(t, 1.0, cfg.FlagsPerTick, 1e-9, "flags_per_tick defaults to the cadence average")
}

func TestDefaultCadence(t *testing.T) {
	cfg := ServiceConfig{Name: "plain"}
	cfg.Configure()
	assert.Equal(t, 1, cfg.NumPayloads)
	assert.Equal(t, []int{0}, cfg.Payloads(7))

	cfg = ServiceConfig{Name: "multi", NumPayloads: 3}
	cfg.Configure()
	assert.Equal(t, []int{0, 1, 2}, cfg.Payloads(-4))
	assert.InDelta(t, 3.0, cfg.FlagsPerTick, 1e-9)
}

// TestPropertyCadenceIdempotentConfigure verifies Configure can run repeatedly
func TestPropertyCadenceIdempotentConfigure(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		every := rapid.IntRange(0, 6).Draw(t, "every")
		offset := rapid.IntRange(-6, 6).Draw(t, "offset")
		tick := rapid.IntRange(-100, 100).Draw(t, "tick")

		cfg := ServiceConfig{
			Name:        "svc",
			NumPayloads: 2,
			Cadence:     []CadenceRule{{Payloads: []int{1, 0}, Every: every, Offset: offset}},
		}
		cfg.Configure()
		first := cfg
		cfg.Configure()
		assert.Equal(t, first, cfg)

		got := cfg.Payloads(tick)
		if len(got) > 0 {
			assert.Equal(t, []int{0, 1}, got, "payloads are sorted")
		}
	})
}

func TestServiceConfigValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(c *ServiceConfig)
		valid  bool
	}{
		{name: "valid", modify: func(c *ServiceConfig) {}, valid: true},
		{name: "missing name", modify: func(c *ServiceConfig) { c.Name = "" }},
		{name: "service id too large", modify: func(c *ServiceConfig) { c.ServiceID = 70000 }},
		{name: "bad flag id kind", modify: func(c *ServiceConfig) { c.FlagIDs = []string{"uuid"} }},
		{name: "flag id with comma", modify: func(c *ServiceConfig) { c.FlagIDs = []string{"hex8,hex4"} }},
		{name: "good flag ids", modify: func(c *ServiceConfig) { c.FlagIDs = []string{"username", "hex12", "custom"} }, valid: true},
		{name: "bad port", modify: func(c *ServiceConfig) { c.Ports = []string{"tcp:http"} }},
		{name: "port out of range", modify: func(c *ServiceConfig) { c.Ports = []string{"tcp:70000"} }},
		{name: "udp port", modify: func(c *ServiceConfig) { c.Ports = []string{"udp:53"} }, valid: true},
		{name: "payload beyond range", modify: func(c *ServiceConfig) { c.Cadence[0].Payloads = []int{4} }},
		{name: "average mismatch", modify: func(c *ServiceConfig) { c.FlagsPerTick = 1.5 }},
		{name: "empty cadence rule", modify: func(c *ServiceConfig) { c.Cadence[1].Payloads = nil }},
		{name: "every too large", modify: func(c *ServiceConfig) { c.Cadence[1].Every = 1_000_003 }},
		{name: "cadence period too long", modify: func(c *ServiceConfig) {
			c.Cadence = []CadenceRule{{Payloads: []int{0}, Every: 997}, {Payloads: []int{1}, Every: 991}, {Payloads: []int{2}, Every: 983}}
			c.FlagsPerTick = 0
		}},
		{name: "name without slug", modify: func(c *ServiceConfig) { c.Name = "!!!" }},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := cadenceConfig()
			tc.modify(&cfg)
			cfg.Configure()
			err := cfg.Validate()
			if tc.valid {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}

func TestAverageFlagsPerTickBounded(t *testing.T) {
	cfg := ServiceConfig{Name: "slow", NumPayloads: 3, Cadence: []CadenceRule{
		{Payloads: []int{0}, Every: 997},
		{Payloads: []int{1}, Every: 991},
		{Payloads: []int{2}, Every: 1000},
	}}
	done := make(chan float64, 1)
	go func() { done <- cfg.AverageFlagsPerTick() }()
	select {
	case avg := <-done:
		assert.Greater(t, avg, 0.0)
	case <-time.After(5 * time.Second):
		t.Fatal("average over a huge cadence period did not finish")
	}
}

func TestOptionsAndPorts(t *testing.T) {
	cfg := ServiceConfig{
		Name:  "ftp",
		Ports: []string{"udp:69", "tcp:2121"},
		Options: map[string]any{
			"user":    "anonymous",
			"retries": int64(3),
			"ratio":   0.5,
			"tls":     "true",
		},
	}
	assert.Equal(t, 2121, cfg.Port("tcp", 21))
	assert.Equal(t, 69, cfg.Port("udp", 0))
	assert.Equal(t, 443, cfg.Port("sctp", 443))
	assert.Equal(t, "anonymous", cfg.Option("user", ""))
	assert.Equal(t, "fallback", cfg.Option("missing", "fallback"))
	assert.Equal(t, 3, cfg.IntOption("retries", 0))
	assert.Equal(t, 9, cfg.IntOption("user", 9))
	assert.True(t, cfg.BoolOption("tls", false))
	assert.Equal(t, "ftp", cfg.CheckerName())
}

func TestLoadServiceConfig(t *testing.T) {
	dir := t.TempDir()
	tomlPath := filepath.Join(dir, "config.toml")
	require.NoError(t, os.WriteFile(tomlPath, []byte(`
name = "notes"
checker = "web"
service_id = 4
flag_ids = ["username"]
ports = ["tcp:8080"]
num_payloads = 4
flags_per_tick = 2.0

[[cadence]]
payloads = [3]

[[cadence]]
payloads = [0, 1, 2]
every = 3

[options]
path = "/notes"
`), 0o644))

	cfg, err := LoadServiceConfig(tomlPath)
	require.NoError(t, err)
	assert.Equal(t, "web", cfg.CheckerName())
	assert.Equal(t, 8080, cfg.Port("tcp", 0))
	assert.Equal(t, "/notes", cfg.Option("path", ""))
	assert.Equal(t, []int{0, 1, 2, 3}, cfg.Payloads(3))

	yamlPath := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(yamlPath, []byte(`
name: kv
service_id: 5
num_payloads: 2
flag_ids: [hex8, custom]
options:
  retries: 2
`), 0o644))
	cfg, err = LoadServiceConfig(yamlPath)
	require.NoError(t, err)
	assert.Equal(t, []string{"hex8", "custom"}, cfg.FlagIDs)
	assert.Equal(t, 2, cfg.IntOption("retries", 0))
	assert.InDelta(t, 2.0, cfg.FlagsPerTick, 1e-9)

	badPath := filepath.Join(dir, "bad.toml")
	require.NoError(t, os.WriteFile(badPath, []byte(`name = "x"
flag_ids = ["nope"]`), 0o644))
	_, err = LoadServiceConfig(badPath)
	assert.Error(t, err)
}
