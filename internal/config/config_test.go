package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "rotaryphone.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadFile(t *testing.T) {
	path := writeConfig(t, `
sip:
  port: 5070
  advertise_address: 127.0.0.1
rtp_base_port: 50000
bluetooth:
  use_actual_hfp: true
  adapter: rfcomm
history:
  enabled: true
  max_entries: 5
lines:
  - id: kitchen
    ata_ip: 192.168.1.10
    ata_extension: "1000"
  - id: study
    name: Study Phone
    ata_ip: 192.168.1.11
    ata_extension: "1001"
    rtp_port: 50010
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 5070, cfg.SIP.Port)
	assert.Equal(t, "0.0.0.0", cfg.SIP.ListenAddress)
	assert.Equal(t, "127.0.0.1", cfg.SIP.AdvertiseAddress)
	assert.True(t, cfg.Bluetooth.UseActualHFP)
	assert.Equal(t, "rfcomm", cfg.Bluetooth.Adapter)
	assert.Equal(t, 1, cfg.Bluetooth.CallIndicator)
	assert.Equal(t, 5, cfg.History.MaxEntries)

	require.Len(t, cfg.Lines, 2)
	assert.Equal(t, "kitchen", cfg.Lines[0].Name)
	assert.Equal(t, 50000, cfg.Lines[0].RTPPort)
	assert.Equal(t, 50010, cfg.Lines[1].RTPPort)

	l, ok := cfg.Line("study")
	require.True(t, ok)
	assert.Equal(t, "Study Phone", l.Name)
}

func TestLoadMissingDefaultFile(t *testing.T) {
	dir := t.TempDir()
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	defer func() { _ = os.Chdir(wd) }()

	cfg, err := Load("")
	require.NoError(t, err)
	require.Len(t, cfg.Lines, 1)
	assert.Equal(t, "default", cfg.Lines[0].ID)
	assert.Equal(t, 49000, cfg.Lines[0].RTPPort)
	assert.NotEmpty(t, cfg.SIP.AdvertiseAddress)
}

func TestLoadMissingExplicitFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestEnvOverrides(t *testing.T) {
	env := map[string]string{
		"PORT":              "5080",
		"BIND":              "127.0.0.1",
		"ADVERTISE":         "10.0.0.5",
		"LOGLEVEL":          "debug",
		"HTTP_ADDR":         ":9090",
		"RTP_BASE_PORT":     "40000",
		"USE_ACTUAL_HFP":    "true",
		"USE_ACTUAL_BRIDGE": "1",
	}
	cfg := Default()
	cfg.ApplyEnv(func(k string) string { return env[k] })

	assert.Equal(t, 5080, cfg.SIP.Port)
	assert.Equal(t, "127.0.0.1", cfg.SIP.ListenAddress)
	assert.Equal(t, "10.0.0.5", cfg.SIP.AdvertiseAddress)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, ":9090", cfg.HTTP.Address)
	assert.Equal(t, 40000, cfg.RTPBasePort)
	assert.True(t, cfg.Bluetooth.UseActualHFP)
	assert.True(t, cfg.Audio.UseActualBridge)

	// unparsable values are ignored
	cfg.ApplyEnv(func(k string) string {
		if k == "PORT" {
			return "abc"
		}
		return ""
	})
	assert.Equal(t, 5080, cfg.SIP.Port)
}

func TestValidate(t *testing.T) {
	cfg := Default()
	cfg.applyDefaults()
	require.NoError(t, cfg.Validate())

	cfg.Lines = nil
	assert.ErrorIs(t, cfg.Validate(), ErrNoLines)

	cfg = Default()
	cfg.Lines = []LineConfig{
		{ID: "a", ATAIP: "192.168.1.10", ATAExtension: "1000", RTPPort: 49000},
		{ID: "a", ATAIP: "not-an-ip", ATAExtension: "", RTPPort: 49000},
	}
	cfg.Bluetooth.Adapter = "winrt"
	cfg.History.MaxEntries = 0
	cfg.Audio.FrameMS = 30
	err := cfg.Validate()
	require.Error(t, err)
	for _, want := range []string{"duplicate id", "not an IP", "ata_extension", "already used", "bluetooth.adapter", "max_entries", "frame_ms"} {
		assert.Contains(t, err.Error(), want)
	}
}
