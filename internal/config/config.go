package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// DefaultPath is read when no --config is given.
const DefaultPath = "rotaryphone.yaml"

var (
	// ErrNoLines is returned when the configuration defines no line.
	ErrNoLines = errors.New("no lines configured")
)

// Config is the gateway configuration.
type Config struct {
	SIP         SIPConfig       `yaml:"sip"`
	RTPBasePort int             `yaml:"rtp_base_port"`
	Bluetooth   BluetoothConfig `yaml:"bluetooth"`
	Audio       AudioConfig     `yaml:"audio"`
	History     HistoryConfig   `yaml:"history"`
	HTTP        HTTPConfig      `yaml:"http"`
	Log         LogConfig       `yaml:"log"`
	Lines       []LineConfig    `yaml:"lines"`
}

// SIPConfig holds the SIP endpoint settings
type SIPConfig struct {
	ListenAddress    string `yaml:"listen_address"`
	Port             int    `yaml:"port"`
	AdvertiseAddress string `yaml:"advertise_address"` // auto-detected if empty or invalid
}

// BluetoothConfig selects the HFP adapter.
type BluetoothConfig struct {
	DeviceName    string `yaml:"device_name"`
	UseActualHFP  bool   `yaml:"use_actual_hfp"`
	Adapter       string `yaml:"adapter"` // auto | bluez | rfcomm | mock
	AdapterPath   string `yaml:"adapter_path"`
	RFCOMMDevice  string `yaml:"rfcomm_device"`
	CallIndicator int    `yaml:"call_indicator"`
}

// AudioConfig selects local audio devices.
type AudioConfig struct {
	UseActualBridge bool   `yaml:"use_actual_bridge"`
	FrameMS         int    `yaml:"frame_ms"`
	RotaryDevice    string `yaml:"rotary_device"`
	MobileDevice    string `yaml:"mobile_device"`
}

type HistoryConfig struct {
	Enabled    bool `yaml:"enabled"`
	MaxEntries int  `yaml:"max_entries"`
}

type HTTPConfig struct {
	Address string `yaml:"address"`
}

// LogConfig controls log level and the optional rotating log file.
type LogConfig struct {
	Level      string `yaml:"level"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

// LineConfig describes one rotary phone: its ATA and its paired phone.
type LineConfig struct {
	ID           string `yaml:"id"`
	Name         string `yaml:"name"`
	ATAIP        string `yaml:"ata_ip"`
	ATAExtension string `yaml:"ata_extension"`
	RTPPort      int    `yaml:"rtp_port"`
	BluetoothMAC string `yaml:"bluetooth_mac"`
}

// Default returns the configuration used when no file exists.
func Default() *Config {
	return &Config{
		SIP:         SIPConfig{ListenAddress: "0.0.0.0", Port: 5060},
		RTPBasePort: 49000,
		Bluetooth: BluetoothConfig{
			DeviceName:    "Rotary Phone",
			Adapter:       "auto",
			RFCOMMDevice:  "/dev/rfcomm0",
			CallIndicator: 1,
		},
		Audio:   AudioConfig{FrameMS: 20},
		History: HistoryConfig{Enabled: true, MaxEntries: 100},
		HTTP:    HTTPConfig{Address: "0.0.0.0:8080"},
		Log:     LogConfig{Level: "info", MaxSizeMB: 10, MaxBackups: 3, MaxAgeDays: 28},
		Lines: []LineConfig{{
			ID:           "default",
			Name:         "Rotary Phone",
			ATAIP:        "192.168.1.10",
			ATAExtension: "1000",
		}},
	}
}

// Load reads path over the defaults, applies environment overrides and
// validates the result. A missing file at the default path is not an error.
func Load(path string) (*Config, error) {
	cfg := Default()

	explicit := path != ""
	if !explicit {
		path = DefaultPath
	}

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		// a file with lines replaces the default line
		cfg.Lines = nil
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	case errors.Is(err, os.ErrNotExist) && !explicit:
	default:
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg.ApplyEnv(os.Getenv)
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overrides settings from environment variables.
func (c *Config) ApplyEnv(getenv func(string) string) {
	if port := getenv("PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			c.SIP.Port = p
		}
	}
	if bind := getenv("BIND"); bind != "" {
		c.SIP.ListenAddress = bind
	}
	if advertise := getenv("ADVERTISE"); advertise != "" {
		c.SIP.AdvertiseAddress = advertise
	}
	if loglevel := getenv("LOGLEVEL"); loglevel != "" {
		c.Log.Level = loglevel
	}
	if httpAddr := getenv("HTTP_ADDR"); httpAddr != "" {
		c.HTTP.Address = httpAddr
	}
	if base := getenv("RTP_BASE_PORT"); base != "" {
		if p, err := strconv.Atoi(base); err == nil {
			c.RTPBasePort = p
		}
	}
	if v := getenv("USE_ACTUAL_HFP"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Bluetooth.UseActualHFP = b
		}
	}
	if v := getenv("USE_ACTUAL_BRIDGE"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Audio.UseActualBridge = b
		}
	}
}

func (c *Config) applyDefaults() {
	if c.SIP.ListenAddress == "" {
		c.SIP.ListenAddress = "0.0.0.0"
	}
	if c.SIP.Port == 0 {
		c.SIP.Port = 5060
	}
	// Validate and fallback to auto-detection if invalid
	if c.SIP.AdvertiseAddress == "" || !isValidAddress(c.SIP.AdvertiseAddress) {
		c.SIP.AdvertiseAddress = getPrimaryInterfaceIP()
	}
	if c.RTPBasePort == 0 {
		c.RTPBasePort = 49000
	}
	if c.Bluetooth.DeviceName == "" {
		c.Bluetooth.DeviceName = "Rotary Phone"
	}
	if c.Bluetooth.Adapter == "" {
		c.Bluetooth.Adapter = "auto"
	}
	if c.Bluetooth.CallIndicator == 0 {
		c.Bluetooth.CallIndicator = 1
	}
	if c.Audio.FrameMS == 0 {
		c.Audio.FrameMS = 20
	}
	if c.HTTP.Address == "" {
		c.HTTP.Address = "0.0.0.0:8080"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	for i := range c.Lines {
		l := &c.Lines[i]
		if l.Name == "" {
			l.Name = l.ID
		}
		if l.RTPPort == 0 {
			l.RTPPort = c.RTPBasePort + 2*i
		}
	}
}

// Validate checks the configuration for errors that would stop a line.
func (c *Config) Validate() error {
	var errs []error
	if len(c.Lines) == 0 {
		errs = append(errs, ErrNoLines)
	}
	if !validPort(c.SIP.Port) {
		errs = append(errs, fmt.Errorf("sip.port %d out of range", c.SIP.Port))
	}
	if c.History.Enabled && c.History.MaxEntries <= 0 {
		errs = append(errs, fmt.Errorf("history.max_entries must be positive, got %d", c.History.MaxEntries))
	}
	// the ATA leg is PCMU at a fixed 20ms packetization
	if c.Audio.FrameMS != 20 {
		errs = append(errs, fmt.Errorf("audio.frame_ms %d not supported, only 20", c.Audio.FrameMS))
	}
	switch strings.ToLower(c.Bluetooth.Adapter) {
	case "auto", "bluez", "rfcomm", "mock":
	default:
		errs = append(errs, fmt.Errorf("bluetooth.adapter %q is not one of auto, bluez, rfcomm, mock", c.Bluetooth.Adapter))
	}

	ids := make(map[string]bool)
	ports := make(map[int]string)
	for i, l := range c.Lines {
		name := l.ID
		if name == "" {
			name = fmt.Sprintf("#%d", i)
			errs = append(errs, fmt.Errorf("line %s: id is required", name))
		} else if ids[l.ID] {
			errs = append(errs, fmt.Errorf("line %s: duplicate id", name))
		}
		ids[l.ID] = true

		if net.ParseIP(l.ATAIP) == nil {
			errs = append(errs, fmt.Errorf("line %s: ata_ip %q is not an IP address", name, l.ATAIP))
		}
		if strings.TrimSpace(l.ATAExtension) == "" {
			errs = append(errs, fmt.Errorf("line %s: ata_extension is required", name))
		}
		if !validPort(l.RTPPort) {
			errs = append(errs, fmt.Errorf("line %s: rtp_port %d out of range", name, l.RTPPort))
		} else if other, ok := ports[l.RTPPort]; ok {
			errs = append(errs, fmt.Errorf("line %s: rtp_port %d already used by line %s", name, l.RTPPort, other))
		} else {
			ports[l.RTPPort] = name
		}
	}
	return errors.Join(errs...)
}

// Line returns the line with id.
func (c *Config) Line(id string) (LineConfig, bool) {
	for _, l := range c.Lines {
		if l.ID == id {
			return l, true
		}
	}
	return LineConfig{}, false
}

func validPort(p int) bool {
	return p > 0 && p <= 65535
}

// isValidAddress checks if the address is a valid IP or resolvable hostname
func isValidAddress(addr string) bool {
	if ip := net.ParseIP(addr); ip != nil {
		return true
	}
	if ips, err := net.LookupIP(addr); err == nil && len(ips) > 0 {
		return true
	}
	return false
}

// getPrimaryInterfaceIP detects the primary network interface IP address
func getPrimaryInterfaceIP() string {
	interfaces, err := net.Interfaces()
	if err != nil {
		return "127.0.0.1"
	}

	for _, iface := range interfaces {
		if iface.Flags&net.FlagLoopback != 0 || iface.Flags&net.FlagUp == 0 {
			continue
		}

		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}

		for _, addr := range addrs {
			if ipnet, ok := addr.(*net.IPNet); ok && ipnet.IP.To4() != nil {
				return ipnet.IP.String()
			}
		}
	}

	return "127.0.0.1"
}
