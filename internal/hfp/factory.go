package hfp

import (
	"fmt"
	"log/slog"
	"strings"
)

// Variant names accepted by Config.Variant.
const (
	VariantAuto   = "auto"
	VariantBlueZ  = "bluez"
	VariantRFCOMM = "rfcomm"
	VariantMock   = "mock"
)

// Config selects and configures an adapter for one line.
type Config struct {
	Unit         UnitConfig
	UseActual    bool
	Variant      string
	DeviceName   string
	AdapterPath  string
	RFCOMMDevice string
	DeviceMAC    string
}

// New picks the adapter variant for the configuration and OS.
func New(cfg Config, goos string) (Adapter, error) {
	variant := strings.ToLower(strings.TrimSpace(cfg.Variant))
	if variant == "" {
		variant = VariantAuto
	}
	if !cfg.UseActual {
		variant = VariantMock
	}

	switch variant {
	case VariantMock:
		slog.Info("[HFP] Using mock adapter", "line", cfg.Unit.LineID, "use_actual_hfp", cfg.UseActual, "os", goos)
		return NewMock(cfg.Unit), nil
	case VariantRFCOMM:
		return NewRFCOMM(cfg.Unit, cfg.RFCOMMDevice, cfg.DeviceMAC), nil
	case VariantBlueZ:
		return NewBlueZ(cfg.Unit, cfg.DeviceName, cfg.AdapterPath), nil
	case VariantAuto:
		if goos == "linux" {
			return NewBlueZ(cfg.Unit, cfg.DeviceName, cfg.AdapterPath), nil
		}
		slog.Warn("[HFP] No native adapter for OS, using mock", "line", cfg.Unit.LineID, "os", goos)
		return NewMock(cfg.Unit), nil
	}
	return nil, fmt.Errorf("unknown bluetooth adapter %q", cfg.Variant)
}
