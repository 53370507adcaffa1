// config_utils.go - Utility-Funktionen und Export fuer Konfiguration
//
// Dieses Modul enthaelt:
// - BoolWithDefault/Bool: Boolean-Getter mit Default-Wert
// - String: String-Getter
// - Uint: Integer-Getter mit Default-Wert
// - EnvVar: Struktur fuer Environment-Variablen-Info
// - AsMap: Gibt alle Konfigurationen als Map zurueck
// - Values: Gibt alle Konfigurationswerte als String-Map zurueck
package envconfig

import (
	"fmt"
	"log/slog"
	"strconv"
)

// BoolWithDefault gibt eine Funktion zurueck, die einen Bool mit Default-Wert liest
func BoolWithDefault(k string) func(defaultValue bool) bool {
	return func(defaultValue bool) bool {
		if s := Var(k); s != "" {
			b, err := strconv.ParseBool(s)
			if err != nil {
				return true
			}
			return b
		}
		return defaultValue
	}
}

// Bool gibt eine Funktion zurueck, die einen Bool liest (Default: false)
func Bool(k string) func() bool {
	withDefault := BoolWithDefault(k)
	return func() bool {
		return withDefault(false)
	}
}

// String gibt eine Funktion zurueck, die einen String liest
func String(s string) func() string {
	return func() string {
		return Var(s)
	}
}

// Uint gibt eine Funktion zurueck, die einen uint mit Default-Wert liest
func Uint(key string, defaultValue uint) func() uint {
	return func() uint {
		if s := Var(key); s != "" {
			if n, err := strconv.ParseUint(s, 10, 64); err != nil {
				slog.Warn("invalid environment variable, using default", "key", key, "value", s, "default", defaultValue)
			} else {
				return uint(n)
			}
		}
		return defaultValue
	}
}

// EnvVar repraesentiert eine Environment-Variable mit Metadaten
type EnvVar struct {
	Name        string
	Value       any
	Description string
}

// AsMap gibt alle Konfigurationen als Map zurueck
// Enthaelt Namen, aktuelle Werte und Beschreibungen
func AsMap() map[string]EnvVar {
	return map[string]EnvVar{
		"LATENTD_DEBUG":           {"LATENTD_DEBUG", LogLevel(), "Show additional debug information (e.g. LATENTD_DEBUG=1)"},
		"LATENTD_MODELS":          {"LATENTD_MODELS", Models(), "The path to the models directory"},
		"LATENTD_PRECISION":       {"LATENTD_PRECISION", Precision(), "Storage precision for model components (default: float16)"},
		"LATENTD_VAE_PRECISION":   {"LATENTD_VAE_PRECISION", VAEPrecision(), "Storage precision for the VAE (default: float32)"},
		"LATENTD_STATIC_NETWORKS": {"LATENTD_STATIC_NETWORKS", StaticNetworks(), "Merge adapter networks into their host models"},
		"LATENTD_SVD_DEVICE":      {"LATENTD_SVD_DEVICE", SVDDevice(), "Accelerator index for large factorizations"},

		"LATENTD_DECOMPOSITION_CACHE": {"LATENTD_DECOMPOSITION_CACHE", DecompositionCache(), "Directory for persisted factorizations (empty: no cache)"},
	}
}

// Values gibt alle Konfigurationswerte als String-Map zurueck
func Values() map[string]string {
	vals := make(map[string]string)
	for k, v := range AsMap() {
		vals[k] = fmt.Sprintf("%v", v.Value)
	}
	return vals
}
