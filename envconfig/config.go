// config.go - Haupt-Konfigurationsfunktionen fuer latentd
//
// Dieses Modul enthaelt:
// - LogLevel: Gibt Log-Level zurueck (LATENTD_DEBUG)
// - Models: Gibt Model-Verzeichnis zurueck (LATENTD_MODELS)
// - Precision: Gibt Speicher-Praezision zurueck (LATENTD_PRECISION)
// - VAEPrecision: Gibt VAE-Praezision zurueck (LATENTD_VAE_PRECISION)
// - StaticNetworks: Gibt Static-Attach-Modus zurueck (LATENTD_STATIC_NETWORKS)
//
// Weitere Konfigurationen sind ausgelagert:
// - config_utils.go: Utility-Funktionen und AsMap/Values
package envconfig

import (
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// LogLevel gibt das Log-Level zurueck
// Konfigurierbar via LATENTD_DEBUG (bool oder Integer-Level)
func LogLevel() slog.Level {
	level := slog.LevelInfo
	if s := Var("LATENTD_DEBUG"); s != "" {
		if b, _ := strconv.ParseBool(s); b {
			level = slog.LevelDebug
		} else if i, _ := strconv.ParseInt(s, 10, 64); i != 0 {
			level = slog.Level(i * -4)
		}
	}

	return level
}

// Models gibt das Model-Verzeichnis zurueck
// Konfigurierbar via LATENTD_MODELS
// Default: $HOME/.latentd/models
func Models() string {
	if s := Var("LATENTD_MODELS"); s != "" {
		return s
	}

	home, err := os.UserHomeDir()
	if err != nil {
		panic(err)
	}

	return filepath.Join(home, ".latentd", "models")
}

// Precision gibt die Speicher-Praezision der Komponenten zurueck
// Konfigurierbar via LATENTD_PRECISION (float32, float16, bfloat16)
// Default: float16
func Precision() string {
	if s := Var("LATENTD_PRECISION"); s != "" {
		return s
	}
	return "float16"
}

// VAEPrecision gibt die Speicher-Praezision des VAE zurueck
// Konfigurierbar via LATENTD_VAE_PRECISION
// Default: LATENTD_PRECISION, sonst float32 (halbe Praezision ist
// fuer manche Autoencoder numerisch instabil)
func VAEPrecision() string {
	if s := Var("LATENTD_VAE_PRECISION"); s != "" {
		return s
	}
	if s := Var("LATENTD_PRECISION"); s != "" {
		return s
	}
	return "float32"
}

// StaticNetworks gibt zurueck ob Adapter statisch gemergt werden
// Konfigurierbar via LATENTD_STATIC_NETWORKS
var StaticNetworks = Bool("LATENTD_STATIC_NETWORKS")

// DecompositionCache gibt das Verzeichnis fuer persistierte
// Faktorisierungen zurueck (leer = kein Cache)
// Konfigurierbar via LATENTD_DECOMPOSITION_CACHE
var DecompositionCache = String("LATENTD_DECOMPOSITION_CACHE")

// SVDDevice gibt den bevorzugten Accelerator-Index fuer grosse
// Faktorisierungen zurueck
// Konfigurierbar via LATENTD_SVD_DEVICE
var SVDDevice = Uint("LATENTD_SVD_DEVICE", 0)

// Var gibt eine Environment-Variable zurueck
// Entfernt fuehrende/trailing Quotes und Leerzeichen
func Var(key string) string {
	return strings.Trim(strings.TrimSpace(os.Getenv(key)), "\"'")
}
