// Package storage - Storage-Fassade
//
// Dieses Modul enthaelt:
// - Storage: der oeffentliche Einstiegspunkt des Komponenten-Caches
//
// Storage verbindet den Tiered-Cache, den Decay-Cache, den rohen
// Datei-Cache und die klassen-spezifischen Builder hinter einer
// einzelnen Mutex. Alle exportierten Methoden sind nebenlaeufig sicher;
// die zurueckgegebenen Komponenten selbst sind es nicht.
package storage

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/latentd/latentd/envconfig"
	"github.com/latentd/latentd/lora"
	"github.com/latentd/latentd/ml"
)

var (
	// ErrUnknownComponent: der Name loest zu keiner Datei auf
	ErrUnknownComponent = errors.New("unknown component")

	// ErrMissingComponent: die Datei enthaelt die Klasse nicht
	ErrMissingComponent = errors.New("model does not contain component")
)

// Storage ist der Komponenten-Cache des Servers
type Storage struct {
	mu sync.Mutex

	source   Source
	builders map[Class]Builder

	dtype    ml.DType
	vaeDType ml.DType

	tiered *Tiered
	decay  *DecaySet

	// fileCache haelt rohe Gewichts-Mappings pro Datei-Pfad, damit
	// UNET/CLIP/VAE derselben Datei nur einen Lade-Vorgang kosten
	fileCache map[string]map[Class]map[string]*ml.Tensor
}

// New erstellt einen Storage mit expliziter Praezision. vaeDType
// erlaubt eine von den uebrigen Klassen unabhaengige VAE-Praezision.
func New(source Source, builders map[Class]Builder, dtype, vaeDType ml.DType) *Storage {
	return &Storage{
		source:    source,
		builders:  builders,
		dtype:     dtype,
		vaeDType:  vaeDType,
		tiered:    NewTiered(DefaultPolicies()),
		decay:     NewDecaySet(),
		fileCache: map[string]map[Class]map[string]*ml.Tensor{},
	}
}

// NewFromEnv erstellt einen Storage mit Praezision aus der Umgebung
// (LATENTD_PRECISION, LATENTD_VAE_PRECISION)
func NewFromEnv(source Source, builders map[Class]Builder) (*Storage, error) {
	dtype, err := ml.ParseDType(envconfig.Precision())
	if err != nil {
		return nil, fmt.Errorf("invalid precision: %w", err)
	}
	vaeDType, err := ml.ParseDType(envconfig.VAEPrecision())
	if err != nil {
		return nil, fmt.Errorf("invalid vae precision: %w", err)
	}
	return New(source, builders, dtype, vaeDType), nil
}

// SetPolicy ersetzt das Kapazitaets-Limit einer Klasse
func (s *Storage) SetPolicy(class Class, pol Policy) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tiered.policy[class] = pol
}

// dtypeFor gibt die Ziel-Praezision der Klasse zurueck
func (s *Storage) dtypeFor(class Class) ml.DType {
	if class == ClassVAE {
		return s.vaeDType
	}
	return s.dtype
}

// GetComponent gibt die Komponente resident auf device in der
// konfigurierten Praezision zurueck. Beim ersten Zugriff wird die
// Datei geladen und der Klassen-Builder aufgerufen; danach bedient
// der Residenz-Index.
func (s *Storage) GetComponent(name string, class Class, device ml.Device) (Component, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getComponent(name, class, device)
}

func (s *Storage) getComponent(name string, class Class, device ml.Device) (Component, error) {
	if c, ok := s.resident(class, name); ok {
		return s.move(c, name, class, device), nil
	}

	path, ok := s.source.Lookup(class, name)
	if !ok {
		return nil, fmt.Errorf("%w: %s %q", ErrUnknownComponent, class, name)
	}

	if _, ok := s.fileCache[path]; !ok {
		slog.Info("loading file", "path", path, "class", class)
		raw, err := s.source.Load(path)
		if err != nil {
			return nil, fmt.Errorf("load %s: %w", path, err)
		}
		s.fileCache[path] = raw
	}

	weights, ok := s.fileCache[path][class]
	if !ok {
		return nil, fmt.Errorf("%w: %s %q", ErrMissingComponent, class, name)
	}

	build, ok := s.builders[class]
	if !ok {
		return nil, fmt.Errorf("no builder for class %s", class)
	}

	c, err := build(name, weights, s.dtypeFor(class))
	if err != nil {
		return nil, fmt.Errorf("build %s %q: %w", class, name, err)
	}

	if decayClasses[class] {
		s.decay.Put(class, name, c)
	} else {
		s.tiered.Put(class, name, c)
	}
	return s.move(c, name, class, device), nil
}

// resident sucht den Namen in beiden Residenz-Indizes
func (s *Storage) resident(class Class, name string) (Component, bool) {
	if decayClasses[class] {
		return s.decay.Get(class, name)
	}
	return s.tiered.Get(class, name)
}

// move platziert eine residente Komponente auf ihrem Ziel-Tier. Bei
// einem Tier-Wechsel einer limitierten Klasse werden zuerst die
// Kapazitaets-Limits gegen die neue Platzierung durchgesetzt.
func (s *Storage) move(c Component, name string, class Class, device ml.Device) Component {
	dtype := s.dtypeFor(class)

	if c.Device() == device {
		c.To(device, dtype)
		return c
	}

	if s.tiered.Limited(class) {
		s.tiered.EnforceLimit(name, class, device)
	}

	c.To(device, dtype)
	return c
}

// GetUNET gibt das Diffusions-Rueckgrat zurueck
func (s *Storage) GetUNET(name string, device ml.Device) (Component, error) {
	return s.GetComponent(name, ClassUNET, device)
}

// GetCLIP gibt den Text-Encoder zurueck
func (s *Storage) GetCLIP(name string, device ml.Device) (Component, error) {
	return s.GetComponent(name, ClassCLIP, device)
}

// GetVAE gibt den Autoencoder zurueck
func (s *Storage) GetVAE(name string, device ml.Device) (Component, error) {
	return s.GetComponent(name, ClassVAE, device)
}

// GetUpscaler gibt das Super-Resolution-Modell zurueck
func (s *Storage) GetUpscaler(name string, device ml.Device) (Component, error) {
	return s.GetComponent(name, ClassSR, device)
}

// GetLoRA loest einen Kurznamen gegen die bekannten Adapter-Dateien
// auf und gibt den Adapter zurueck
func (s *Storage) GetLoRA(name string, device ml.Device) (Component, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getComponent(s.resolveShort(ClassLoRA, name), ClassLoRA, device)
}

// GetHypernetwork gibt das Hypernetzwerk zurueck
func (s *Storage) GetHypernetwork(name string, device ml.Device) (Component, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getComponent(s.resolveShort(ClassHN, name), ClassHN, device)
}

// GetControlNet gibt das Conditioning-Netz zurueck
func (s *Storage) GetControlNet(name string, device ml.Device) (Component, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getComponent(s.resolveShort(ClassCN, name), ClassCN, device)
}

// resolveShort erweitert einen Kurznamen ("style") zum vollen Namen
// ("LoRA/style.safetensors"), falls genau so eine Datei bekannt ist
func (s *Storage) resolveShort(class Class, name string) string {
	for _, full := range s.source.Names(class) {
		if strings.Contains(full, "/"+name+".") {
			return full
		}
	}
	return name
}

// EnforceNetworkLimit verdraengt alle Decay-Residenten der Klasse,
// die der abgeschlossene Request nicht benutzt hat
func (s *Storage) EnforceNetworkLimit(used []string, class Class) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.decay.Prune(class, used)
}

// ClearModified verwirft UNET- und CLIP-Residenten samt Datei-Cache.
// Statisch angeheftete Adapter mergen in diese Komponenten, danach
// muss von der Platte neu geladen werden.
func (s *Storage) ClearModified() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tiered.DropClass(ClassUNET)
	s.tiered.DropClass(ClassCLIP)
	s.fileCache = map[string]map[Class]map[string]*ml.Tensor{}
}

// ClearFileCache verwirft die rohen Gewichts-Mappings
func (s *Storage) ClearFileCache() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fileCache = map[string]map[Class]map[string]*ml.Tensor{}
}

// Reset verwirft alle Residenten und den Datei-Cache
func (s *Storage) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tiered.DropAll()
	s.decay.DropAll()
	s.fileCache = map[string]map[Class]map[string]*ml.Tensor{}
}

// LoadedNames gibt die Namen aller Residenten einer Klasse zurueck
func (s *Storage) LoadedNames(class Class) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if decayClasses[class] {
		return s.decay.Names(class)
	}
	return s.tiered.Names(class)
}

// NetworkBuilder baut Adapter-Netzwerke aus rohen Gewichts-Mappings.
// Fehlende Partner-Keys werden geloggt und uebersprungen, nicht fatal.
func NetworkBuilder(name string, weights map[string]*ml.Tensor, dtype ml.DType) (Component, error) {
	net, report, err := lora.BuildNetwork(name, weights)
	if err != nil {
		return nil, err
	}
	if len(report.Missing) > 0 {
		slog.Warn("network has incomplete layers", "name", name, "missing", len(report.Missing))
	}
	net.To(ml.CPU(), dtype)
	return net, nil
}
