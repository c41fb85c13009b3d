package config

import (
	"fmt"
	"os"
	"path/filepath"

	"creditgen-go/internal/models"

	"gopkg.in/yaml.v2"
)

// Provider names accepted in the kind catalog
const (
	ProviderQueue  = "queue"
	ProviderGemini = "gemini"
)

type kindsFile struct {
	Kinds []models.KindConfig `yaml:"kinds"`
}

// LoadKinds reads the media kind catalog. Relative paths resolve against the
// working directory.
func LoadKinds(kindsPath string) ([]models.KindConfig, error) {
	path := kindsPath
	if !filepath.IsAbs(path) {
		wd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("failed to get working directory: %w", err)
		}
		path = filepath.Join(wd, kindsPath)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("unable to read %s: %w", kindsPath, err)
	}
	return ParseKinds(data)
}

// ParseKinds validates a catalog document.
func ParseKinds(data []byte) ([]models.KindConfig, error) {
	var doc kindsFile
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("unable to parse kinds catalog: %w", err)
	}
	if len(doc.Kinds) == 0 {
		return nil, fmt.Errorf("kinds catalog is empty")
	}

	seen := make(map[models.MediaKind]bool, len(doc.Kinds))
	for i, k := range doc.Kinds {
		if !k.Kind.Valid() {
			return nil, fmt.Errorf("kind at index %d has unknown kind %q", i, k.Kind)
		}
		if seen[k.Kind] {
			return nil, fmt.Errorf("kind %q declared more than once", k.Kind)
		}
		seen[k.Kind] = true
		if k.Cost <= 0 {
			return nil, fmt.Errorf("kind %q must have a positive cost, got %d", k.Kind, k.Cost)
		}
		switch k.Provider {
		case ProviderQueue, ProviderGemini:
		case "":
			return nil, fmt.Errorf("kind %q missing provider", k.Kind)
		default:
			return nil, fmt.Errorf("kind %q has unknown provider %q", k.Kind, k.Provider)
		}
		if k.Provider == ProviderQueue && k.Model == "" {
			return nil, fmt.Errorf("kind %q missing model", k.Kind)
		}
	}
	return doc.Kinds, nil
}
