package config

import (
	"fmt"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/Priya8975/promo-dispatch/internal/domain"
)

// CatalogSeed is reference data loaded at start-up for the memory store and
// local development.
type CatalogSeed struct {
	Products []domain.Product `json:"products"`
	Contacts []domain.Contact `json:"contacts"`
}

// LoadCatalogSeed reads a YAML file with products and contacts lists. Field
// names follow the JSON API (id, name, price, landing_url, phone, kakao_id).
func LoadCatalogSeed(path string) (*CatalogSeed, error) {
	k := koanf.New(".")
	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("loading catalog seed %s: %w", path, err)
	}

	var seed CatalogSeed
	if err := k.UnmarshalWithConf("", &seed, koanf.UnmarshalConf{Tag: "json"}); err != nil {
		return nil, fmt.Errorf("decoding catalog seed: %w", err)
	}

	for i, p := range seed.Products {
		if p.ID == "" {
			return nil, fmt.Errorf("catalog seed: product %d has no id", i)
		}
	}
	for i, c := range seed.Contacts {
		if c.ID == "" {
			return nil, fmt.Errorf("catalog seed: contact %d has no id", i)
		}
	}
	return &seed, nil
}
