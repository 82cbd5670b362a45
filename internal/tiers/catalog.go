package tiers

import (
	"errors"
	"fmt"
	"os"
	"sort"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"pollen_ledger/internal/models"
)

// Definition describes one tier's entitlement and how it maps onto the
// subscription platform's products.
type Definition struct {
	Tier           models.Tier
	DailyAllowance decimal.Decimal
	Paid           bool
	// ProductIDs maps a platform environment (production, sandbox) to the
	// product that represents this tier there.
	ProductIDs map[string]string
}

// Catalog is the immutable set of tier definitions in effect.
type Catalog struct {
	defs map[models.Tier]Definition
}

type catalogFile struct {
	Tiers []struct {
		Name           string            `yaml:"name"`
		DailyAllowance string            `yaml:"daily_allowance"`
		Paid           bool              `yaml:"paid"`
		Products       map[string]string `yaml:"products"`
	} `yaml:"tiers"`
}

// DefaultCatalog returns the built-in definitions. Product IDs are empty;
// they are deployment specific and come from a catalogue file.
func DefaultCatalog() *Catalog {
	return &Catalog{defs: map[models.Tier]Definition{
		models.TierMicrobe: {Tier: models.TierMicrobe, DailyAllowance: decimal.Zero},
		models.TierSpore:   {Tier: models.TierSpore, DailyAllowance: decimal.NewFromInt(1)},
		models.TierSeed:    {Tier: models.TierSeed, DailyAllowance: decimal.NewFromInt(3)},
		models.TierFlower:  {Tier: models.TierFlower, DailyAllowance: decimal.NewFromInt(10), Paid: true},
		models.TierNectar:  {Tier: models.TierNectar, DailyAllowance: decimal.NewFromInt(20), Paid: true},
	}}
}

// LoadCatalog reads a YAML catalogue from path. An empty path yields the
// built-in catalogue.
func LoadCatalog(path string) (*Catalog, error) {
	if path == "" {
		return DefaultCatalog(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read tier catalogue: %w", err)
	}
	return ParseCatalog(data)
}

// ParseCatalog parses a YAML catalogue. Tiers missing from the file keep
// their built-in definition; unknown tier names are rejected.
func ParseCatalog(data []byte) (*Catalog, error) {
	var file catalogFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse tier catalogue: %w", err)
	}

	catalog := DefaultCatalog()
	seen := make(map[models.Tier]bool)
	for _, entry := range file.Tiers {
		tier, err := models.ParseTier(entry.Name)
		if err != nil {
			return nil, err
		}
		if seen[tier] {
			return nil, fmt.Errorf("tier %q defined twice", tier)
		}
		seen[tier] = true

		def := catalog.defs[tier]
		if entry.DailyAllowance != "" {
			allowance, err := decimal.NewFromString(entry.DailyAllowance)
			if err != nil {
				return nil, fmt.Errorf("tier %q: invalid daily_allowance: %w", tier, err)
			}
			if allowance.IsNegative() {
				return nil, fmt.Errorf("tier %q: daily_allowance must not be negative", tier)
			}
			def.DailyAllowance = allowance
		}
		def.Paid = entry.Paid
		def.ProductIDs = entry.Products
		catalog.defs[tier] = def
	}

	if err := catalog.validateProducts(); err != nil {
		return nil, err
	}
	return catalog, nil
}

func (c *Catalog) validateProducts() error {
	owners := make(map[string]models.Tier)
	for _, def := range c.defs {
		for env, product := range def.ProductIDs {
			key := env + "/" + product
			if owner, ok := owners[key]; ok {
				return fmt.Errorf("product %q in %s mapped to both %q and %q", product, env, owner, def.Tier)
			}
			owners[key] = def.Tier
		}
	}
	return nil
}

// ErrNoProduct is returned when a tier has no platform product in the
// requested environment.
var ErrNoProduct = errors.New("tier has no product in this environment")

// Definition returns the definition for t.
func (c *Catalog) Definition(t models.Tier) (Definition, error) {
	def, ok := c.defs[t]
	if !ok {
		return Definition{}, fmt.Errorf("%w: %q", models.ErrUnknownTier, string(t))
	}
	return def, nil
}

// Allowance returns the daily allowance for t, zero for unknown tiers.
func (c *Catalog) Allowance(t models.Tier) decimal.Decimal {
	return c.defs[t].DailyAllowance
}

// Allowances returns every tier's allowance in ascending rank order.
func (c *Catalog) Allowances() ([]models.Tier, []decimal.Decimal) {
	tiers := models.AllTiers()
	amounts := make([]decimal.Decimal, len(tiers))
	for i, t := range tiers {
		amounts[i] = c.defs[t].DailyAllowance
	}
	return tiers, amounts
}

// PaidTiers returns tiers backed by a paid subscription, ascending.
func (c *Catalog) PaidTiers() []models.Tier {
	var paid []models.Tier
	for _, def := range c.defs {
		if def.Paid {
			paid = append(paid, def.Tier)
		}
	}
	sort.Slice(paid, func(i, j int) bool { return paid[i].Rank() < paid[j].Rank() })
	return paid
}

// ProductID returns the platform product representing t in env.
func (c *Catalog) ProductID(t models.Tier, env string) (string, error) {
	product := c.defs[t].ProductIDs[env]
	if product == "" {
		return "", fmt.Errorf("%w: %s/%s", ErrNoProduct, t, env)
	}
	return product, nil
}

// TierForProduct is the reverse of ProductID.
func (c *Catalog) TierForProduct(productID, env string) (models.Tier, bool) {
	for _, def := range c.defs {
		if productID != "" && def.ProductIDs[env] == productID {
			return def.Tier, true
		}
	}
	return "", false
}
