// Package catalog lists the institutions the app can connect to.
package catalog

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/spf13/viper"

	"momali/internal/domain/consent"
	"momali/internal/domain/openbanking"
)

type entry struct {
	ID           string `mapstructure:"id"`
	Name         string `mapstructure:"name"`
	AggregatorID string `mapstructure:"aggregator_id"`
	Enabled      bool   `mapstructure:"enabled"`
	Beta         bool   `mapstructure:"beta"`
}

// builtin is used when no catalog file is configured.
var builtin = []entry{
	{ID: "absa", Name: "Absa", AggregatorID: "za-absa", Enabled: true},
	{ID: "african-bank", Name: "African Bank", AggregatorID: "za-african-bank", Enabled: true},
	{ID: "bank-zero", Name: "Bank Zero", AggregatorID: "za-bank-zero", Enabled: true},
	{ID: "bidvest", Name: "Bidvest Bank", AggregatorID: "za-bidvest", Enabled: true},
	{ID: "capitec", Name: "Capitec", AggregatorID: "za-capitec", Enabled: true, Beta: true},
	{ID: "discovery", Name: "Discovery Bank", AggregatorID: "za-discovery", Enabled: true},
	{ID: "fnb", Name: "FNB", AggregatorID: "za-fnb", Enabled: true},
	{ID: "investec", Name: "Investec", AggregatorID: "za-investec", Enabled: true},
	{ID: "nedbank", Name: "Nedbank", AggregatorID: "za-nedbank", Enabled: true},
	{ID: "old-mutual", Name: "Old Mutual", AggregatorID: "za-old-mutual", Enabled: true},
	{ID: "sasfin", Name: "Sasfin", AggregatorID: "za-sasfin", Enabled: true},
	{ID: "standard-bank", Name: "Standard Bank", AggregatorID: "za-standard-bank", Enabled: true},
	{ID: "tymebank", Name: "TymeBank", AggregatorID: "za-tymebank", Enabled: true},
}

// Catalog is an immutable institution list.
type Catalog struct {
	byID map[string]consent.Institution
}

var _ consent.Institutions = (*Catalog)(nil)

// Load reads the catalog from path (YAML, TOML or JSON by extension). An
// empty path uses the built-in list. MOMALI_DISABLED_INSTITUTIONS takes a
// comma separated list of ids to switch off without editing the file.
func Load(path string) (*Catalog, error) {
	v := viper.New()
	v.SetEnvPrefix("MOMALI")
	v.AutomaticEnv()
	v.SetDefault("disabled_institutions", "")

	entries := builtin
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read institutions file: %w", err)
		}
		var file struct {
			Institutions []entry `mapstructure:"institutions"`
		}
		if err := v.Unmarshal(&file); err != nil {
			return nil, fmt.Errorf("unmarshal institutions: %w", err)
		}
		entries = file.Institutions
	}

	disabled := make(map[string]bool)
	for _, id := range strings.Split(v.GetString("disabled_institutions"), ",") {
		if id = strings.TrimSpace(id); id != "" {
			disabled[id] = true
		}
	}

	c := &Catalog{byID: make(map[string]consent.Institution, len(entries))}
	for _, e := range entries {
		if e.ID == "" || e.AggregatorID == "" {
			return nil, fmt.Errorf("institution %q is missing an id or aggregator id", e.Name)
		}
		if _, dup := c.byID[e.ID]; dup {
			return nil, fmt.Errorf("institution %q listed twice", e.ID)
		}
		c.byID[e.ID] = consent.Institution{
			ID:           e.ID,
			Name:         e.Name,
			AggregatorID: e.AggregatorID,
			Enabled:      e.Enabled && !disabled[e.ID],
			Beta:         e.Beta,
		}
	}
	return c, nil
}

// Lookup returns an enabled institution.
func (c *Catalog) Lookup(_ context.Context, id string) (*consent.Institution, error) {
	inst, ok := c.byID[id]
	if !ok || !inst.Enabled {
		return nil, fmt.Errorf("%w: %s", openbanking.ErrInstitutionUnavailable, id)
	}
	return &inst, nil
}

// List returns the enabled institutions ordered by name.
func (c *Catalog) List() []consent.Institution {
	out := make([]consent.Institution, 0, len(c.byID))
	for _, inst := range c.byID {
		if inst.Enabled {
			out = append(out, inst)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
