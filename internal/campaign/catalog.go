package campaign

import (
	"context"
	"fmt"
	"os"
	"sort"
	"sync"

	"github.com/pelletier/go-toml/v2"

	"EnrollDispatch/internal/dispatcherr"
	"EnrollDispatch/internal/models"
)

// Catalog resolves campaign definitions owned by the content side of the
// application.
type Catalog interface {
	Resolve(ctx context.Context, ref string) (*models.CampaignDefinition, error)
	Match(kind models.JobKind, source string) []models.CampaignDefinition
}

type MemoryCatalog struct {
	mu    sync.RWMutex
	byRef map[string]models.CampaignDefinition
	order []string
}

var _ Catalog = (*MemoryCatalog)(nil)

func NewMemoryCatalog(defs ...models.CampaignDefinition) (*MemoryCatalog, error) {
	c := &MemoryCatalog{byRef: make(map[string]models.CampaignDefinition)}
	for _, d := range defs {
		if err := c.Put(d); err != nil {
			return nil, err
		}
	}
	return c, nil
}

type catalogFile struct {
	Campaigns []models.CampaignDefinition `toml:"campaign"`
}

// LoadFile reads [[campaign]] tables from a TOML file.
func LoadFile(path string) (*MemoryCatalog, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: read campaigns file: %v", dispatcherr.ErrConfiguration, err)
	}
	return Parse(string(b))
}

func Parse(doc string) (*MemoryCatalog, error) {
	var f catalogFile
	if err := toml.Unmarshal([]byte(doc), &f); err != nil {
		return nil, fmt.Errorf("%w: decode campaigns: %v", dispatcherr.ErrConfiguration, err)
	}
	return NewMemoryCatalog(f.Campaigns...)
}

// Put adds or replaces a definition.
func (c *MemoryCatalog) Put(d models.CampaignDefinition) error {
	if d.Ref == "" {
		return fmt.Errorf("%w: campaign without ref", dispatcherr.ErrConfiguration)
	}
	if !d.Kind.Valid() {
		return fmt.Errorf("%w: campaign %s has unknown kind %q", dispatcherr.ErrConfiguration, d.Ref, d.Kind)
	}
	if d.DelayDays < 0 {
		return fmt.Errorf("%w: campaign %s has negative delay", dispatcherr.ErrConfiguration, d.Ref)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.byRef[d.Ref]; !ok {
		c.order = append(c.order, d.Ref)
	}
	c.byRef[d.Ref] = d
	return nil
}

func (c *MemoryCatalog) Resolve(ctx context.Context, ref string) (*models.CampaignDefinition, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	d, ok := c.byRef[ref]
	if !ok {
		return nil, fmt.Errorf("%w: campaign %q", dispatcherr.ErrNotFound, ref)
	}
	return &d, nil
}

// Match returns the active definitions for kind whose source equals source,
// ordered by delay. Definitions with an empty source are used only when no
// definition names the source explicitly.
func (c *MemoryCatalog) Match(kind models.JobKind, source string) []models.CampaignDefinition {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var exact, wildcard []models.CampaignDefinition
	for _, ref := range c.order {
		d := c.byRef[ref]
		if !d.IsActive || d.Kind != kind {
			continue
		}
		switch d.Source {
		case source:
			exact = append(exact, d)
		case "":
			wildcard = append(wildcard, d)
		}
	}

	out := exact
	if len(out) == 0 {
		out = wildcard
	}
	sort.SliceStable(out, func(i, k int) bool { return out[i].DelayDays < out[k].DelayDays })
	return out
}
