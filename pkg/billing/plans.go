package billing

import (
	"strings"

	"github.com/harunnryd/ringdesk/pkg/config"
)

// Plan is a Polar product the service knows how to meter.
type Plan struct {
	ProductID string `json:"product_id"`
	Name      string `json:"name"`
	Minutes   int    `json:"minutes"`
}

// Catalog maps Polar product ids to plans.
type Catalog struct {
	plans []Plan
	byID  map[string]Plan
}

func NewCatalog(plans []Plan) *Catalog {
	c := &Catalog{byID: make(map[string]Plan, len(plans))}
	for _, p := range plans {
		p.ProductID = strings.TrimSpace(p.ProductID)
		if p.ProductID == "" {
			continue
		}
		c.plans = append(c.plans, p)
		c.byID[p.ProductID] = p
	}
	return c
}

func CatalogFromConfig(cfg config.BillingConfig) *Catalog {
	plans := make([]Plan, 0, len(cfg.Plans))
	for _, p := range cfg.Plans {
		plans = append(plans, Plan{ProductID: p.ProductID, Name: p.Name, Minutes: p.Minutes})
	}
	return NewCatalog(plans)
}

func (c *Catalog) Lookup(productID string) (Plan, bool) {
	if c == nil {
		return Plan{}, false
	}
	p, ok := c.byID[productID]
	return p, ok
}

// Plans returns the catalog in configuration order.
func (c *Catalog) Plans() []Plan {
	if c == nil {
		return nil
	}
	out := make([]Plan, len(c.plans))
	copy(out, c.plans)
	return out
}
