// Package composer turns parsed payloads into mail subjects and bodies using a
// small registry of rules keyed by the payload "type" field.
package composer

import (
	"fmt"

	"github.com/example/mail-relay/internal/models"
)

// Composer selects a rule per payload. It is immutable once built.
type Composer struct {
	byDiscriminator map[string]Rule
	shaped          []Rule
	fallback        Rule
	names           []string
}

// New builds a composer with the named built-in rules enabled. The fallback
// rule is always present.
func New(names []string) (*Composer, error) {
	rules := make([]Rule, 0, len(names))
	for _, name := range names {
		rule, ok := Builtin(name)
		if !ok {
			return nil, fmt.Errorf("composer: unknown rule %q", name)
		}
		rules = append(rules, rule)
	}
	return NewWithRules(rules...)
}

// NewWithRules builds a composer from arbitrary rules.
func NewWithRules(rules ...Rule) (*Composer, error) {
	c := &Composer{
		byDiscriminator: make(map[string]Rule),
		fallback:        Fallback(),
	}
	for _, rule := range rules {
		if rule.Compose == nil {
			return nil, fmt.Errorf("composer: rule %q has no compose function", rule.Name)
		}
		switch {
		case rule.Discriminator != "":
			if _, dup := c.byDiscriminator[rule.Discriminator]; dup {
				return nil, fmt.Errorf("composer: duplicate discriminator %q", rule.Discriminator)
			}
			c.byDiscriminator[rule.Discriminator] = rule
		case rule.Shape != nil:
			c.shaped = append(c.shaped, rule)
		default:
			return nil, fmt.Errorf("composer: rule %q needs a discriminator or a shape", rule.Name)
		}
		c.names = append(c.names, rule.Name)
	}
	return c, nil
}

// Rules lists the enabled rule names, fallback excluded.
func (c *Composer) Rules() []string {
	return append([]string(nil), c.names...)
}

// Select returns the rule that applies to p.
func (c *Composer) Select(p *models.Payload) Rule {
	if d := p.Discriminator(); d != "" {
		if rule, ok := c.byDiscriminator[d]; ok {
			return rule
		}
		return c.fallback
	}
	for _, rule := range c.shaped {
		if rule.Shape(p) {
			return rule
		}
	}
	return c.fallback
}

// Compose never fails: payloads no rule claims go to the fallback rule.
func (c *Composer) Compose(p *models.Payload) Composition {
	return c.Select(p).Compose(p)
}
