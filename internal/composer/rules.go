package composer

import "github.com/example/mail-relay/internal/models"

// Rule names.
const (
	RuleContact  = "contact"
	RuleCode     = "code"
	RuleFlat     = "flat"
	RuleFallback = "fallback"
)

const fallbackSubject = "Unknown form"

// Composition is what a rule derives from a payload.
type Composition struct {
	Rule     string
	Subject  string
	Body     string
	BodyType string
}

// ComposeFunc is a pure mapping from payload to composition.
type ComposeFunc func(p *models.Payload) Composition

// Rule binds a composition function to the discriminator value that selects
// it. Rules with an empty Discriminator are selected by Shape instead.
type Rule struct {
	Name          string
	Discriminator string
	Shape         func(p *models.Payload) bool
	Compose       ComposeFunc
}

// Contact builds "<site> Contact " subjects and a body quoting the sender.
func Contact() Rule {
	return Rule{
		Name:          RuleContact,
		Discriminator: "contact",
		Compose: func(p *models.Payload) Composition {
			return Composition{
				Rule:     RuleContact,
				Subject:  p.String("site") + " Contact ",
				Body:     p.String("subject") + "\nEmail: " + p.String("email") + "\n\n" + p.String("description"),
				BodyType: models.BodyTypeText,
			}
		},
	}
}

// Code relays a subject verbatim with metadata above the code block.
func Code() Rule {
	return Rule{
		Name:          RuleCode,
		Discriminator: "code",
		Compose: func(p *models.Payload) Composition {
			return Composition{
				Rule:     RuleCode,
				Subject:  p.String("subject"),
				Body:     p.String("metadata") + "\n\n" + p.String("code"),
				BodyType: models.BodyTypeText,
			}
		},
	}
}

// Flat handles untyped {subject, body} documents and sends the body as HTML.
func Flat() Rule {
	return Rule{
		Name: RuleFlat,
		Shape: func(p *models.Payload) bool {
			return p.IsObject() && !p.Has(models.DiscriminatorKey) && (p.Has("subject") || p.Has("body"))
		},
		Compose: func(p *models.Payload) Composition {
			return Composition{
				Rule:     RuleFlat,
				Subject:  p.String("subject"),
				Body:     p.String("body"),
				BodyType: models.BodyTypeHTML,
			}
		},
	}
}

// Fallback accepts anything: the whole document becomes the body.
func Fallback() Rule {
	return Rule{
		Name: RuleFallback,
		Compose: func(p *models.Payload) Composition {
			return Composition{
				Rule:     RuleFallback,
				Subject:  fallbackSubject,
				Body:     p.JSON(),
				BodyType: models.BodyTypeText,
			}
		},
	}
}

// Builtin returns the named built-in rule.
func Builtin(name string) (Rule, bool) {
	switch name {
	case RuleContact:
		return Contact(), true
	case RuleCode:
		return Code(), true
	case RuleFlat:
		return Flat(), true
	default:
		return Rule{}, false
	}
}
