package strategy

import (
	"options-core/internal/errs"
	"options-core/internal/option"
)

// New builds a strategy from params. A nil pricer prices from the params'
// premium model.
func New(p Params, pricer option.Pricer) (Strategy, error) {
	p = p.WithDefaults()
	if err := p.Validate(); err != nil {
		return nil, err
	}
	session, err := NewSession(p)
	if err != nil {
		return nil, err
	}
	if pricer == nil {
		pricer = option.ModelPricer{Model: p.Premium}
	}

	e := env{p: p, session: session, pricer: pricer}
	switch p.Kind {
	case KindMountainSignal:
		return newMountainSignal(e), nil
	case KindORB:
		return newORB(e), nil
	default:
		return nil, errs.Validation("unknown strategy kind %q", p.Kind)
	}
}
