package pipeline

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/policyflow/policyflow/auth"
	"github.com/policyflow/policyflow/events"
	"github.com/policyflow/policyflow/policy"
)

type authenticateSpec struct {
	rt *Runtime
}

func (s *authenticateSpec) Name() string { return "authenticate" }

type claimRuleArg struct {
	Claim  string   `yaml:"claim"`
	Match  string   `yaml:"match"`
	Values []string `yaml:"values"`
}

func (s *authenticateSpec) Create(stage policy.Stage, d policy.Declaration) (Policy, error) {
	if stage != policy.StageInbound {
		return nil, invalidStage(s.Name(), stage)
	}

	a := policy.NewArgs(d)
	o := auth.Options{
		KeySetURL:         a.String("keyset-url", ""),
		Issuer:            a.String("issuer", ""),
		RefreshInterval:   a.Duration("refresh-interval", 0),
		SubscriptionClaim: a.String("subscription-claim", ""),
	}

	var ruleArgs []claimRuleArg
	a.Decode("required-claims", &ruleArgs)
	if err := a.Err(); err != nil {
		return nil, fmt.Errorf("authenticate: %w", err)
	}

	if o.KeySetURL == "" {
		return nil, fmt.Errorf("authenticate: keyset-url required")
	}

	rules, err := compileClaimRules(ruleArgs)
	if err != nil {
		return nil, fmt.Errorf("authenticate: %w", err)
	}

	v, err := s.rt.validator(o)
	if err != nil {
		return nil, fmt.Errorf("authenticate: %w", err)
	}

	return &authenticatePolicy{validator: v, rules: rules}, nil
}

func compileClaimRules(args []claimRuleArg) ([]auth.ClaimRule, error) {
	rules := make([]auth.ClaimRule, 0, len(args))
	for _, ra := range args {
		if ra.Claim == "" {
			return nil, fmt.Errorf("required claim without a name")
		}

		var mode auth.MatchMode
		switch ra.Match {
		case "", "all":
			mode = auth.MatchAll
		case "any":
			mode = auth.MatchAny
		default:
			return nil, fmt.Errorf("invalid match mode for claim %s: %s", ra.Claim, ra.Match)
		}

		rules = append(rules, auth.ClaimRule{Name: ra.Claim, Match: mode, Values: ra.Values})
	}

	return rules, nil
}

type authenticatePolicy struct {
	validator TokenValidator
	rules     []auth.ClaimRule
}

func (p *authenticatePolicy) Name() string { return "authenticate" }

func (p *authenticatePolicy) Execute(ctx *Context) error {
	id, err := p.validator.Validate(bearerToken(ctx.Request()), p.rules)
	if err != nil {
		ctx.Emit(p.Name(), events.OutcomeDenied)
		return perror(KindAuthentication, err)
	}

	ctx.SetIdentity(id)
	ctx.Emit(p.Name(), events.OutcomeAllowed)
	return nil
}

func bearerToken(req *http.Request) string {
	const prefix = "Bearer "
	h := req.Header.Get("Authorization")
	if len(h) > len(prefix) && strings.EqualFold(h[:len(prefix)], prefix) {
		return h[len(prefix):]
	}
	return ""
}
