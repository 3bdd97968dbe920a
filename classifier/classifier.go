package classifier

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/saiset-co/sai-offline/types"
)

var defaultMethods = []string{http.MethodGet, http.MethodHead}

type compiledRule struct {
	rule    types.StrategyRule
	matcher Matcher
	methods map[string]struct{}
}

// Classifier maps requests to strategy rules. It is built once per generation
// and never mutated, so it is safe for concurrent use.
type Classifier struct {
	rules []compiledRule
}

func New(rules []types.StrategyRule) (*Classifier, error) {
	compiled := make([]compiledRule, 0, len(rules))

	for i, rule := range rules {
		if err := validateRule(rule); err != nil {
			return nil, types.WrapError(err, fmt.Sprintf("rule %d", i))
		}

		matcher, err := CompilePattern(rule.Pattern)
		if err != nil {
			return nil, types.WrapError(err, fmt.Sprintf("rule %d", i))
		}

		methods := rule.Methods
		if len(methods) == 0 {
			methods = defaultMethods
		}

		set := make(map[string]struct{}, len(methods))
		for _, method := range methods {
			set[strings.ToUpper(method)] = struct{}{}
		}

		rule.Methods = append([]string(nil), methods...)
		compiled = append(compiled, compiledRule{
			rule:    rule,
			matcher: matcher,
			methods: set,
		})
	}

	return &Classifier{rules: compiled}, nil
}

// Classify returns the first rule matching the request. The second result is
// false for passthrough requests.
func (c *Classifier) Classify(req *types.Request) (*types.StrategyRule, bool) {
	if req == nil {
		return nil, false
	}

	method := strings.ToUpper(req.Method)
	for i := range c.rules {
		cr := &c.rules[i]
		if _, ok := cr.methods[method]; !ok {
			continue
		}
		if cr.matcher.Match(req.Path) {
			rule := cr.rule
			return &rule, true
		}
	}

	return nil, false
}

func (c *Classifier) Rules() []types.StrategyRule {
	out := make([]types.StrategyRule, len(c.rules))
	for i, cr := range c.rules {
		out[i] = cr.rule
	}
	return out
}

// Buckets lists the distinct logical buckets the rules route to, in rule order.
func (c *Classifier) Buckets() []string {
	seen := make(map[string]struct{})
	var names []string
	for _, cr := range c.rules {
		if _, ok := seen[cr.rule.Bucket]; ok {
			continue
		}
		seen[cr.rule.Bucket] = struct{}{}
		names = append(names, cr.rule.Bucket)
	}
	return names
}

func validateRule(rule types.StrategyRule) error {
	switch rule.Strategy {
	case types.CacheFirst, types.NetworkFirst, types.StaleWhileRevalidate:
	default:
		return types.Errorf(types.ErrStrategyUnknown, "pattern %q", rule.Pattern)
	}

	if rule.Bucket == "" {
		return types.Errorf(types.ErrRuleInvalid, "pattern %q has no bucket", rule.Pattern)
	}

	if rule.MaxAge < 0 || rule.NetworkTimeout < 0 {
		return types.Errorf(types.ErrRuleInvalid, "pattern %q has a negative duration", rule.Pattern)
	}

	// Unsafe methods bypass classification and go to the replay queue.
	for _, method := range rule.Methods {
		switch strings.ToUpper(method) {
		case http.MethodGet, http.MethodHead:
		default:
			return types.Errorf(types.ErrRuleInvalid, "pattern %q lists method %s; only GET and HEAD are cached", rule.Pattern, method)
		}
	}

	return nil
}
