package classifier

import (
	"path"
	"regexp"
	"strings"

	"github.com/gobwas/glob"

	"github.com/saiset-co/sai-offline/types"
)

const (
	regexPrefix = "regex:"
	extPrefix   = "ext:"
)

// Matcher reports whether a request path matches a compiled pattern.
type Matcher interface {
	Match(path string) bool
}

type regexMatcher struct {
	re *regexp.Regexp
}

func (m regexMatcher) Match(p string) bool {
	return m.re.MatchString(p)
}

type extMatcher map[string]struct{}

func (m extMatcher) Match(p string) bool {
	ext := strings.TrimPrefix(strings.ToLower(path.Ext(p)), ".")
	if ext == "" {
		return false
	}
	_, ok := m[ext]
	return ok
}

// CompilePattern understands three forms: a glob over the path with '/' as
// separator, "regex:<expr>", and "ext:<ext>[,<ext>...]".
func CompilePattern(pattern string) (Matcher, error) {
	switch {
	case pattern == "":
		return nil, types.Errorf(types.ErrRuleInvalid, "empty pattern")

	case strings.HasPrefix(pattern, regexPrefix):
		re, err := regexp.Compile(strings.TrimPrefix(pattern, regexPrefix))
		if err != nil {
			return nil, types.Errorf(types.ErrRuleInvalid, "pattern %q: %v", pattern, err)
		}
		return regexMatcher{re: re}, nil

	case strings.HasPrefix(pattern, extPrefix):
		m := make(extMatcher)
		for _, ext := range strings.Split(strings.TrimPrefix(pattern, extPrefix), ",") {
			ext = strings.TrimPrefix(strings.ToLower(strings.TrimSpace(ext)), ".")
			if ext != "" {
				m[ext] = struct{}{}
			}
		}
		if len(m) == 0 {
			return nil, types.Errorf(types.ErrRuleInvalid, "pattern %q lists no extensions", pattern)
		}
		return m, nil

	default:
		g, err := glob.Compile(pattern, '/')
		if err != nil {
			return nil, types.Errorf(types.ErrRuleInvalid, "pattern %q: %v", pattern, err)
		}
		return g, nil
	}
}
