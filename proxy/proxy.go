// Package proxy picks the bastion host out of the generated host names.
package proxy

import (
	"regexp"
	"sort"
	"strings"

	"ec2sshconfig/errors"
)

// Find matches pattern against names with shell glob rules and returns the
// bastion name. Names are visited in ascending order. An empty pattern means
// no proxy. The returned error is a warning: with several matches the last
// one is returned along with ErrProxyAmbiguous, with none an empty name is
// returned along with ErrProxyNotFound.
func Find(names []string, pattern string) (string, error) {
	if pattern == "" {
		return "", nil
	}

	expr, err := Compile(pattern)
	if err != nil {
		return "", errors.New(errors.ErrProxyNotFound, "invalid proxy pattern",
			map[string]interface{}{
				"pattern": pattern,
			}, err)
	}

	sorted := append([]string(nil), names...)
	sort.Strings(sorted)

	var matches []string
	for _, name := range sorted {
		if expr.MatchString(name) {
			matches = append(matches, name)
		}
	}

	switch len(matches) {
	case 0:
		return "", errors.New(errors.ErrProxyNotFound, "could not find a proxy",
			map[string]interface{}{
				"pattern": pattern,
			}, nil)
	case 1:
		return matches[0], nil
	default:
		return matches[len(matches)-1], errors.New(errors.ErrProxyAmbiguous, "more than one proxy name was discovered",
			map[string]interface{}{
				"pattern": pattern,
				"matches": matches,
			}, nil)
	}
}

// Compile turns a shell glob into an anchored, case-sensitive regular
// expression. '*' and '?' also match '/', "[!...]" is a negated class and an
// unterminated '[' is a literal.
func Compile(pattern string) (*regexp.Regexp, error) {
	p := []rune(pattern)
	n := len(p)

	var sb strings.Builder
	sb.WriteString(`(?s)^(?:`)
	for i := 0; i < n; {
		c := p[i]
		i++
		switch c {
		case '*':
			sb.WriteString(".*")
		case '?':
			sb.WriteString(".")
		case '[':
			j := i
			if j < n && p[j] == '!' {
				j++
			}
			if j < n && p[j] == ']' {
				j++
			}
			for j < n && p[j] != ']' {
				j++
			}
			if j >= n {
				sb.WriteString(`\[`)
				continue
			}
			sb.WriteString(charClass(p[i:j]))
			i = j + 1
		default:
			sb.WriteString(regexp.QuoteMeta(string(c)))
		}
	}
	sb.WriteString(`)$`)
	return regexp.Compile(sb.String())
}

// charClass renders the body of a bracket expression
func charClass(body []rune) string {
	var sb strings.Builder
	sb.WriteByte('[')
	for k, r := range body {
		switch {
		case k == 0 && r == '!':
			sb.WriteByte('^')
		case r == '\\' || r == '[' || r == ']' || r == '^':
			sb.WriteByte('\\')
			sb.WriteRune(r)
		default:
			sb.WriteRune(r)
		}
	}
	sb.WriteByte(']')
	return sb.String()
}
