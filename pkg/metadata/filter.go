package metadata

import (
	"fmt"
	"strings"
)

// Filter is a parsed LDAP-style boolean expression evaluated against
// environment properties such as os, ws and arch.
//
// Supported forms are (&...), (|...), (!...), (key=value), (key>=value),
// (key<=value), (key~=value), presence (key=*) and substring matches
// (key=a*b). Comparisons are string comparisons. A comparison on a key the
// environment does not define is false.
type Filter struct {
	text string
	root filterNode
}

type filterOp int

const (
	opAnd filterOp = iota
	opOr
	opNot
	opEqual
	opGreaterOrEqual
	opLessOrEqual
	opApprox
	opPresent
	opSubstring
)

type filterNode struct {
	op       filterOp
	key      string
	value    string
	parts    []string
	children []filterNode
}

// ParseFilter parses an LDAP-style filter. An empty string yields a nil
// filter, which matches every environment.
func ParseFilter(s string) (*Filter, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	p := &filterParser{input: s}
	node, err := p.parseFilter()
	if err != nil {
		return nil, fmt.Errorf("invalid filter %q: %w", s, err)
	}
	p.skipSpace()
	if p.pos != len(p.input) {
		return nil, fmt.Errorf("invalid filter %q: unexpected trailing input at %d", s, p.pos)
	}
	return &Filter{text: s, root: node}, nil
}

// MustParseFilter is like ParseFilter but panics on error.
func MustParseFilter(s string) *Filter {
	f, err := ParseFilter(s)
	if err != nil {
		panic(err)
	}
	return f
}

// EvaluateFilter parses expr and evaluates it against env.
func EvaluateFilter(expr string, env map[string]string) (bool, error) {
	f, err := ParseFilter(expr)
	if err != nil {
		return false, err
	}
	return f.Match(env), nil
}

// Match evaluates f against env. A nil filter always matches.
func (f *Filter) Match(env map[string]string) bool {
	if f == nil {
		return true
	}
	return f.root.eval(env)
}

func (f *Filter) String() string {
	if f == nil {
		return ""
	}
	return f.text
}

// MarshalText implements encoding.TextMarshaler.
func (f *Filter) MarshalText() ([]byte, error) {
	return []byte(f.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (f *Filter) UnmarshalText(text []byte) error {
	parsed, err := ParseFilter(string(text))
	if err != nil {
		return err
	}
	if parsed == nil {
		*f = Filter{}
		return nil
	}
	*f = *parsed
	return nil
}

func (n filterNode) eval(env map[string]string) bool {
	switch n.op {
	case opAnd:
		for _, c := range n.children {
			if !c.eval(env) {
				return false
			}
		}
		return true
	case opOr:
		for _, c := range n.children {
			if c.eval(env) {
				return true
			}
		}
		return false
	case opNot:
		return !n.children[0].eval(env)
	}

	actual, ok := env[n.key]
	if !ok {
		return false
	}
	switch n.op {
	case opEqual:
		return actual == n.value
	case opApprox:
		return strings.EqualFold(strings.TrimSpace(actual), strings.TrimSpace(n.value))
	case opGreaterOrEqual:
		return actual >= n.value
	case opLessOrEqual:
		return actual <= n.value
	case opPresent:
		return true
	case opSubstring:
		return matchSubstring(actual, n.parts)
	}
	return false
}

// matchSubstring matches actual against the literal pieces of a pattern that
// were separated by '*'.
func matchSubstring(actual string, parts []string) bool {
	if len(parts) == 0 {
		return true
	}
	if !strings.HasPrefix(actual, parts[0]) {
		return false
	}
	rest := actual[len(parts[0]):]
	last := len(parts) - 1
	for _, part := range parts[1:last] {
		idx := strings.Index(rest, part)
		if idx < 0 {
			return false
		}
		rest = rest[idx+len(part):]
	}
	return strings.HasSuffix(rest, parts[last])
}

type filterParser struct {
	input string
	pos   int
}

func (p *filterParser) skipSpace() {
	for p.pos < len(p.input) && p.input[p.pos] == ' ' {
		p.pos++
	}
}

func (p *filterParser) expect(c byte) error {
	p.skipSpace()
	if p.pos >= len(p.input) || p.input[p.pos] != c {
		return fmt.Errorf("expected %q at %d", c, p.pos)
	}
	p.pos++
	return nil
}

func (p *filterParser) parseFilter() (filterNode, error) {
	if err := p.expect('('); err != nil {
		return filterNode{}, err
	}
	p.skipSpace()
	if p.pos >= len(p.input) {
		return filterNode{}, fmt.Errorf("unexpected end of filter")
	}

	var node filterNode
	var err error
	switch p.input[p.pos] {
	case '&':
		p.pos++
		node, err = p.parseList(opAnd)
	case '|':
		p.pos++
		node, err = p.parseList(opOr)
	case '!':
		p.pos++
		var child filterNode
		child, err = p.parseFilter()
		node = filterNode{op: opNot, children: []filterNode{child}}
	default:
		node, err = p.parseItem()
	}
	if err != nil {
		return filterNode{}, err
	}
	if err := p.expect(')'); err != nil {
		return filterNode{}, err
	}
	return node, nil
}

func (p *filterParser) parseList(op filterOp) (filterNode, error) {
	node := filterNode{op: op}
	for {
		p.skipSpace()
		if p.pos >= len(p.input) || p.input[p.pos] != '(' {
			break
		}
		child, err := p.parseFilter()
		if err != nil {
			return filterNode{}, err
		}
		node.children = append(node.children, child)
	}
	if len(node.children) == 0 {
		return filterNode{}, fmt.Errorf("empty filter list at %d", p.pos)
	}
	return node, nil
}

func (p *filterParser) parseItem() (filterNode, error) {
	start := p.pos
	for p.pos < len(p.input) && !strings.ContainsRune("=<>~()", rune(p.input[p.pos])) {
		p.pos++
	}
	key := strings.TrimSpace(p.input[start:p.pos])
	if key == "" {
		return filterNode{}, fmt.Errorf("missing attribute at %d", start)
	}
	if p.pos >= len(p.input) {
		return filterNode{}, fmt.Errorf("unexpected end of filter")
	}

	var op filterOp
	switch p.input[p.pos] {
	case '=':
		op = opEqual
		p.pos++
	case '>', '<', '~':
		if p.pos+1 >= len(p.input) || p.input[p.pos+1] != '=' {
			return filterNode{}, fmt.Errorf("invalid operator at %d", p.pos)
		}
		op = map[byte]filterOp{'>': opGreaterOrEqual, '<': opLessOrEqual, '~': opApprox}[p.input[p.pos]]
		p.pos += 2
	default:
		return filterNode{}, fmt.Errorf("missing operator at %d", p.pos)
	}

	parts, wildcard, err := p.parseValue()
	if err != nil {
		return filterNode{}, err
	}

	node := filterNode{op: op, key: key}
	switch {
	case !wildcard:
		node.value = parts[0]
	case op != opEqual:
		return filterNode{}, fmt.Errorf("wildcard not allowed with this operator for %q", key)
	case len(parts) == 2 && parts[0] == "" && parts[1] == "":
		node.op = opPresent
	default:
		node.op = opSubstring
		node.parts = parts
	}
	return node, nil
}

// parseValue reads an assertion value up to the closing parenthesis. The
// value is split on unescaped '*'.
func (p *filterParser) parseValue() ([]string, bool, error) {
	var parts []string
	var cur strings.Builder
	wildcard := false
	for p.pos < len(p.input) {
		c := p.input[p.pos]
		switch c {
		case ')':
			return append(parts, cur.String()), wildcard, nil
		case '(':
			return nil, false, fmt.Errorf("unescaped '(' in value at %d", p.pos)
		case '*':
			wildcard = true
			parts = append(parts, cur.String())
			cur.Reset()
		case '\\':
			p.pos++
			if p.pos >= len(p.input) {
				return nil, false, fmt.Errorf("dangling escape")
			}
			cur.WriteByte(p.input[p.pos])
		default:
			cur.WriteByte(c)
		}
		p.pos++
	}
	return nil, false, fmt.Errorf("unexpected end of filter")
}
