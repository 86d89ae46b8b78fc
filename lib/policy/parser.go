// Package policy implements the device-group policy engine: the
// selection-rule language that assigns sessions to groups, compilation
// of ALLOW policy statements into permission sets, and policy-variable
// handling.
package policy

import (
	"strconv"
	"strings"

	"github.com/gravitational/trace"
	"github.com/vulcand/predicate"

	"github.com/aws-greengrass/aws-greengrass-client-device-auth-sub003/lib/session/attribute"
)

// AttributeSource answers attribute lookups during rule evaluation and
// variable substitution. *session.Session implements it.
type AttributeSource interface {
	SessionAttribute(namespace, name string) attribute.DeviceAttribute
}

// matcherFn is a compiled rule fragment evaluated against a session.
type matcherFn func(AttributeSource) bool

// Expression is a compiled selection rule. Evaluation short-circuits
// through AND/OR exactly like the source text reads.
type Expression struct {
	text string
	fn   matcherFn
}

// Text returns the original rule text.
func (e *Expression) Text() string { return e.text }

// Matches evaluates the rule against session attributes.
func (e *Expression) Matches(src AttributeSource) bool { return e.fn(src) }

// ParseExpression compiles a selection rule such as
//
//	thingName: sensor-* OR (thingName: hub AND thingName: hu*)
//
// The rule dialect is translated into a predicate expression and parsed
// with the predicate library; thingName literals match the session's
// Thing.ThingName attribute with wildcard-suffix semantics.
func ParseExpression(rule string) (*Expression, error) {
	translated, err := translateRule(rule)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	parser, err := newRuleParser()
	if err != nil {
		return nil, trace.Wrap(err)
	}
	out, err := parser.Parse(translated)
	if err != nil {
		return nil, trace.BadParameter("unable to parse selection rule %q: %v", rule, err)
	}
	fn, ok := out.(matcherFn)
	if !ok {
		return nil, trace.BadParameter("selection rule %q is not a boolean expression", rule)
	}
	return &Expression{text: rule, fn: fn}, nil
}

func newRuleParser() (predicate.Parser, error) {
	return predicate.NewParser(predicate.Def{
		Operators: predicate.Operators{
			AND: matcherAnd,
			OR:  matcherOr,
		},
		Functions: map[string]any{
			"thingName": matcherThingName,
		},
	})
}

func matcherAnd(a, b matcherFn) matcherFn {
	return func(src AttributeSource) bool { return a(src) && b(src) }
}

func matcherOr(a, b matcherFn) matcherFn {
	return func(src AttributeSource) bool { return a(src) || b(src) }
}

func matcherThingName(value string) matcherFn {
	return func(src AttributeSource) bool {
		attr := src.SessionAttribute(attribute.ThingNamespace, attribute.ThingNameAttribute)
		return attr != nil && attr.Matches(value)
	}
}

// translateRule rewrites the rule dialect into the predicate expression
// dialect: AND/OR become &&/||, and `thingName: <value>` becomes a
// thingName(<value>) call. Values are barewords of
// [A-Za-z0-9_*-] with \: escaping a colon, or double-quoted strings.
func translateRule(rule string) (string, error) {
	var out strings.Builder
	i := 0
	for i < len(rule) {
		switch c := rule[i]; {
		case c == ' ' || c == '\t' || c == '\n' || c == '\r':
			i++
		case c == '(':
			out.WriteByte('(')
			i++
		case c == ')':
			out.WriteByte(')')
			i++
		case hasKeyword(rule, i, "AND"):
			out.WriteString(" && ")
			i += len("AND")
		case hasKeyword(rule, i, "OR"):
			out.WriteString(" || ")
			i += len("OR")
		case strings.HasPrefix(rule[i:], "thingName"):
			i += len("thingName")
			i = skipSpaces(rule, i)
			if i >= len(rule) || rule[i] != ':' {
				return "", trace.BadParameter("expected ':' after thingName in rule %q", rule)
			}
			i = skipSpaces(rule, i+1)
			value, next, err := readValue(rule, i)
			if err != nil {
				return "", trace.Wrap(err)
			}
			out.WriteString("thingName(")
			out.WriteString(strconv.Quote(value))
			out.WriteString(")")
			i = next
		default:
			return "", trace.BadParameter("unexpected input at offset %d in rule %q", i, rule)
		}
	}
	return out.String(), nil
}

func hasKeyword(rule string, i int, keyword string) bool {
	if !strings.HasPrefix(rule[i:], keyword) {
		return false
	}
	end := i + len(keyword)
	return end == len(rule) || rule[end] == ' ' || rule[end] == '\t' || rule[end] == '(' || rule[end] == ')'
}

func skipSpaces(rule string, i int) int {
	for i < len(rule) && (rule[i] == ' ' || rule[i] == '\t') {
		i++
	}
	return i
}

func readValue(rule string, i int) (string, int, error) {
	if i >= len(rule) {
		return "", i, trace.BadParameter("missing thing name value in rule %q", rule)
	}
	if rule[i] == '"' {
		return readQuoted(rule, i)
	}
	var value strings.Builder
	for i < len(rule) {
		c := rule[i]
		switch {
		case c == '\\' && i+1 < len(rule) && rule[i+1] == ':':
			value.WriteByte(':')
			i += 2
		case c == ' ' || c == '\t' || c == '\n' || c == '\r' || c == ')' || c == '(':
			if value.Len() == 0 {
				return "", i, trace.BadParameter("missing thing name value in rule %q", rule)
			}
			return value.String(), i, nil
		case isWordChar(c):
			value.WriteByte(c)
			i++
		default:
			return "", i, trace.BadParameter("invalid character %q in thing name in rule %q", string(c), rule)
		}
	}
	if value.Len() == 0 {
		return "", i, trace.BadParameter("missing thing name value in rule %q", rule)
	}
	return value.String(), i, nil
}

func readQuoted(rule string, i int) (string, int, error) {
	var value strings.Builder
	i++ // opening quote
	for i < len(rule) {
		c := rule[i]
		switch {
		case c == '\\' && i+1 < len(rule):
			value.WriteByte(rule[i+1])
			i += 2
		case c == '"':
			return value.String(), i + 1, nil
		default:
			value.WriteByte(c)
			i++
		}
	}
	return "", i, trace.BadParameter("unterminated quoted string in rule %q", rule)
}

func isWordChar(c byte) bool {
	switch {
	case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		return true
	case c == '-' || c == '_' || c == '*':
		return true
	}
	return false
}
