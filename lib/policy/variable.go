package policy

import (
	"regexp"
	"strings"

	"github.com/gravitational/trace"

	"github.com/aws-greengrass/aws-greengrass-client-device-auth-sub003/lib/session/attribute"
)

// variablePattern extracts ${...} tokens from policy resources.
var variablePattern = regexp.MustCompile(`\$\{.*?\}`)

const (
	thingNameVariable   = "${iot:Connection.Thing.ThingName}"
	thingAttrsPrefix    = "${iot:Connection.Thing.Attributes["
	thingAttrsSuffix    = "]}"
)

var alnumPattern = regexp.MustCompile(`^[a-zA-Z0-9]+$`)

// Variable is a recognized policy variable, resolved against session
// attributes at authorization time.
type Variable struct {
	// Text is the original ${...} token.
	Text string
	// Namespace and Attribute locate the session attribute the
	// variable resolves to.
	Namespace string
	Attribute string
}

// ParseVariable validates a ${...} token. Unknown tokens are a
// validation error.
func ParseVariable(text string) (Variable, error) {
	if text == thingNameVariable {
		return Variable{
			Text:      text,
			Namespace: attribute.ThingNamespace,
			Attribute: attribute.ThingNameAttribute,
		}, nil
	}
	if strings.HasPrefix(text, thingAttrsPrefix) && strings.HasSuffix(text, thingAttrsSuffix) {
		selector := text[len(thingAttrsPrefix) : len(text)-len(thingAttrsSuffix)]
		if alnumPattern.MatchString(selector) {
			return Variable{
				Text:      text,
				Namespace: attribute.ThingNamespace,
				Attribute: selector,
			}, nil
		}
	}
	return Variable{}, trace.BadParameter("unknown policy variable %v", text)
}

// IsAttributeVariable reports whether the variable reads a thing
// attribute rather than the thing name.
func (v Variable) IsAttributeVariable() bool {
	return v.Attribute != attribute.ThingNameAttribute
}

// Resolve returns the variable's value for the given session.
func (v Variable) Resolve(src AttributeSource) (string, error) {
	attr := src.SessionAttribute(v.Namespace, v.Attribute)
	if attr == nil {
		return "", trace.NotFound("no attribute found for policy variable %v in current session", v.Text)
	}
	return attr.String(), nil
}

// extractVariables returns all ${...} tokens found in a resource.
func extractVariables(resource string) []string {
	return variablePattern.FindAllString(resource, -1)
}

// substituteVariables replaces every recognized variable in the
// resource with its session value. An unresolvable variable aborts the
// substitution.
func substituteVariables(resource string, variables []Variable, src AttributeSource) (string, error) {
	substituted := resource
	for _, variable := range variables {
		value, err := variable.Resolve(src)
		if err != nil {
			return "", trace.Wrap(err)
		}
		substituted = strings.ReplaceAll(substituted, variable.Text, value)
	}
	return substituted, nil
}
