package policy

import (
	"log/slog"
	"sort"

	"github.com/gravitational/trace"
)

// Effect is the effect of a policy statement. Only ALLOW is honored;
// DENY is reserved in the data model and skipped during compilation.
type Effect string

const (
	// EffectAllow grants the statement's operations on its resources.
	EffectAllow Effect = "ALLOW"
	// EffectDeny is reserved and not yet honored.
	EffectDeny Effect = "DENY"
)

// Statement is one policy statement: an effect applied to the cross
// product of operations and resources.
type Statement struct {
	Effect     Effect
	Operations []string
	Resources  []string
}

// GroupDefinition ties a compiled selection rule to a named policy.
type GroupDefinition struct {
	selectionRule string
	policyName    string
	expression    *Expression
}

// NewGroupDefinition compiles the selection rule. A rule that fails to
// parse is a construction error.
func NewGroupDefinition(selectionRule, policyName string) (*GroupDefinition, error) {
	if policyName == "" {
		return nil, trace.BadParameter("missing policy name")
	}
	expression, err := ParseExpression(selectionRule)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return &GroupDefinition{
		selectionRule: selectionRule,
		policyName:    policyName,
		expression:    expression,
	}, nil
}

// SelectionRule returns the rule text.
func (g *GroupDefinition) SelectionRule() string { return g.selectionRule }

// PolicyName returns the referenced policy.
func (g *GroupDefinition) PolicyName() string { return g.policyName }

// Matches evaluates the selection rule against a session.
func (g *GroupDefinition) Matches(src AttributeSource) bool {
	return g.expression.Matches(src)
}

// Permission is a single {principal, operation, resource} ALLOW grant.
type Permission struct {
	// Principal is the granting group's name.
	Principal string
	// Operation is the granted operation, possibly a wildcard.
	Operation string
	// Resource is the granted resource, possibly carrying policy
	// variables and a trailing wildcard.
	Resource string
	// ResourceVariables are the recognized ${...} tokens in Resource.
	ResourceVariables []Variable
}

// Substitute resolves the permission's resource variables against a
// session and returns the substituted resource.
func (p Permission) Substitute(src AttributeSource) (string, error) {
	return substituteVariables(p.Resource, p.ResourceVariables, src)
}

// GroupConfiguration is the compiled view of the deviceGroups
// configuration: group definitions, policies, and the permission set of
// each group.
type GroupConfiguration struct {
	definitions           map[string]*GroupDefinition
	policies              map[string]map[string]Statement
	groupPermissions      map[string][]Permission
	hasAttributeVariables bool
	log                   *slog.Logger
}

// NewGroupConfiguration compiles definitions and policies into
// permission sets. Construction fails when a definition references a
// missing policy or a resource carries an unknown variable.
func NewGroupConfiguration(definitions map[string]*GroupDefinition, policies map[string]map[string]Statement) (*GroupConfiguration, error) {
	cfg := &GroupConfiguration{
		definitions:      definitions,
		policies:         policies,
		groupPermissions: make(map[string][]Permission),
		log:              slog.Default().With("component", "policy"),
	}
	for groupName, definition := range definitions {
		statements, ok := policies[definition.PolicyName()]
		if !ok {
			return nil, trace.BadParameter("Policy definition %v does not have a corresponding policy", definition.PolicyName())
		}
		permissions, err := cfg.compilePermissions(groupName, statements)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		cfg.groupPermissions[groupName] = permissions
	}
	return cfg, nil
}

func (c *GroupConfiguration) compilePermissions(groupName string, statements map[string]Statement) ([]Permission, error) {
	// Deterministic permission order regardless of map iteration.
	statementIDs := make([]string, 0, len(statements))
	for id := range statements {
		statementIDs = append(statementIDs, id)
	}
	sort.Strings(statementIDs)

	var permissions []Permission
	for _, id := range statementIDs {
		statement := statements[id]
		if statement.Effect != EffectAllow {
			// Only ALLOW is honored.
			c.log.Debug("Skipping statement with unsupported effect",
				"group", groupName, "statement", id, "effect", string(statement.Effect))
			continue
		}
		for _, operation := range statement.Operations {
			if operation == "" {
				continue
			}
			for _, resource := range statement.Resources {
				if resource == "" {
					continue
				}
				variables, err := c.parseResourceVariables(resource)
				if err != nil {
					return nil, trace.Wrap(err)
				}
				permissions = append(permissions, Permission{
					Principal:         groupName,
					Operation:         operation,
					Resource:          resource,
					ResourceVariables: variables,
				})
			}
		}
	}
	return permissions, nil
}

func (c *GroupConfiguration) parseResourceVariables(resource string) ([]Variable, error) {
	tokens := extractVariables(resource)
	if len(tokens) == 0 {
		return nil, nil
	}
	variables := make([]Variable, 0, len(tokens))
	for _, token := range tokens {
		variable, err := ParseVariable(token)
		if err != nil {
			return nil, trace.BadParameter("Policy contains unknown variables: %v", token)
		}
		if variable.IsAttributeVariable() {
			c.hasAttributeVariables = true
		}
		variables = append(variables, variable)
	}
	return variables, nil
}

// PermissionsForGroup returns the compiled permission set of a group.
func (c *GroupConfiguration) PermissionsForGroup(groupName string) []Permission {
	return c.groupPermissions[groupName]
}

// ApplicablePermissions returns the permission sets of every group
// whose selection rule matches the session.
func (c *GroupConfiguration) ApplicablePermissions(src AttributeSource) map[string][]Permission {
	applicable := make(map[string][]Permission)
	for groupName, definition := range c.definitions {
		if definition.Matches(src) {
			applicable[groupName] = c.groupPermissions[groupName]
		}
	}
	return applicable
}

// HasAttributeVariables reports whether any permission reads thing
// attributes during substitution.
func (c *GroupConfiguration) HasAttributeVariables() bool { return c.hasAttributeVariables }
