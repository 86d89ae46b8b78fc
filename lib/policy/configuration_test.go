package policy

import (
	"testing"

	"github.com/gravitational/trace"
	"github.com/stretchr/testify/require"
)

func mustDefinition(t *testing.T, selectionRule, policyName string) *GroupDefinition {
	t.Helper()
	definition, err := NewGroupDefinition(selectionRule, policyName)
	require.NoError(t, err)
	return definition
}

func TestNewGroupDefinition(t *testing.T) {
	definition := mustDefinition(t, "thingName: alpha", "p1")
	require.Equal(t, "thingName: alpha", definition.SelectionRule())
	require.Equal(t, "p1", definition.PolicyName())
	require.True(t, definition.Matches(thingSource("alpha")))
	require.False(t, definition.Matches(thingSource("beta")))

	_, err := NewGroupDefinition("thingName: alpha", "")
	require.Error(t, err)
	_, err = NewGroupDefinition("bogus rule", "p1")
	require.Error(t, err)
}

func TestMissingPolicyReference(t *testing.T) {
	definitions := map[string]*GroupDefinition{
		"g1": mustDefinition(t, "thingName: alpha", "p2"),
	}
	policies := map[string]map[string]Statement{
		"p1": {"s1": {Effect: EffectAllow, Operations: []string{"mqtt:publish"}, Resources: []string{"mqtt:topic:foo"}}},
	}
	_, err := NewGroupConfiguration(definitions, policies)
	require.True(t, trace.IsBadParameter(err))
	require.Contains(t, err.Error(), "Policy definition p2 does not have a corresponding policy")
}

func TestCompilePermissions(t *testing.T) {
	definitions := map[string]*GroupDefinition{
		"g1": mustDefinition(t, "thingName: alpha", "p1"),
	}
	policies := map[string]map[string]Statement{
		"p1": {
			"s1": {
				Effect:     EffectAllow,
				Operations: []string{"mqtt:publish", "mqtt:subscribe"},
				Resources:  []string{"mqtt:topic:foo", ""},
			},
			"s2": {
				Effect:     EffectDeny,
				Operations: []string{"mqtt:publish"},
				Resources:  []string{"mqtt:topic:secret"},
			},
		},
	}
	groups, err := NewGroupConfiguration(definitions, policies)
	require.NoError(t, err)

	permissions := groups.PermissionsForGroup("g1")
	require.Len(t, permissions, 2)
	for _, permission := range permissions {
		require.Equal(t, "g1", permission.Principal)
		require.Equal(t, "mqtt:topic:foo", permission.Resource)
		require.Empty(t, permission.ResourceVariables)
	}
	require.False(t, groups.HasAttributeVariables())

	applicable := groups.ApplicablePermissions(thingSource("alpha"))
	require.Len(t, applicable, 1)
	require.Len(t, applicable["g1"], 2)
	require.Empty(t, groups.ApplicablePermissions(thingSource("beta")))
}

func TestCompileResourceVariables(t *testing.T) {
	definitions := map[string]*GroupDefinition{
		"g1": mustDefinition(t, "thingName: alpha", "p1"),
	}
	policies := map[string]map[string]Statement{
		"p1": {
			"s1": {
				Effect:     EffectAllow,
				Operations: []string{"mqtt:publish"},
				Resources:  []string{"mqtt:topic:${iot:Connection.Thing.ThingName}/state"},
			},
		},
	}
	groups, err := NewGroupConfiguration(definitions, policies)
	require.NoError(t, err)
	permissions := groups.PermissionsForGroup("g1")
	require.Len(t, permissions, 1)
	require.Len(t, permissions[0].ResourceVariables, 1)

	substituted, err := permissions[0].Substitute(thingSource("alpha"))
	require.NoError(t, err)
	require.Equal(t, "mqtt:topic:alpha/state", substituted)

	_, err = permissions[0].Substitute(fakeSource{})
	require.True(t, trace.IsNotFound(err))
}

func TestCompileUnknownVariable(t *testing.T) {
	definitions := map[string]*GroupDefinition{
		"g1": mustDefinition(t, "thingName: alpha", "p1"),
	}
	policies := map[string]map[string]Statement{
		"p1": {
			"s1": {
				Effect:     EffectAllow,
				Operations: []string{"mqtt:publish"},
				Resources:  []string{"mqtt:topic:${custom:Var}"},
			},
		},
	}
	_, err := NewGroupConfiguration(definitions, policies)
	require.True(t, trace.IsBadParameter(err))
	require.Contains(t, err.Error(), "Policy contains unknown variables")
}

func TestHasAttributeVariables(t *testing.T) {
	definitions := map[string]*GroupDefinition{
		"g1": mustDefinition(t, "thingName: alpha", "p1"),
	}
	policies := map[string]map[string]Statement{
		"p1": {
			"s1": {
				Effect:     EffectAllow,
				Operations: []string{"mqtt:publish"},
				Resources:  []string{"mqtt:topic:${iot:Connection.Thing.Attributes[Model2]}"},
			},
		},
	}
	groups, err := NewGroupConfiguration(definitions, policies)
	require.NoError(t, err)
	require.True(t, groups.HasAttributeVariables())
}
