package policy

import (
	"testing"

	"github.com/gravitational/trace"
	"github.com/stretchr/testify/require"

	"github.com/aws-greengrass/aws-greengrass-client-device-auth-sub003/lib/session/attribute"
)

func TestParseVariable(t *testing.T) {
	v, err := ParseVariable("${iot:Connection.Thing.ThingName}")
	require.NoError(t, err)
	require.Equal(t, attribute.ThingNamespace, v.Namespace)
	require.Equal(t, attribute.ThingNameAttribute, v.Attribute)
	require.False(t, v.IsAttributeVariable())

	v, err = ParseVariable("${iot:Connection.Thing.Attributes[Model2]}")
	require.NoError(t, err)
	require.Equal(t, attribute.ThingNamespace, v.Namespace)
	require.Equal(t, "Model2", v.Attribute)
	require.True(t, v.IsAttributeVariable())

	for _, text := range []string{
		"${iot:Connection.Thing.Attributes[has-dash]}",
		"${iot:Connection.Thing.Attributes[]}",
		"${iot:Connection.Cert.ThingName}",
		"${custom}",
	} {
		_, err := ParseVariable(text)
		require.True(t, trace.IsBadParameter(err), text)
	}
}

func TestVariableResolve(t *testing.T) {
	v, err := ParseVariable("${iot:Connection.Thing.ThingName}")
	require.NoError(t, err)

	value, err := v.Resolve(thingSource("sensor-1"))
	require.NoError(t, err)
	require.Equal(t, "sensor-1", value)

	_, err = v.Resolve(fakeSource{})
	require.True(t, trace.IsNotFound(err))
}

func TestExtractVariables(t *testing.T) {
	tokens := extractVariables("mqtt:topic:${iot:Connection.Thing.ThingName}/state/${iot:Connection.Thing.Attributes[Model2]}")
	require.Equal(t, []string{
		"${iot:Connection.Thing.ThingName}",
		"${iot:Connection.Thing.Attributes[Model2]}",
	}, tokens)
	require.Empty(t, extractVariables("mqtt:topic:plain"))
}
