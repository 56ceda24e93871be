package events

import (
	"encoding/json"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWrapUnwrap(t *testing.T) {
	mocking := false
	b, err := Wrap(TestgenRequested, TestgenRequestedPayload{
		JobID:       "job-1",
		ClassName:   "Calculator",
		ClassSource: "public class Calculator {}",
		UseMocking:  &mocking,
	})
	require.NoError(t, err)

	env, err := UnwrapEnvelope(b)
	require.NoError(t, err)
	assert.Equal(t, TestgenRequested, env.RoutingKey)
	_, err = uuid.Parse(env.ID)
	assert.NoError(t, err)
	assert.False(t, env.Timestamp.IsZero())

	p, err := Unwrap[TestgenRequestedPayload](b)
	require.NoError(t, err)
	assert.Equal(t, "Calculator", p.ClassName)
	require.NotNil(t, p.UseMocking)
	assert.False(t, *p.UseMocking)
	assert.Nil(t, p.IncludeComments)
}

func TestOptionalFlagsOmitted(t *testing.T) {
	raw, err := json.Marshal(TestgenRequestedPayload{JobID: "j", ClassName: "A", ClassSource: "class A {}"})
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "use_mocking")
	assert.NotContains(t, string(raw), "include_comments")
}

func TestUnwrapGarbage(t *testing.T) {
	_, err := Unwrap[TestgenCompletePayload]([]byte("not json"))
	assert.Error(t, err)
}
