package orchestration

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunEscalating(t *testing.T) {
	t.Run("first run succeeds", func(t *testing.T) {
		inv := newRouteInvoker().
			on("GET /api/labels/search?name=aspirin", 200, `[{"setId":"s1"}]`).
			on("GET /api/labels/s1", 200, `{"title":"Aspirin"}`)

		out, err := RunEscalating(context.Background(), NewExecutor(inv), NewController(), "find aspirin", searchPlan())
		require.NoError(t, err)
		assert.Equal(t, 1, out.Attempts)
		assert.Nil(t, out.DirectAnswer)
		assert.Equal(t, "original", out.Plan.ID)
		assert.False(t, out.Result.HasFailures())
	})

	t.Run("reruns the substituted plan", func(t *testing.T) {
		inv := newRouteInvoker().on("GET /api/labels?limit=100&skip=0", 200, `[{"title":"Aspirin"}]`)
		c := NewController(WithPlanIDGenerator(func() string { return "alt-1" }))

		out, err := RunEscalating(context.Background(), NewExecutor(inv), c, "find aspirin", searchPlan())
		require.NoError(t, err)
		assert.Equal(t, 2, out.Attempts)
		assert.Nil(t, out.DirectAnswer)
		assert.Equal(t, "alt-1", out.Plan.ID)
		assert.True(t, mustStep(t, out.Result, 1).Succeeded)
	})

	t.Run("ends with a direct answer", func(t *testing.T) {
		inv := newRouteInvoker()

		out, err := RunEscalating(context.Background(), NewExecutor(inv), NewController(), "find aspirin", searchPlan())
		require.NoError(t, err)
		require.NotNil(t, out.DirectAnswer)
		assert.Equal(t, ReasonNoAlternative, out.DirectAnswer.Reason)
		assert.Equal(t, 2, out.Attempts)
		assert.True(t, out.Result.HasFailures())
		assert.Equal(t, 2, inv.callCount())
	})

	t.Run("requires collaborators", func(t *testing.T) {
		_, err := RunEscalating(context.Background(), nil, NewController(), "q", searchPlan())
		assert.Error(t, err)
	})
}
