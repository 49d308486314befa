package orchestration

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/itsneelabh/labelagent/pkg/plan"
)

type MockReplanner struct {
	mock.Mock
}

func (m *MockReplanner) Replan(ctx context.Context, req ReplanRequest) (*plan.Plan, error) {
	args := m.Called(ctx, req)
	if p := args.Get(0); p != nil {
		return p.(*plan.Plan), args.Error(1)
	}
	return nil, args.Error(1)
}

func searchPlan() *plan.Plan {
	s1 := plan.Step{
		StepNumber:      1,
		Method:          "GET",
		PathTemplate:    "/api/labels/search",
		QueryParameters: map[string]string{"name": "aspirin"},
		OutputMapping:   map[string]string{"ids": "setId[]"},
	}
	s2 := plan.Step{StepNumber: 2, Method: "GET", PathTemplate: "/api/labels/{{ids}}", DependsOn: plan.IntRef(1)}
	return &plan.Plan{ID: "original", Explanation: "find aspirin", Steps: []plan.Step{s1, s2}}
}

func failedSearch() []StepResult {
	return []StepResult{
		{StepNumber: 1, Method: "GET", Path: "/api/labels/search", StatusCode: 404, ErrorKind: KindInvocation, Error: "status 404"},
		{StepNumber: 2, Method: "GET", Skipped: true, SkipReason: ReasonDependencyUnsatisfied},
	}
}

func TestEscalate_SubstitutesFallbackEndpoint(t *testing.T) {
	c := NewController(WithPlanIDGenerator(func() string { return "alt-1" }))
	original := searchPlan()

	for _, attempt := range []int{1, 2} {
		esc, err := c.Escalate(context.Background(), EscalationRequest{
			OriginalRequest: "find aspirin",
			Plan:            original,
			Failed:          failedSearch(),
			Attempt:         attempt,
		})
		require.NoError(t, err)
		require.Nil(t, esc.DirectAnswer)
		require.NotNil(t, esc.Plan)
		assert.Equal(t, SourceSubstitution, esc.Source)
		assert.Equal(t, []int{1}, esc.Substituted)
		assert.Equal(t, "alt-1", esc.Plan.ID)

		s1, ok := esc.Plan.Step(1)
		require.True(t, ok)
		assert.Equal(t, "/api/labels", s1.PathTemplate)
		assert.Equal(t, map[string]string{"limit": "100", "skip": "0"}, s1.QueryParameters)
		assert.Equal(t, map[string]string{"ids": "setId[]"}, s1.OutputMapping)

		s2, _ := esc.Plan.Step(2)
		assert.Equal(t, "/api/labels/{{ids}}", s2.PathTemplate)
	}

	// the input plan is untouched
	s1, _ := original.Step(1)
	assert.Equal(t, "/api/labels/search", s1.PathTemplate)
	assert.Equal(t, "original", original.ID)
}

func TestEscalate_RetryBoundAlwaysAnswersDirectly(t *testing.T) {
	replanner := &MockReplanner{}
	c := NewController(WithReplanner(replanner))

	for _, attempt := range []int{3, 4, 10} {
		esc, err := c.Escalate(context.Background(), EscalationRequest{
			Plan:    searchPlan(),
			Failed:  failedSearch(),
			Attempt: attempt,
		})
		require.NoError(t, err)
		assert.Nil(t, esc.Plan)
		require.NotNil(t, esc.DirectAnswer)
		assert.Equal(t, ReasonAttemptsExhausted, esc.DirectAnswer.Reason)
		assert.Equal(t, attempt, esc.DirectAnswer.Attempt)
		assert.Contains(t, esc.DirectAnswer.Message, "No alternative plan")
		assert.Contains(t, esc.DirectAnswer.Message, "Step 1 failed with status 404")
	}
	replanner.AssertNotCalled(t, "Replan", mock.Anything, mock.Anything)
}

func TestEscalate_ConfiguredMaxAttempts(t *testing.T) {
	c := NewController(WithMaxAttempts(1))
	esc, err := c.Escalate(context.Background(), EscalationRequest{Plan: searchPlan(), Failed: failedSearch(), Attempt: 1})
	require.NoError(t, err)
	require.NotNil(t, esc.DirectAnswer)
	assert.Equal(t, 1, c.MaxAttempts())
}

func TestEscalate_RaisedMaxAttemptsStillEndsAtThree(t *testing.T) {
	for _, n := range []int{4, 5, 10} {
		c := NewController(WithMaxAttempts(n))
		assert.Equal(t, DefaultMaxAttempts, c.MaxAttempts())

		esc, err := c.Escalate(context.Background(), EscalationRequest{Plan: searchPlan(), Failed: failedSearch(), Attempt: 2})
		require.NoError(t, err)
		require.NotNil(t, esc.Plan, "max %d attempt 2", n)

		for _, attempt := range []int{3, 4} {
			esc, err := c.Escalate(context.Background(), EscalationRequest{Plan: searchPlan(), Failed: failedSearch(), Attempt: attempt})
			require.NoError(t, err)
			assert.Nil(t, esc.Plan, "max %d attempt %d", n, attempt)
			require.NotNil(t, esc.DirectAnswer)
			assert.Equal(t, ReasonAttemptsExhausted, esc.DirectAnswer.Reason)
		}
	}
}

func TestEscalate_InvalidAttempt(t *testing.T) {
	_, err := NewController().Escalate(context.Background(), EscalationRequest{Plan: searchPlan(), Attempt: 0})
	assert.True(t, errors.Is(err, ErrInvalidAttempt))
}

func TestEscalate_NoAlternative(t *testing.T) {
	c := NewController()

	t.Run("unmatched endpoint", func(t *testing.T) {
		p := &plan.Plan{Steps: []plan.Step{{StepNumber: 1, Method: "GET", PathTemplate: "/api/activity"}}}
		esc, err := c.Escalate(context.Background(), EscalationRequest{
			Plan:    p,
			Failed:  []StepResult{{StepNumber: 1, ErrorKind: KindInvocation, StatusCode: 500}},
			Attempt: 1,
		})
		require.NoError(t, err)
		require.NotNil(t, esc.DirectAnswer)
		assert.Equal(t, ReasonNoAlternative, esc.DirectAnswer.Reason)
	})

	t.Run("template failure is not substituted", func(t *testing.T) {
		esc, err := c.Escalate(context.Background(), EscalationRequest{
			Plan:    searchPlan(),
			Failed:  []StepResult{{StepNumber: 1, ErrorKind: KindTemplateResolution}},
			Attempt: 1,
		})
		require.NoError(t, err)
		require.NotNil(t, esc.DirectAnswer)
		assert.Equal(t, ReasonNoAlternative, esc.DirectAnswer.Reason)
	})

	t.Run("no failures", func(t *testing.T) {
		esc, err := c.Escalate(context.Background(), EscalationRequest{
			Plan:    searchPlan(),
			Failed:  []StepResult{{StepNumber: 1, Succeeded: true}},
			Attempt: 1,
		})
		require.NoError(t, err)
		require.NotNil(t, esc.DirectAnswer)
		assert.Equal(t, ReasonNoFailures, esc.DirectAnswer.Reason)
	})
}

func TestEscalate_TreatsAllFailureStatusesAlike(t *testing.T) {
	c := NewController()
	for _, status := range []int{404, 500, 0} {
		failed := failedSearch()
		failed[0].StatusCode = status
		esc, err := c.Escalate(context.Background(), EscalationRequest{Plan: searchPlan(), Failed: failed, Attempt: 1})
		require.NoError(t, err)
		require.NotNil(t, esc.Plan, "status %d", status)
	}
}

func TestEscalate_ReplannerFirst(t *testing.T) {
	alt := &plan.Plan{ID: "from-producer", Steps: []plan.Step{{StepNumber: 1, Method: "GET", PathTemplate: "/api/labels"}}}

	replanner := &MockReplanner{}
	replanner.On("Replan", mock.Anything, mock.MatchedBy(func(req ReplanRequest) bool {
		return req.Attempt == 1 && len(req.Failed) == 1 && len(req.Hints) == 1 && req.Hints[0].Family == "label-search"
	})).Return(alt, nil)

	esc, err := NewController(WithReplanner(replanner)).Escalate(context.Background(),
		EscalationRequest{OriginalRequest: "q", Plan: searchPlan(), Failed: failedSearch(), Attempt: 1})
	require.NoError(t, err)
	assert.Equal(t, SourceReplanner, esc.Source)
	assert.Same(t, alt, esc.Plan)
	replanner.AssertExpectations(t)
}

func TestEscalate_ReplannerFallsBackToSubstitution(t *testing.T) {
	invalid := &plan.Plan{Steps: []plan.Step{{StepNumber: 1, Method: "GET", PathTemplate: "/x", DependsOn: plan.IntRef(7)}}}

	tests := []struct {
		name string
		plan *plan.Plan
		err  error
	}{
		{"replanner error", nil, errors.New("producer unavailable")},
		{"replanner declines", nil, nil},
		{"replanner returns invalid plan", invalid, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			replanner := &MockReplanner{}
			replanner.On("Replan", mock.Anything, mock.Anything).Return(tt.plan, tt.err)

			esc, err := NewController(WithReplanner(replanner)).Escalate(context.Background(),
				EscalationRequest{Plan: searchPlan(), Failed: failedSearch(), Attempt: 1})
			require.NoError(t, err)
			assert.Equal(t, SourceSubstitution, esc.Source)
			require.NotNil(t, esc.Plan)
			replanner.AssertExpectations(t)
		})
	}
}

func TestSubstitution(t *testing.T) {
	sub := Substitution{
		Family:         "post-search",
		Method:         "post",
		PathPrefix:     "/api/search",
		FallbackMethod: "get",
		FallbackPath:   "/api/all",
		FallbackQuery:  map[string]string{"limit": "10"},
	}

	s := plan.Step{StepNumber: 1, Method: "POST", PathTemplate: "/api/search/{{q}}", QueryParameters: map[string]string{"q": "{{q}}"}}
	require.True(t, sub.Matches(s))
	assert.False(t, sub.Matches(plan.Step{Method: "GET", PathTemplate: "/api/search"}))
	assert.False(t, sub.Matches(plan.Step{Method: "POST", PathTemplate: "/api/other"}))

	out := sub.Apply(s)
	assert.Equal(t, "GET", out.Method)
	assert.Equal(t, "/api/all", out.PathTemplate)
	assert.Equal(t, map[string]string{"q": "{{q}}", "limit": "10"}, out.QueryParameters)
	assert.Equal(t, "fallback: post-search", out.Description)
	// the source step keeps its query
	assert.Equal(t, map[string]string{"q": "{{q}}"}, s.QueryParameters)

	anyMethod := Substitution{PathPrefix: "/api"}
	assert.True(t, anyMethod.Matches(plan.Step{Method: "DELETE", PathTemplate: "/api/x"}))
}
