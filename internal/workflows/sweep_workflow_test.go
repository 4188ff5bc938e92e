package workflows

import (
	"errors"
	"testing"
	"time"

	"github.com/AhmedYahia74/Egypt-Smart-Journey-Planner/internal/activities"
	"github.com/AhmedYahia74/Egypt-Smart-Journey-Planner/internal/settlement"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/suite"
	"go.temporal.io/sdk/activity"
	"go.temporal.io/sdk/testsuite"
)

type SweepWorkflowTestSuite struct {
	suite.Suite
	testsuite.WorkflowTestSuite
	env *testsuite.TestWorkflowEnvironment
}

func (s *SweepWorkflowTestSuite) SetupTest() {
	s.env = s.NewTestWorkflowEnvironment()
	s.env.RegisterActivityWithOptions((&activities.Activities{}).SweepExpiredReservations, activity.RegisterOptions{Name: SweepActivityName})
}

func (s *SweepWorkflowTestSuite) AfterTest(suiteName, testName string) {
	s.env.AssertExpectations(s.T())
}

func TestSweepWorkflowTestSuite(t *testing.T) {
	suite.Run(t, new(SweepWorkflowTestSuite))
}

func (s *SweepWorkflowTestSuite) TestWorkflow_Constants() {
	s.Equal("reservation-sweep", SweepWorkflowID)
	s.Equal(5*time.Minute, SweepTimeout)
}

func (s *SweepWorkflowTestSuite) TestWorkflow_ReportsSweep() {
	expected := &settlement.SweepReport{Scanned: 4, Settled: 1, Released: 2, Skipped: 1}
	s.env.OnActivity(SweepActivityName, mock.Anything, mock.MatchedBy(func(in activities.SweepInput) bool {
		return !in.Now.IsZero()
	})).Return(expected, nil).Once()

	s.env.ExecuteWorkflow(ReservationSweepWorkflow)

	s.True(s.env.IsWorkflowCompleted())
	s.NoError(s.env.GetWorkflowError())

	var report settlement.SweepReport
	s.NoError(s.env.GetWorkflowResult(&report))
	s.Equal(*expected, report)
}

func (s *SweepWorkflowTestSuite) TestWorkflow_RetriesFailedSweep() {
	s.env.OnActivity(SweepActivityName, mock.Anything, mock.Anything).
		Return(nil, errors.New("database is down")).Times(2)
	s.env.OnActivity(SweepActivityName, mock.Anything, mock.Anything).
		Return(&settlement.SweepReport{Scanned: 1, Released: 1}, nil).Once()

	s.env.ExecuteWorkflow(ReservationSweepWorkflow)

	s.True(s.env.IsWorkflowCompleted())
	s.NoError(s.env.GetWorkflowError())
}

func (s *SweepWorkflowTestSuite) TestWorkflow_GivesUpAfterRetries() {
	s.env.OnActivity(SweepActivityName, mock.Anything, mock.Anything).
		Return(nil, errors.New("database is down"))

	s.env.ExecuteWorkflow(ReservationSweepWorkflow)

	s.True(s.env.IsWorkflowCompleted())
	s.Error(s.env.GetWorkflowError())
}
