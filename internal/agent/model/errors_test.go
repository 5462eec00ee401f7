package model

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSpecialistTimeoutIsASpecialistFailure(t *testing.T) {
	var err error = &SpecialistTimeout{Specialist: SpecialistCompute, Timeout: time.Second}
	var sf *SpecialistFailure
	require.True(t, errors.As(err, &sf))
	assert.Equal(t, FailureTimeout, sf.Kind)
	assert.Equal(t, SpecialistCompute, sf.Specialist)

	err = &SpecialistTimeout{Specialist: SpecialistIAM, Cancelled: true}
	require.True(t, errors.As(err, &sf))
	assert.Equal(t, FailureCancelled, sf.Kind)
}

func TestIsFatalSetup(t *testing.T) {
	base := errors.New("AccessDenied")
	wrapped := fmt.Errorf("investigate: %w", &FatalSetupError{Stage: "assume-role", Err: base})

	assert.True(t, IsFatalSetup(wrapped))
	assert.ErrorIs(t, wrapped, base)
	assert.False(t, IsFatalSetup(&DiscoveryError{TraceID: "1-x", Err: base}))
}

func TestResourceKey(t *testing.T) {
	assert.Equal(t, "arn:aws:sqs:us-east-1:1:q", ResourceDescriptor{Type: ResourceSQSQueue, Name: "q", Identifier: "arn:aws:sqs:us-east-1:1:q"}.Key())
	assert.Equal(t, "sqs-queue/q", ResourceDescriptor{Type: ResourceSQSQueue, Name: "q"}.Key())
}

func TestSpecialistRank(t *testing.T) {
	assert.Equal(t, 0, SpecialistRank(SpecialistCompute))
	assert.Equal(t, len(SpecialistOrder), SpecialistRank("database"))

	st, ok := ParseSpecialistType("iam")
	assert.True(t, ok)
	assert.Equal(t, SpecialistIAM, st)
}
