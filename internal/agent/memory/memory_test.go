package memory

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bgdnvk/cloudsleuth/internal/agent/model"
)

func openStore(t *testing.T) (*Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "nested", "hints.db")
	s, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s, path
}

func res(typ, name string) model.ResourceDescriptor {
	return model.ResourceDescriptor{Type: typ, Name: name}
}

func TestHintsBySimilarity(t *testing.T) {
	s, _ := openStore(t)
	ctx := context.Background()
	base := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

	fn := res(model.ResourceLambdaFunction, "checkout").Key()
	role := res(model.ResourceIAMRole, "checkout-role").Key()
	queue := res(model.ResourceSQSQueue, "orders").Key()
	other := res(model.ResourceS3Bucket, "assets").Key()

	runs := []Run{
		{RunID: "exact", RecordedAt: base, Resources: []string{fn, role}, RootCauseType: "iam_permission", Confidence: 0.8},
		{RunID: "partial", RecordedAt: base.Add(time.Hour), Resources: []string{fn, queue}, RootCauseType: "throttling", Confidence: 0.6},
		{RunID: "unrelated", RecordedAt: base.Add(2 * time.Hour), Resources: []string{other}, RootCauseType: "config", Confidence: 0.5},
	}
	for _, r := range runs {
		require.NoError(t, s.Record(ctx, r))
	}

	hints, err := s.Hints(ctx, []model.ResourceDescriptor{
		res(model.ResourceLambdaFunction, "checkout"),
		res(model.ResourceIAMRole, "checkout-role"),
	})
	require.NoError(t, err)

	require.Len(t, hints, 2)
	assert.Equal(t, "exact", hints[0].RunID)
	assert.Equal(t, 1.0, hints[0].Similarity)
	assert.Equal(t, "iam_permission", hints[0].RootCauseType)
	assert.True(t, hints[0].RecordedAt.Equal(base))
	assert.Equal(t, "partial", hints[1].RunID)
	assert.InDelta(t, 1.0/3, hints[1].Similarity, 1e-9)
}

func TestHintsCapAndEmptyInput(t *testing.T) {
	s, _ := openStore(t)
	ctx := context.Background()
	key := res(model.ResourceLambdaFunction, "checkout").Key()
	for _, id := range []string{"a", "b", "c", "d", "e"} {
		require.NoError(t, s.Record(ctx, Run{RunID: id, Resources: []string{key}}))
	}

	hints, err := s.Hints(ctx, []model.ResourceDescriptor{res(model.ResourceLambdaFunction, "checkout")})
	require.NoError(t, err)
	assert.Len(t, hints, MaxHints)

	hints, err = s.Hints(ctx, nil)
	require.NoError(t, err)
	assert.Empty(t, hints)
}

func TestRecordReportAndReopen(t *testing.T) {
	s, path := openStore(t)
	ctx := context.Background()

	rep := &model.InvestigationReport{
		RunID:             "run-1",
		Status:            model.StatusCompleted,
		FinishedAt:        time.Now(),
		AffectedResources: []model.ResourceDescriptor{res(model.ResourceSNSTopic, "alerts")},
		RootCause: model.RootCauseAnalysis{
			Primary:    &model.Hypothesis{Type: "misconfiguration"},
			Confidence: 0.7,
		},
	}
	require.NoError(t, s.RecordReport(ctx, rep))
	require.NoError(t, s.RecordReport(ctx, rep))
	require.NoError(t, s.Close())

	reopened, err := Open(path)
	require.NoError(t, err)
	defer reopened.Close()

	hints, err := reopened.Hints(ctx, rep.AffectedResources)
	require.NoError(t, err)
	require.Len(t, hints, 1)
	assert.Equal(t, "misconfiguration", hints[0].RootCauseType)
	assert.Equal(t, 0.7, hints[0].Confidence)
}
