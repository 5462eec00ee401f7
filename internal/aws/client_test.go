package aws

import (
	"context"
	"errors"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatchlogs"
	logtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatchlogs/types"
	"github.com/aws/aws-sdk-go-v2/service/iam"
	iamtypes "github.com/aws/aws-sdk-go-v2/service/iam/types"
	"github.com/aws/aws-sdk-go-v2/service/lambda"
	lambdatypes "github.com/aws/aws-sdk-go-v2/service/lambda/types"
	"github.com/aws/aws-sdk-go-v2/service/xray"
	xraytypes "github.com/aws/aws-sdk-go-v2/service/xray/types"
	"github.com/aws/smithy-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/bgdnvk/cloudsleuth/internal/agent/model"
)

type fakeLambda struct {
	out *lambda.GetFunctionConfigurationOutput
	err error
}

func (f fakeLambda) GetFunctionConfiguration(context.Context, *lambda.GetFunctionConfigurationInput, ...func(*lambda.Options)) (*lambda.GetFunctionConfigurationOutput, error) {
	return f.out, f.err
}

type fakeCloudWatch struct{ sums map[string]float64 }

func (f fakeCloudWatch) GetMetricStatistics(_ context.Context, in *cloudwatch.GetMetricStatisticsInput, _ ...func(*cloudwatch.Options)) (*cloudwatch.GetMetricStatisticsOutput, error) {
	sum, ok := f.sums[aws.ToString(in.MetricName)]
	if !ok {
		return &cloudwatch.GetMetricStatisticsOutput{}, nil
	}
	return &cloudwatch.GetMetricStatisticsOutput{Datapoints: []cwtypes.Datapoint{{Sum: aws.Float64(sum)}}}, nil
}

type fakeLogs struct {
	group    string
	messages []string
}

func (f *fakeLogs) FilterLogEvents(_ context.Context, in *cloudwatchlogs.FilterLogEventsInput, _ ...func(*cloudwatchlogs.Options)) (*cloudwatchlogs.FilterLogEventsOutput, error) {
	f.group = aws.ToString(in.LogGroupName)
	out := &cloudwatchlogs.FilterLogEventsOutput{}
	for _, m := range f.messages {
		out.Events = append(out.Events, logtypes.FilteredLogEvent{Message: aws.String(m)})
	}
	return out, nil
}

type fakeIAM struct {
	attached []iamtypes.AttachedPolicy
	inline   []string
	err      error
}

func (f fakeIAM) GetRole(context.Context, *iam.GetRoleInput, ...func(*iam.Options)) (*iam.GetRoleOutput, error) {
	if f.err != nil {
		return nil, f.err
	}
	doc := "%7B%22Version%22%3A%222012-10-17%22%7D"
	return &iam.GetRoleOutput{Role: &iamtypes.Role{AssumeRolePolicyDocument: aws.String(doc)}}, nil
}

func (f fakeIAM) ListAttachedRolePolicies(context.Context, *iam.ListAttachedRolePoliciesInput, ...func(*iam.Options)) (*iam.ListAttachedRolePoliciesOutput, error) {
	return &iam.ListAttachedRolePoliciesOutput{AttachedPolicies: f.attached}, nil
}

func (f fakeIAM) ListRolePolicies(context.Context, *iam.ListRolePoliciesInput, ...func(*iam.Options)) (*iam.ListRolePoliciesOutput, error) {
	return &iam.ListRolePoliciesOutput{PolicyNames: f.inline}, nil
}

func (f fakeIAM) GetPolicy(context.Context, *iam.GetPolicyInput, ...func(*iam.Options)) (*iam.GetPolicyOutput, error) {
	return &iam.GetPolicyOutput{}, nil
}

type fakeXRay struct {
	services []xraytypes.Service
	segments []string
	err      error
}

func (f fakeXRay) GetTraceGraph(context.Context, *xray.GetTraceGraphInput, ...func(*xray.Options)) (*xray.GetTraceGraphOutput, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &xray.GetTraceGraphOutput{Services: f.services}, nil
}

func (f fakeXRay) BatchGetTraces(context.Context, *xray.BatchGetTracesInput, ...func(*xray.Options)) (*xray.BatchGetTracesOutput, error) {
	tr := xraytypes.Trace{Id: aws.String("1-abc")}
	for _, doc := range f.segments {
		tr.Segments = append(tr.Segments, xraytypes.Segment{Document: aws.String(doc)})
	}
	return &xray.BatchGetTracesOutput{Traces: []xraytypes.Trace{tr}}, nil
}

func testClient() *Client {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	return &Client{
		accountID: "123456789012",
		region:    "us-east-1",
		lookback:  time.Hour,
		now:       func() time.Time { return now },
		logger:    zap.NewNop(),
	}
}

func contents(obs []Observation) []string {
	var out []string
	for _, o := range obs {
		out = append(out, o.Content)
	}
	return out
}

func TestCollectLambda(t *testing.T) {
	c := testClient()
	logs := &fakeLogs{messages: []string{"ERROR AccessDeniedException: not authorized to perform dynamodb:PutItem"}}
	c.lambda = fakeLambda{out: &lambda.GetFunctionConfigurationOutput{
		Runtime:          lambdatypes.RuntimePython311,
		Timeout:          aws.Int32(30),
		MemorySize:       aws.Int32(256),
		Role:             aws.String("arn:aws:iam::123456789012:role/order-fn"),
		State:            lambdatypes.StateActive,
		LastUpdateStatus: lambdatypes.LastUpdateStatusFailed,
	}}
	c.cloudwatch = fakeCloudWatch{sums: map[string]float64{"Errors": 12}}
	c.cloudwatchlogs = logs

	obs := c.Collect(context.Background(), model.ResourceDescriptor{Type: model.ResourceLambdaFunction, Name: "order-fn"})

	got := contents(obs)
	assert.Contains(t, got, "function order-fn executes as role arn:aws:iam::123456789012:role/order-fn")
	assert.Contains(t, got, "function order-fn reported 12 Errors in the last 1h0m0s")
	assert.Contains(t, got, "log /aws/lambda/order-fn: ERROR AccessDeniedException: not authorized to perform dynamodb:PutItem")
	assert.NotContains(t, got, "function order-fn reported 0 Throttles in the last 1h0m0s")
	assert.Equal(t, "/aws/lambda/order-fn", logs.group)
	for _, o := range obs {
		assert.Equal(t, "lambda-function/order-fn", o.Resource)
	}
}

func TestCollectReportsAPIErrors(t *testing.T) {
	c := testClient()
	c.lambda = fakeLambda{err: &smithy.GenericAPIError{Code: "AccessDeniedException", Message: "User is not authorized to perform lambda:GetFunctionConfiguration"}}

	obs := c.Collect(context.Background(), model.ResourceDescriptor{Type: model.ResourceLambdaFunction, Name: "order-fn"})

	require.Len(t, obs, 1)
	assert.Equal(t, SignalAccessDenied, obs[0].Signal)
	assert.Equal(t, "lambda:GetFunctionConfiguration", obs[0].Operation)
	assert.Contains(t, obs[0].Content, "denied")
}

func TestCollectRoleWithoutPolicies(t *testing.T) {
	c := testClient()
	c.iam = fakeIAM{}

	obs := c.Collect(context.Background(), model.ResourceDescriptor{Type: model.ResourceIAMRole, Name: "order-fn"})

	got := contents(obs)
	assert.Contains(t, got, `role order-fn trust policy: {"Version":"2012-10-17"}`)
	assert.Contains(t, got, "role order-fn has no permissions policies attached")
}

func TestCollectRoleWithPolicies(t *testing.T) {
	c := testClient()
	c.iam = fakeIAM{
		attached: []iamtypes.AttachedPolicy{{PolicyName: aws.String("AWSLambdaBasicExecutionRole")}},
		inline:   []string{"orders-table"},
	}

	got := contents(c.Collect(context.Background(), model.ResourceDescriptor{Type: model.ResourceIAMRole, Name: "order-fn"}))

	assert.Contains(t, got, "role order-fn has managed policies: AWSLambdaBasicExecutionRole")
	assert.Contains(t, got, "role order-fn has inline policies: orders-table")
	assert.NotContains(t, got, "role order-fn has no permissions policies attached")
}

func TestCollectUnknownType(t *testing.T) {
	obs := testClient().Collect(context.Background(), model.ResourceDescriptor{Type: "unknown:dynamodb", Name: "orders"})
	require.Len(t, obs, 1)
	assert.Contains(t, obs[0].Content, "no collector")
}

func TestCategorizeAWSError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Signal
	}{
		{"access denied", &smithy.GenericAPIError{Code: "AccessDenied"}, SignalAccessDenied},
		{"unauthorized", &smithy.GenericAPIError{Code: "UnauthorizedOperation"}, SignalAccessDenied},
		{"not found", &smithy.GenericAPIError{Code: "ResourceNotFoundException"}, SignalNotFound},
		{"no such bucket", &smithy.GenericAPIError{Code: "NoSuchBucket"}, SignalNotFound},
		{"throttled", &smithy.GenericAPIError{Code: "ThrottlingException", Message: "Rate exceeded"}, SignalThrottled},
		{"plain error", errors.New("dial tcp: lookup lambda.xx-east-9.amazonaws.com: no such host"), SignalUnavailable},
		{"other", errors.New("boom"), SignalError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, msg := categorizeAWSError(tt.err, "op")
			assert.Equal(t, tt.want, got)
			assert.NotEmpty(t, msg)
		})
	}

	sig, msg := categorizeAWSError(nil, "op")
	assert.Equal(t, SignalOK, sig)
	assert.Empty(t, msg)
}

func TestLookupTraceMergesSegments(t *testing.T) {
	c := testClient()
	c.xray = fakeXRay{
		services: []xraytypes.Service{
			{Name: aws.String("client"), Type: aws.String("client")},
			{Name: aws.String("order-fn"), Type: aws.String("AWS::Lambda::Function")},
		},
		segments: []string{
			`{"name":"order-fn","origin":"AWS::Lambda::Function","resource_arn":"arn:aws:lambda:us-east-1:123456789012:function:order-fn","fault":true,
			  "subsegments":[{"name":"orders-queue","origin":"AWS::SQS::Queue","resource_arn":"arn:aws:sqs:us-east-1:123456789012:orders-queue","aws":{"operation":"SendMessage"}}]}`,
			`not json`,
		},
	}

	graph, err := c.LookupTrace(context.Background(), "1-abc")
	require.NoError(t, err)
	require.Len(t, graph.Nodes, 3)
	assert.Equal(t, "client", graph.Nodes[0].Type)
	assert.Equal(t, "arn:aws:lambda:us-east-1:123456789012:function:order-fn", graph.Nodes[1].Identifier)
	assert.Equal(t, "fault", graph.Nodes[1].Attributes["segment_status"])
	assert.Equal(t, "orders-queue", graph.Nodes[2].Name)
	assert.Equal(t, "SendMessage", graph.Nodes[2].Attributes["operation"])
}

func TestLookupTraceError(t *testing.T) {
	c := testClient()
	c.xray = fakeXRay{err: &smithy.GenericAPIError{Code: "InvalidRequestException", Message: "bad trace id"}}

	_, err := c.LookupTrace(context.Background(), "nope")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "nope")
}

func TestTruncateKeepsRunesWhole(t *testing.T) {
	msg := "  Task timed out after 3.00 seconds 🚨  "
	for n := 30; n < len(msg); n++ {
		assert.True(t, utf8.ValidString(truncate(msg, n)), "n=%d", n)
	}
	assert.Equal(t, "Task...", truncate(msg, 4))
}
