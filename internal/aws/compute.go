package aws

import (
	"context"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatchlogs"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/aws/aws-sdk-go-v2/service/ecs"
	"github.com/aws/aws-sdk-go-v2/service/lambda"
	lambdatypes "github.com/aws/aws-sdk-go-v2/service/lambda/types"

	"github.com/bgdnvk/cloudsleuth/internal/agent/model"
)

// lambdaErrorPattern matches the log lines worth surfacing from a function.
const lambdaErrorPattern = `?ERROR ?Error ?Exception ?"Task timed out" ?AccessDenied ?"not authorized"`

func (c *Client) collectLambda(ctx context.Context, rd model.ResourceDescriptor, obs *observations) {
	const op = "lambda:GetFunctionConfiguration"
	fn, err := c.lambda.GetFunctionConfiguration(ctx, &lambda.GetFunctionConfigurationInput{
		FunctionName: aws.String(identifierOr(rd, rd.Name)),
	})
	if obs.failed(op, err) {
		return
	}

	obs.add(op, confidenceContext, "function %s runtime %s, timeout %ds, memory %dMB",
		rd.Name, fn.Runtime, aws.ToInt32(fn.Timeout), aws.ToInt32(fn.MemorySize))
	if role := aws.ToString(fn.Role); role != "" {
		obs.add(op, confidenceContext, "function %s executes as role %s", rd.Name, role)
	}
	if fn.State != "" && fn.State != lambdatypes.StateActive {
		obs.add(op, confidenceDirect, "function %s is in state %s: %s", rd.Name, fn.State, aws.ToString(fn.StateReason))
	}
	if fn.LastUpdateStatus == lambdatypes.LastUpdateStatusFailed {
		obs.add(op, confidenceDirect, "last update of function %s failed: %s", rd.Name, aws.ToString(fn.LastUpdateStatusReason))
	}

	dims := []cwtypes.Dimension{{Name: aws.String("FunctionName"), Value: aws.String(rd.Name)}}
	c.metricSum(ctx, obs, "AWS/Lambda", "Errors", dims, "function "+rd.Name)
	c.metricSum(ctx, obs, "AWS/Lambda", "Throttles", dims, "function "+rd.Name)
	c.recentLogErrors(ctx, obs, "/aws/lambda/"+rd.Name)
}

func (c *Client) collectEC2(ctx context.Context, rd model.ResourceDescriptor, obs *observations) {
	const op = "ec2:DescribeInstances"
	out, err := c.ec2.DescribeInstances(ctx, &ec2.DescribeInstancesInput{InstanceIds: []string{rd.Name}})
	if obs.failed(op, err) {
		return
	}
	found := false
	for _, res := range out.Reservations {
		for _, inst := range res.Instances {
			found = true
			state := ec2types.InstanceStateName("")
			if inst.State != nil {
				state = inst.State.Name
			}
			conf := confidenceContext
			if state != ec2types.InstanceStateNameRunning {
				conf = confidenceDirect
			}
			obs.add(op, conf, "instance %s (%s) is %s", aws.ToString(inst.InstanceId), inst.InstanceType, state)
			if inst.StateReason != nil && aws.ToString(inst.StateReason.Message) != "" {
				obs.add(op, confidenceNotable, "instance %s state reason: %s", aws.ToString(inst.InstanceId), aws.ToString(inst.StateReason.Message))
			}
		}
	}
	if !found {
		obs.add(op, confidenceDirect, "instance %s not found", rd.Name)
		return
	}

	const statusOp = "ec2:DescribeInstanceStatus"
	status, err := c.ec2.DescribeInstanceStatus(ctx, &ec2.DescribeInstanceStatusInput{InstanceIds: []string{rd.Name}})
	if obs.failed(statusOp, err) {
		return
	}
	for _, st := range status.InstanceStatuses {
		if st.InstanceStatus != nil && st.InstanceStatus.Status == ec2types.SummaryStatusImpaired {
			obs.add(statusOp, confidenceDirect, "instance %s failed its instance status checks", rd.Name)
		}
		if st.SystemStatus != nil && st.SystemStatus.Status == ec2types.SummaryStatusImpaired {
			obs.add(statusOp, confidenceDirect, "instance %s failed its system status checks", rd.Name)
		}
	}
}

func (c *Client) collectECS(ctx context.Context, rd model.ResourceDescriptor, obs *observations) {
	const op = "ecs:DescribeServices"
	cluster, service := "default", rd.Name
	if before, after, ok := strings.Cut(rd.Name, "/"); ok {
		cluster, service = before, after
	}
	out, err := c.ecs.DescribeServices(ctx, &ecs.DescribeServicesInput{
		Cluster:  aws.String(cluster),
		Services: []string{identifierOr(rd, service)},
	})
	if obs.failed(op, err) {
		return
	}
	for _, f := range out.Failures {
		obs.add(op, confidenceDirect, "service %s lookup failed: %s", service, aws.ToString(f.Reason))
	}
	for _, svc := range out.Services {
		name := aws.ToString(svc.ServiceName)
		conf := confidenceContext
		if svc.RunningCount < svc.DesiredCount {
			conf = confidenceDirect
		}
		obs.add(op, conf, "service %s in cluster %s is %s with %d/%d tasks running (%d pending)",
			name, cluster, aws.ToString(svc.Status), svc.RunningCount, svc.DesiredCount, svc.PendingCount)
		for i, ev := range svc.Events {
			if i >= maxServiceEvents {
				break
			}
			obs.add(op, confidenceNotable, "service %s event: %s", name, aws.ToString(ev.Message))
		}
	}
}

// metricSum reports the sum of a metric over the lookback window when it is
// non-zero.
func (c *Client) metricSum(ctx context.Context, obs *observations, namespace, metric string, dims []cwtypes.Dimension, subject string) {
	const op = "cloudwatch:GetMetricStatistics"
	end := c.now()
	period := int32(c.lookback.Seconds())
	if period < 60 {
		period = 60
	}
	period -= period % 60
	out, err := c.cloudwatch.GetMetricStatistics(ctx, &cloudwatch.GetMetricStatisticsInput{
		Namespace:  aws.String(namespace),
		MetricName: aws.String(metric),
		Dimensions: dims,
		StartTime:  aws.Time(end.Add(-c.lookback)),
		EndTime:    aws.Time(end),
		Period:     aws.Int32(period),
		Statistics: []cwtypes.Statistic{cwtypes.StatisticSum},
	})
	if obs.failed(op, err) {
		return
	}
	var sum float64
	for _, dp := range out.Datapoints {
		sum += aws.ToFloat64(dp.Sum)
	}
	if sum > 0 {
		obs.add(op, confidenceDirect, "%s reported %.0f %s in the last %s", subject, sum, metric, c.lookback)
	}
}

func (c *Client) recentLogErrors(ctx context.Context, obs *observations, group string) {
	const op = "logs:FilterLogEvents"
	out, err := c.cloudwatchlogs.FilterLogEvents(ctx, &cloudwatchlogs.FilterLogEventsInput{
		LogGroupName:  aws.String(group),
		FilterPattern: aws.String(lambdaErrorPattern),
		StartTime:     aws.Int64(c.now().Add(-c.lookback).UnixMilli()),
		Limit:         aws.Int32(maxLogEvents),
	})
	if obs.failed(op, err) {
		return
	}
	for _, ev := range out.Events {
		obs.add(op, confidenceDirect, "log %s: %s", group, aws.ToString(ev.Message))
	}
}
