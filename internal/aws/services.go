package aws

import (
	"context"
	"net/url"
	"sort"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/apigateway"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
	"github.com/aws/aws-sdk-go-v2/service/iam"
	"github.com/aws/aws-sdk-go-v2/service/rds"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/sfn"
	sfntypes "github.com/aws/aws-sdk-go-v2/service/sfn/types"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqstypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"

	"github.com/bgdnvk/cloudsleuth/internal/agent/model"
)

func (c *Client) collectRestAPI(ctx context.Context, rd model.ResourceDescriptor, obs *observations) {
	c.restAPI(ctx, rd.Name, obs)
}

// restAPI reports an API's basic configuration and returns its name.
func (c *Client) restAPI(ctx context.Context, id string, obs *observations) string {
	const op = "apigateway:GetRestApi"
	out, err := c.apigateway.GetRestApi(ctx, &apigateway.GetRestApiInput{RestApiId: aws.String(id)})
	if obs.failed(op, err) {
		return ""
	}
	name := aws.ToString(out.Name)
	types := ""
	if out.EndpointConfiguration != nil {
		for _, t := range out.EndpointConfiguration.Types {
			types += string(t) + " "
		}
	}
	obs.add(op, confidenceContext, "rest api %s (%s) endpoint %s", id, name, strings.TrimSpace(types))
	if aws.ToString(out.Policy) != "" {
		obs.add(op, confidenceContext, "rest api %s has a resource policy attached", id)
	}
	return name
}

func (c *Client) collectStage(ctx context.Context, rd model.ResourceDescriptor, obs *observations) {
	apiID, stage, ok := strings.Cut(rd.Name, "/")
	if !ok {
		obs.add("", confidenceContext, "stage %s is not of the form api-id/stage", rd.Name)
		return
	}
	apiName := c.restAPI(ctx, apiID, obs)

	const op = "apigateway:GetStage"
	out, err := c.apigateway.GetStage(ctx, &apigateway.GetStageInput{
		RestApiId: aws.String(apiID),
		StageName: aws.String(stage),
	})
	if obs.failed(op, err) {
		return
	}
	obs.add(op, confidenceContext, "stage %s of api %s serves deployment %s", stage, apiID, aws.ToString(out.DeploymentId))
	paths := make([]string, 0, len(out.MethodSettings))
	for path := range out.MethodSettings {
		paths = append(paths, path)
	}
	sort.Strings(paths)
	for _, path := range paths {
		if lvl := aws.ToString(out.MethodSettings[path].LoggingLevel); lvl != "" && lvl != "OFF" {
			obs.add(op, confidenceContext, "stage %s logs %s at level %s", stage, path, lvl)
		}
	}
	if len(paths) == 0 {
		obs.add(op, confidenceContext, "stage %s has no method settings; execution logging is off", stage)
	}

	if apiName != "" {
		dims := []cwtypes.Dimension{
			{Name: aws.String("ApiName"), Value: aws.String(apiName)},
			{Name: aws.String("Stage"), Value: aws.String(stage)},
		}
		subject := "stage " + rd.Name
		c.metricSum(ctx, obs, "AWS/ApiGateway", "5XXError", dims, subject)
		c.metricSum(ctx, obs, "AWS/ApiGateway", "4XXError", dims, subject)
	}
}

func (c *Client) collectStateMachine(ctx context.Context, rd model.ResourceDescriptor, obs *observations) {
	const op = "states:DescribeStateMachine"
	machineARN := identifierOr(rd, c.arn("states", "stateMachine:"+rd.Name))
	sm, err := c.sfn.DescribeStateMachine(ctx, &sfn.DescribeStateMachineInput{StateMachineArn: aws.String(machineARN)})
	if obs.failed(op, err) {
		return
	}
	obs.add(op, confidenceContext, "state machine %s (%s) is %s and executes as role %s",
		aws.ToString(sm.Name), sm.Type, sm.Status, aws.ToString(sm.RoleArn))

	const listOp = "states:ListExecutions"
	execs, err := c.sfn.ListExecutions(ctx, &sfn.ListExecutionsInput{
		StateMachineArn: aws.String(machineARN),
		StatusFilter:    sfntypes.ExecutionStatusFailed,
	})
	if obs.failed(listOp, err) {
		return
	}
	if len(execs.Executions) == 0 {
		obs.add(listOp, confidenceContext, "state machine %s has no failed executions", rd.Name)
		return
	}
	obs.add(listOp, confidenceNotable, "state machine %s has %d recent failed execution(s)", rd.Name, len(execs.Executions))
	for i, ex := range execs.Executions {
		if i >= maxFailedRuns {
			break
		}
		c.describeExecution(ctx, aws.ToString(ex.ExecutionArn), obs)
	}
}

func (c *Client) collectExecution(ctx context.Context, rd model.ResourceDescriptor, obs *observations) {
	c.describeExecution(ctx, identifierOr(rd, c.arn("states", "execution:"+rd.Name)), obs)
}

func (c *Client) describeExecution(ctx context.Context, execARN string, obs *observations) {
	const op = "states:DescribeExecution"
	ex, err := c.sfn.DescribeExecution(ctx, &sfn.DescribeExecutionInput{ExecutionArn: aws.String(execARN)})
	if obs.failed(op, err) {
		return
	}
	if ex.Status != sfntypes.ExecutionStatusFailed && ex.Status != sfntypes.ExecutionStatusTimedOut {
		obs.add(op, confidenceContext, "execution %s is %s", aws.ToString(ex.Name), ex.Status)
		return
	}
	obs.add(op, confidenceDirect, "execution %s %s with error %s: %s",
		aws.ToString(ex.Name), ex.Status, aws.ToString(ex.Error), aws.ToString(ex.Cause))
}

func (c *Client) collectRole(ctx context.Context, rd model.ResourceDescriptor, obs *observations) {
	const op = "iam:GetRole"
	role, err := c.iam.GetRole(ctx, &iam.GetRoleInput{RoleName: aws.String(rd.Name)})
	if obs.failed(op, err) {
		return
	}
	if role.Role != nil {
		trust := aws.ToString(role.Role.AssumeRolePolicyDocument)
		if decoded, err := url.QueryUnescape(trust); err == nil {
			trust = decoded
		}
		obs.add(op, confidenceContext, "role %s trust policy: %s", rd.Name, compactJSON(trust))
	}

	const attachedOp = "iam:ListAttachedRolePolicies"
	attached, err := c.iam.ListAttachedRolePolicies(ctx, &iam.ListAttachedRolePoliciesInput{RoleName: aws.String(rd.Name)})
	attachedCount := -1
	if !obs.failed(attachedOp, err) {
		attachedCount = len(attached.AttachedPolicies)
		names := make([]string, 0, attachedCount)
		for _, p := range attached.AttachedPolicies {
			names = append(names, aws.ToString(p.PolicyName))
		}
		if attachedCount > 0 {
			obs.add(attachedOp, confidenceContext, "role %s has managed policies: %s", rd.Name, strings.Join(names, ", "))
		}
	}

	const inlineOp = "iam:ListRolePolicies"
	inline, err := c.iam.ListRolePolicies(ctx, &iam.ListRolePoliciesInput{RoleName: aws.String(rd.Name)})
	inlineCount := -1
	if !obs.failed(inlineOp, err) {
		inlineCount = len(inline.PolicyNames)
		if inlineCount > 0 {
			obs.add(inlineOp, confidenceContext, "role %s has inline policies: %s", rd.Name, strings.Join(inline.PolicyNames, ", "))
		}
	}

	if attachedCount == 0 && inlineCount == 0 {
		obs.add(op, confidenceDirect, "role %s has no permissions policies attached", rd.Name)
	}
}

func (c *Client) collectPolicy(ctx context.Context, rd model.ResourceDescriptor, obs *observations) {
	const op = "iam:GetPolicy"
	policyARN := identifierOr(rd, "arn:aws:iam::"+c.accountID+":policy/"+rd.Name)
	out, err := c.iam.GetPolicy(ctx, &iam.GetPolicyInput{PolicyArn: aws.String(policyARN)})
	if obs.failed(op, err) || out.Policy == nil {
		return
	}
	obs.add(op, confidenceContext, "policy %s default version %s is attached to %d entities",
		aws.ToString(out.Policy.PolicyName), aws.ToString(out.Policy.DefaultVersionId), aws.ToInt32(out.Policy.AttachmentCount))
}

func (c *Client) collectBucket(ctx context.Context, rd model.ResourceDescriptor, obs *observations) {
	const op = "s3:HeadBucket"
	if _, err := c.s3.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(rd.Name)}); obs.failed(op, err) {
		return
	}
	obs.add(op, confidenceContext, "bucket %s exists and is reachable", rd.Name)

	const locOp = "s3:GetBucketLocation"
	loc, err := c.s3.GetBucketLocation(ctx, &s3.GetBucketLocationInput{Bucket: aws.String(rd.Name)})
	if !obs.failed(locOp, err) {
		region := string(loc.LocationConstraint)
		if region == "" {
			region = "us-east-1"
		}
		conf := confidenceContext
		if rd.Region != "" && region != rd.Region {
			conf = confidenceNotable
		}
		obs.add(locOp, conf, "bucket %s is located in %s", rd.Name, region)
	}

	const verOp = "s3:GetBucketVersioning"
	ver, err := c.s3.GetBucketVersioning(ctx, &s3.GetBucketVersioningInput{Bucket: aws.String(rd.Name)})
	if !obs.failed(verOp, err) {
		status := string(ver.Status)
		if status == "" {
			status = "never enabled"
		}
		obs.add(verOp, confidenceContext, "bucket %s versioning: %s", rd.Name, status)
	}
}

func (c *Client) collectDBInstance(ctx context.Context, rd model.ResourceDescriptor, obs *observations) {
	const op = "rds:DescribeDBInstances"
	out, err := c.rds.DescribeDBInstances(ctx, &rds.DescribeDBInstancesInput{DBInstanceIdentifier: aws.String(rd.Name)})
	if obs.failed(op, err) {
		return
	}
	for _, db := range out.DBInstances {
		status := aws.ToString(db.DBInstanceStatus)
		conf := confidenceContext
		if status != "available" {
			conf = confidenceDirect
		}
		obs.add(op, conf, "database %s (%s, %s) is %s",
			aws.ToString(db.DBInstanceIdentifier), aws.ToString(db.Engine), aws.ToString(db.DBInstanceClass), status)
	}
}

func (c *Client) collectQueue(ctx context.Context, rd model.ResourceDescriptor, obs *observations) {
	const op = "sqs:GetQueueUrl"
	u, err := c.sqs.GetQueueUrl(ctx, &sqs.GetQueueUrlInput{QueueName: aws.String(rd.Name)})
	if obs.failed(op, err) {
		return
	}

	const attrOp = "sqs:GetQueueAttributes"
	out, err := c.sqs.GetQueueAttributes(ctx, &sqs.GetQueueAttributesInput{
		QueueUrl:       u.QueueUrl,
		AttributeNames: []sqstypes.QueueAttributeName{sqstypes.QueueAttributeNameAll},
	})
	if obs.failed(attrOp, err) {
		return
	}
	attrs := out.Attributes
	visible, inflight := attrs["ApproximateNumberOfMessages"], attrs["ApproximateNumberOfMessagesNotVisible"]
	conf := confidenceContext
	if visible != "" && visible != "0" {
		conf = confidenceNotable
	}
	obs.add(attrOp, conf, "queue %s holds %s visible and %s in-flight message(s)", rd.Name, orZero(visible), orZero(inflight))
	if rp := attrs["RedrivePolicy"]; rp != "" {
		obs.add(attrOp, confidenceContext, "queue %s redrive policy: %s", rd.Name, compactJSON(rp))
	}
	if attrs["Policy"] != "" {
		obs.add(attrOp, confidenceContext, "queue %s has an access policy: %s", rd.Name, compactJSON(attrs["Policy"]))
	}
}

func (c *Client) collectTopic(ctx context.Context, rd model.ResourceDescriptor, obs *observations) {
	const op = "sns:GetTopicAttributes"
	out, err := c.sns.GetTopicAttributes(ctx, &sns.GetTopicAttributesInput{
		TopicArn: aws.String(identifierOr(rd, c.arn("sns", rd.Name))),
	})
	if obs.failed(op, err) {
		return
	}
	attrs := out.Attributes
	conf := confidenceContext
	if attrs["SubscriptionsConfirmed"] == "0" {
		conf = confidenceNotable
	}
	obs.add(op, conf, "topic %s has %s confirmed and %s pending subscription(s)",
		rd.Name, orZero(attrs["SubscriptionsConfirmed"]), orZero(attrs["SubscriptionsPending"]))
	if attrs["KmsMasterKeyId"] != "" {
		obs.add(op, confidenceContext, "topic %s is encrypted with key %s", rd.Name, attrs["KmsMasterKeyId"])
	}
}

func orZero(s string) string {
	if s == "" {
		return "0"
	}
	return s
}

// compactJSON collapses whitespace in a policy document.
func compactJSON(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
