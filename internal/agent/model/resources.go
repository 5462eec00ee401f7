package model

import "strings"

// Resource types understood by the router.
const (
	ResourceLambdaFunction    = "lambda-function"
	ResourceEC2Instance       = "ec2-instance"
	ResourceECSService        = "ecs-service"
	ResourceAPIGatewayRestAPI = "apigateway-rest-api"
	ResourceAPIGatewayStage   = "apigateway-stage"
	ResourceStateMachine      = "stepfunctions-state-machine"
	ResourceStateExecution    = "stepfunctions-execution"
	ResourceIAMRole           = "iam-role"
	ResourceIAMPolicy         = "iam-policy"
	ResourceS3Bucket          = "s3-bucket"
	ResourceRDSInstance       = "rds-instance"
	ResourceSQSQueue          = "sqs-queue"
	ResourceSNSTopic          = "sns-topic"
)

const unknownResourcePrefix = "unknown:"

// UnknownResourceType tags a type the engine cannot route.
func UnknownResourceType(raw string) string {
	if strings.HasPrefix(raw, unknownResourcePrefix) {
		return raw
	}
	return unknownResourcePrefix + raw
}
