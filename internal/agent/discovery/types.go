package discovery

import (
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws/arn"

	"github.com/bgdnvk/cloudsleuth/internal/agent/model"
)

// xrayTypes maps X-Ray service graph node types onto resource types.
var xrayTypes = map[string]string{
	"AWS::Lambda":                      model.ResourceLambdaFunction,
	"AWS::Lambda::Function":            model.ResourceLambdaFunction,
	"AWS::EC2::Instance":               model.ResourceEC2Instance,
	"AWS::ECS::Container":              model.ResourceECSService,
	"AWS::ECS::Service":                model.ResourceECSService,
	"AWS::ApiGateway::Stage":           model.ResourceAPIGatewayStage,
	"AWS::ApiGateway::RestApi":         model.ResourceAPIGatewayRestAPI,
	"AWS::StepFunctions::StateMachine": model.ResourceStateMachine,
	"AWS::IAM::Role":                   model.ResourceIAMRole,
	"AWS::S3":                          model.ResourceS3Bucket,
	"AWS::S3::Bucket":                  model.ResourceS3Bucket,
	"AWS::RDS::DBInstance":             model.ResourceRDSInstance,
	"AWS::SQS":                         model.ResourceSQSQueue,
	"AWS::SQS::Queue":                  model.ResourceSQSQueue,
	"AWS::SNS":                         model.ResourceSNSTopic,
	"AWS::SNS::Topic":                  model.ResourceSNSTopic,
}

// nonResourceNodes are graph nodes that describe callers, not resources.
var nonResourceNodes = map[string]bool{
	"":       true,
	"client": true,
	"remote": true,
}

// ARNResource is the resource reference extracted from an ARN.
type ARNResource struct {
	Type    string
	Name    string
	Region  string
	Account string
}

// ParseARN derives the resource type and name from an ARN. The second
// result is false when s is not an ARN at all.
func ParseARN(s string) (ARNResource, bool) {
	a, err := arn.Parse(s)
	if err != nil {
		return ARNResource{}, false
	}
	p := ARNResource{Region: a.Region, Account: a.AccountID}
	res := a.Resource

	switch a.Service {
	case "lambda":
		// function:name[:qualifier]
		parts := strings.Split(res, ":")
		if len(parts) >= 2 && parts[0] == "function" {
			p.Type, p.Name = model.ResourceLambdaFunction, parts[1]
		}
	case "ec2":
		if name, ok := strings.CutPrefix(res, "instance/"); ok {
			p.Type, p.Name = model.ResourceEC2Instance, name
		}
	case "ecs":
		if name, ok := strings.CutPrefix(res, "service/"); ok {
			p.Type, p.Name = model.ResourceECSService, name
		}
	case "apigateway":
		// /restapis/{id} or /restapis/{id}/stages/{stage}
		parts := strings.Split(strings.TrimPrefix(res, "/"), "/")
		switch {
		case len(parts) >= 4 && parts[0] == "restapis" && parts[2] == "stages":
			p.Type, p.Name = model.ResourceAPIGatewayStage, parts[1]+"/"+parts[3]
		case len(parts) >= 2 && parts[0] == "restapis":
			p.Type, p.Name = model.ResourceAPIGatewayRestAPI, parts[1]
		}
	case "execute-api":
		// {api-id}/{stage}/{method}/{path}
		parts := strings.Split(res, "/")
		if len(parts) >= 2 {
			p.Type, p.Name = model.ResourceAPIGatewayStage, parts[0]+"/"+parts[1]
		} else if len(parts) == 1 && parts[0] != "" {
			p.Type, p.Name = model.ResourceAPIGatewayRestAPI, parts[0]
		}
	case "states":
		parts := strings.SplitN(res, ":", 2)
		if len(parts) == 2 {
			switch parts[0] {
			case "stateMachine":
				p.Type, p.Name = model.ResourceStateMachine, parts[1]
			case "execution", "express":
				p.Type, p.Name = model.ResourceStateExecution, parts[1]
			}
		}
	case "iam":
		switch {
		case strings.HasPrefix(res, "role/"):
			p.Type, p.Name = model.ResourceIAMRole, lastSegment(res)
		case strings.HasPrefix(res, "policy/"):
			p.Type, p.Name = model.ResourceIAMPolicy, lastSegment(res)
		}
	case "s3":
		bucket, _, _ := strings.Cut(res, "/")
		if bucket != "" {
			p.Type, p.Name = model.ResourceS3Bucket, bucket
		}
	case "rds":
		if name, ok := strings.CutPrefix(res, "db:"); ok {
			p.Type, p.Name = model.ResourceRDSInstance, name
		}
	case "sqs":
		p.Type, p.Name = model.ResourceSQSQueue, res
	case "sns":
		name, _, _ := strings.Cut(res, ":")
		p.Type, p.Name = model.ResourceSNSTopic, name
	}

	if p.Type == "" {
		p.Type, p.Name = model.UnknownResourceType(a.Service), res
	}
	return p, true
}

// NormalizeType maps a user or trace supplied type onto a known resource
// type. Unmapped values come back tagged as unknown.
func NormalizeType(raw string) string {
	if raw == "" {
		return model.UnknownResourceType("unspecified")
	}
	if t, ok := xrayTypes[raw]; ok {
		return t
	}
	switch t := strings.ToLower(strings.TrimSpace(raw)); t {
	case model.ResourceLambdaFunction, model.ResourceEC2Instance, model.ResourceECSService,
		model.ResourceAPIGatewayRestAPI, model.ResourceAPIGatewayStage,
		model.ResourceStateMachine, model.ResourceStateExecution,
		model.ResourceIAMRole, model.ResourceIAMPolicy,
		model.ResourceS3Bucket, model.ResourceRDSInstance,
		model.ResourceSQSQueue, model.ResourceSNSTopic:
		return t
	case "lambda", "function":
		return model.ResourceLambdaFunction
	case "ec2", "instance":
		return model.ResourceEC2Instance
	case "ecs":
		return model.ResourceECSService
	case "apigateway", "api-gateway":
		return model.ResourceAPIGatewayRestAPI
	case "stepfunctions", "state-machine", "sfn":
		return model.ResourceStateMachine
	case "role":
		return model.ResourceIAMRole
	case "s3", "bucket":
		return model.ResourceS3Bucket
	case "rds":
		return model.ResourceRDSInstance
	case "sqs", "queue":
		return model.ResourceSQSQueue
	case "sns", "topic":
		return model.ResourceSNSTopic
	}
	return model.UnknownResourceType(raw)
}

func lastSegment(s string) string {
	if i := strings.LastIndex(s, "/"); i >= 0 {
		return s[i+1:]
	}
	return s
}
