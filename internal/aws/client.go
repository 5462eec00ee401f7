// Package aws is the run-scoped cloud access of an investigation: session
// and cross-account setup, X-Ray trace lookup and read-only collectors.
package aws

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/credentials/stscreds"
	"github.com/aws/aws-sdk-go-v2/service/apigateway"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatchlogs"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ecs"
	"github.com/aws/aws-sdk-go-v2/service/iam"
	"github.com/aws/aws-sdk-go-v2/service/lambda"
	"github.com/aws/aws-sdk-go-v2/service/rds"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/sfn"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	"github.com/aws/aws-sdk-go-v2/service/xray"
	"go.uber.org/zap"

	"github.com/bgdnvk/cloudsleuth/internal/logging"
)

// Options selects credentials for one run.
type Options struct {
	Profile    string
	Region     string
	RoleARN    string
	ExternalID string
	// LookbackWindow bounds log and metric queries; defaults to one hour.
	LookbackWindow time.Duration
}

const roleSessionName = "cloudsleuth-investigation"

// Client holds one SDK client per service, all built from the same
// credentials. It is shared read-only by every specialist of a run.
type Client struct {
	cfg       aws.Config
	accountID string
	region    string
	lookback  time.Duration
	now       func() time.Time
	logger    *zap.Logger

	ec2            ec2API
	ecs            ecsAPI
	lambda         lambdaAPI
	rds            rdsAPI
	s3             s3API
	iam            iamAPI
	cloudwatch     cloudwatchAPI
	cloudwatchlogs cloudwatchlogsAPI
	apigateway     apigatewayAPI
	sfn            sfnAPI
	sqs            sqsAPI
	sns            snsAPI
	xray           xrayAPI
}

// NewClient loads credentials, assumes the cross-account role when one is
// given and verifies the resulting identity.
func NewClient(ctx context.Context, opts Options, logger *zap.Logger) (*Client, error) {
	logger = logging.OrNop(logger).Named("aws")
	cfg, err := loadConfig(ctx, opts, logger)
	if err != nil {
		return nil, err
	}

	if opts.RoleARN != "" {
		provider := stscreds.NewAssumeRoleProvider(sts.NewFromConfig(cfg), opts.RoleARN, func(o *stscreds.AssumeRoleOptions) {
			o.RoleSessionName = roleSessionName
			if opts.ExternalID != "" {
				o.ExternalID = aws.String(opts.ExternalID)
			}
		})
		cfg.Credentials = aws.NewCredentialsCache(provider)
	}

	ident, err := sts.NewFromConfig(cfg).GetCallerIdentity(ctx, &sts.GetCallerIdentityInput{})
	if err != nil {
		if opts.RoleARN != "" {
			return nil, fmt.Errorf("assume role %s: %w", opts.RoleARN, err)
		}
		return nil, fmt.Errorf("verify credentials: %w", err)
	}
	logger.Debug("credentials verified",
		zap.String("account", aws.ToString(ident.Account)),
		zap.String("arn", aws.ToString(ident.Arn)))

	c := newClient(cfg, aws.ToString(ident.Account), opts.LookbackWindow, logger)
	return c, nil
}

func newClient(cfg aws.Config, accountID string, lookback time.Duration, logger *zap.Logger) *Client {
	if lookback <= 0 {
		lookback = time.Hour
	}
	return &Client{
		cfg:            cfg,
		accountID:      accountID,
		region:         cfg.Region,
		lookback:       lookback,
		now:            time.Now,
		logger:         logging.OrNop(logger),
		ec2:            ec2.NewFromConfig(cfg),
		ecs:            ecs.NewFromConfig(cfg),
		lambda:         lambda.NewFromConfig(cfg),
		rds:            rds.NewFromConfig(cfg),
		s3:             s3.NewFromConfig(cfg),
		iam:            iam.NewFromConfig(cfg),
		cloudwatch:     cloudwatch.NewFromConfig(cfg),
		cloudwatchlogs: cloudwatchlogs.NewFromConfig(cfg),
		apigateway:     apigateway.NewFromConfig(cfg),
		sfn:            sfn.NewFromConfig(cfg),
		sqs:            sqs.NewFromConfig(cfg),
		sns:            sns.NewFromConfig(cfg),
		xray:           xray.NewFromConfig(cfg),
	}
}

func (c *Client) AccountID() string { return c.accountID }
func (c *Client) Region() string    { return c.region }

// loadConfig prefers credentials exported by the AWS CLI for a named
// profile, which also covers SSO sessions, and falls back to the SDK chain.
func loadConfig(ctx context.Context, opts Options, logger *zap.Logger) (aws.Config, error) {
	var loadOpts []func(*config.LoadOptions) error
	if opts.Region != "" {
		loadOpts = append(loadOpts, config.WithRegion(opts.Region))
	}
	if opts.Profile != "" {
		loadOpts = append(loadOpts, config.WithSharedConfigProfile(opts.Profile))
		creds, err := credentialsFromCLI(ctx, opts.Profile)
		if err != nil {
			logger.Debug("aws cli credentials unavailable, using sdk chain", zap.Error(err))
		} else {
			loadOpts = append(loadOpts, config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
				creds.AccessKeyID,
				creds.SecretAccessKey,
				creds.SessionToken,
			)))
		}
	}

	cfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return aws.Config{}, fmt.Errorf("load aws config: %w", err)
	}
	if cfg.Region == "" {
		return aws.Config{}, fmt.Errorf("no aws region configured")
	}
	return cfg, nil
}

type cliCredentials struct {
	AccessKeyID     string `json:"AccessKeyId"`
	SecretAccessKey string `json:"SecretAccessKey"`
	SessionToken    string `json:"SessionToken"`
	Expiration      string `json:"Expiration"`
}

func credentialsFromCLI(ctx context.Context, profile string) (*cliCredentials, error) {
	cmd := exec.CommandContext(ctx, "aws", "configure", "export-credentials", "--profile", profile, "--format", "process")
	cmd.Env = append(os.Environ(), "AWS_PROFILE="+profile)
	out, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("aws configure export-credentials: %w", err)
	}
	var creds cliCredentials
	if err := json.Unmarshal(out, &creds); err != nil {
		return nil, fmt.Errorf("parse exported credentials: %w", err)
	}
	return &creds, nil
}
