package aws

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/bgdnvk/cloudsleuth/internal/agent/model"
)

// Observation is one piece of evidence gathered about a resource. Failed
// API calls are observations too: a denied describe call is often the
// finding.
type Observation struct {
	Resource   string  `json:"resource"`
	Operation  string  `json:"operation"`
	Content    string  `json:"content"`
	Confidence float64 `json:"confidence"`
	Signal     Signal  `json:"signal,omitempty"`
}

// Anomalous reports whether the observation itself describes an unhealthy
// state, as opposed to configuration context or a failed API call.
func (o Observation) Anomalous() bool {
	return o.Signal == SignalOK && o.Confidence >= confidenceDirect
}

// Confidence levels attached to observations.
const (
	confidenceDirect   = 0.9
	confidenceNotable  = 0.7
	confidenceContext  = 0.5
	confidenceAPIError = 0.8
)

const (
	maxLogEvents      = 5
	maxFailedRuns     = 3
	maxServiceEvents  = 3
	maxObservationLen = 400
)

type collectFunc func(ctx context.Context, rd model.ResourceDescriptor, obs *observations)

// Collect gathers read-only observations for one resource. It never
// returns an error; failures are reported as observations.
func (c *Client) Collect(ctx context.Context, rd model.ResourceDescriptor) []Observation {
	obs := &observations{resource: rd.Key()}
	fn, ok := c.collectors()[rd.Type]
	if !ok {
		obs.add("", confidenceContext, "no collector for resource type %s", rd.Type)
		return obs.items
	}
	fn(ctx, rd, obs)
	c.logger.Debug("collected observations",
		zap.String("resource", rd.Key()),
		zap.String("type", rd.Type),
		zap.Int("observations", len(obs.items)))
	return obs.items
}

func (c *Client) collectors() map[string]collectFunc {
	return map[string]collectFunc{
		model.ResourceLambdaFunction:    c.collectLambda,
		model.ResourceEC2Instance:       c.collectEC2,
		model.ResourceECSService:        c.collectECS,
		model.ResourceAPIGatewayRestAPI: c.collectRestAPI,
		model.ResourceAPIGatewayStage:   c.collectStage,
		model.ResourceStateMachine:      c.collectStateMachine,
		model.ResourceStateExecution:    c.collectExecution,
		model.ResourceIAMRole:           c.collectRole,
		model.ResourceIAMPolicy:         c.collectPolicy,
		model.ResourceS3Bucket:          c.collectBucket,
		model.ResourceRDSInstance:       c.collectDBInstance,
		model.ResourceSQSQueue:          c.collectQueue,
		model.ResourceSNSTopic:          c.collectTopic,
	}
}

type observations struct {
	resource string
	items    []Observation
}

func (o *observations) add(op string, confidence float64, format string, args ...any) {
	o.items = append(o.items, Observation{
		Resource:   o.resource,
		Operation:  op,
		Content:    truncate(fmt.Sprintf(format, args...), maxObservationLen),
		Confidence: confidence,
	})
}

// failed records an API error. It returns true when err is non-nil so
// callers can stop collecting from that API.
func (o *observations) failed(op string, err error) bool {
	if err == nil {
		return false
	}
	signal, msg := categorizeAWSError(err, op)
	o.items = append(o.items, Observation{
		Resource:   o.resource,
		Operation:  op,
		Content:    truncate(msg, maxObservationLen),
		Confidence: confidenceAPIError,
		Signal:     signal,
	})
	return true
}

// identifierOr returns the resource's provider identifier when it is an
// ARN, otherwise the fallback.
func identifierOr(rd model.ResourceDescriptor, fallback string) string {
	if strings.HasPrefix(rd.Identifier, "arn:") {
		return rd.Identifier
	}
	return fallback
}

func (c *Client) arn(service, resource string) string {
	return fmt.Sprintf("arn:aws:%s:%s:%s:%s", service, c.region, c.accountID, resource)
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n] + "..."
}
