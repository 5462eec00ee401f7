package aws

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/xray"
	"go.uber.org/zap"

	"github.com/bgdnvk/cloudsleuth/internal/agent/model"
)

// LookupTrace builds the service graph of one trace from X-Ray. Graph
// services provide names and types; segment documents add resource ARNs.
func (c *Client) LookupTrace(ctx context.Context, traceID string) (*model.ServiceGraph, error) {
	graph := &model.ServiceGraph{TraceID: traceID}

	var token *string
	for {
		out, err := c.xray.GetTraceGraph(ctx, &xray.GetTraceGraphInput{
			TraceIds:  []string{traceID},
			NextToken: token,
		})
		if err != nil {
			return nil, fmt.Errorf("get trace graph %s: %w", traceID, err)
		}
		for _, svc := range out.Services {
			node := model.GraphNode{
				Name: aws.ToString(svc.Name),
				Type: aws.ToString(svc.Type),
			}
			if node.Name == "" && len(svc.Names) > 0 {
				node.Name = svc.Names[0]
			}
			graph.Nodes = append(graph.Nodes, node)
		}
		if out.NextToken == nil || aws.ToString(out.NextToken) == "" {
			break
		}
		token = out.NextToken
	}

	traces, err := c.xray.BatchGetTraces(ctx, &xray.BatchGetTracesInput{TraceIds: []string{traceID}})
	if err != nil {
		// The graph alone is still usable.
		c.logger.Debug("segment documents unavailable", zap.String("trace_id", traceID), zap.Error(err))
		return graph, nil
	}
	byName := make(map[string]int, len(graph.Nodes))
	for i, n := range graph.Nodes {
		byName[n.Name] = i
	}
	for _, tr := range traces.Traces {
		for _, seg := range tr.Segments {
			for _, n := range segmentNodes(aws.ToString(seg.Document)) {
				// Enrich the graph node of the same name instead of adding a
				// second reference to the same resource.
				if i, ok := byName[n.Name]; ok && graph.Nodes[i].Identifier == "" {
					graph.Nodes[i].Identifier = n.Identifier
					graph.Nodes[i].Region = n.Region
					graph.Nodes[i].Attributes = n.Attributes
					continue
				}
				graph.Nodes = append(graph.Nodes, n)
			}
		}
	}
	if len(graph.Nodes) == 0 {
		return nil, fmt.Errorf("trace %s not found or has no segments", traceID)
	}
	return graph, nil
}

type segmentDocument struct {
	Name        string            `json:"name"`
	Origin      string            `json:"origin"`
	ResourceARN string            `json:"resource_arn"`
	Fault       bool              `json:"fault"`
	Error       bool              `json:"error"`
	Throttle    bool              `json:"throttle"`
	Subsegments []segmentDocument `json:"subsegments"`
	AWS         struct {
		Operation string `json:"operation"`
		Region    string `json:"region"`
		QueueURL  string `json:"queue_url"`
	} `json:"aws"`
}

// segmentNodes extracts resource references from one segment document and
// its subsegments. Unparseable documents contribute nothing.
func segmentNodes(doc string) []model.GraphNode {
	var seg segmentDocument
	if doc == "" || json.Unmarshal([]byte(doc), &seg) != nil {
		return nil
	}
	var nodes []model.GraphNode
	var walk func(s segmentDocument)
	walk = func(s segmentDocument) {
		if s.ResourceARN != "" {
			n := model.GraphNode{
				Name:       s.Name,
				Type:       s.Origin,
				Identifier: s.ResourceARN,
				Region:     s.AWS.Region,
			}
			if attrs := segmentAttributes(s); len(attrs) > 0 {
				n.Attributes = attrs
			}
			nodes = append(nodes, n)
		}
		for _, sub := range s.Subsegments {
			walk(sub)
		}
	}
	walk(seg)
	return nodes
}

func segmentAttributes(s segmentDocument) map[string]string {
	attrs := map[string]string{}
	switch {
	case s.Fault:
		attrs["segment_status"] = "fault"
	case s.Throttle:
		attrs["segment_status"] = "throttle"
	case s.Error:
		attrs["segment_status"] = "error"
	}
	if s.AWS.Operation != "" {
		attrs["operation"] = s.AWS.Operation
	}
	return attrs
}
