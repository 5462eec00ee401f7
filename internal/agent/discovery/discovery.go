// Package discovery turns an investigation request into the deduplicated set
// of resources the run will examine. It only performs deterministic lookups.
package discovery

import (
	"context"
	"errors"
	"maps"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/bgdnvk/cloudsleuth/internal/agent/model"
	"github.com/bgdnvk/cloudsleuth/internal/logging"
	"github.com/bgdnvk/cloudsleuth/internal/metrics"
)

// TraceLookup retrieves the service graph of one distributed trace.
type TraceLookup interface {
	LookupTrace(ctx context.Context, traceID string) (*model.ServiceGraph, error)
}

// maxParallelLookups bounds concurrent trace lookups.
const maxParallelLookups = 4

// Result is the outcome of Discover. Failures never abort discovery.
type Result struct {
	Resources []model.ResourceDescriptor
	Failures  []*model.DiscoveryError
}

type Discoverer struct {
	traces TraceLookup
	logger *zap.Logger
}

// New returns a Discoverer. traces may be nil, in which case trace ids are
// reported as discovery failures.
func New(traces TraceLookup, logger *zap.Logger) *Discoverer {
	return &Discoverer{traces: traces, logger: logging.OrNop(logger).Named("discovery")}
}

// Discover converts explicit targets and the resources referenced by each
// trace into descriptors, deduplicated by identifier or (type, name).
func (d *Discoverer) Discover(ctx context.Context, req model.InvestigationRequest) Result {
	set := newResourceSet()

	for _, t := range req.Targets {
		set.add(targetDescriptor(t, req.Region))
	}

	graphs, failures := d.lookupAll(ctx, req.TraceIDs)
	for _, g := range graphs {
		if g == nil {
			continue
		}
		for _, n := range g.Nodes {
			rd, ok := nodeDescriptor(n, req.Region)
			if !ok {
				continue
			}
			if rd.Attributes == nil {
				rd.Attributes = map[string]string{}
			}
			rd.Attributes["trace_id"] = g.TraceID
			set.add(rd)
		}
	}

	res := Result{Resources: set.list(), Failures: failures}
	d.logger.Debug("discovery complete",
		zap.Int("explicit_targets", len(req.Targets)),
		zap.Int("traces", len(req.TraceIDs)),
		zap.Int("resources", len(res.Resources)),
		zap.Int("failed_lookups", len(failures)))
	return res
}

// lookupAll fetches every trace concurrently. The returned graphs keep the
// order of ids so merging stays deterministic.
func (d *Discoverer) lookupAll(ctx context.Context, ids []string) ([]*model.ServiceGraph, []*model.DiscoveryError) {
	graphs := make([]*model.ServiceGraph, len(ids))
	errs := make([]error, len(ids))

	var g errgroup.Group
	g.SetLimit(maxParallelLookups)
	for i, id := range ids {
		g.Go(func() error {
			if d.traces == nil {
				errs[i] = errNoTraceLookup
				return nil
			}
			graph, err := d.traces.LookupTrace(ctx, id)
			if err != nil {
				errs[i] = err
				return nil
			}
			graphs[i] = graph
			return nil
		})
	}
	_ = g.Wait()

	var failures []*model.DiscoveryError
	for i, err := range errs {
		if err == nil {
			continue
		}
		de := &model.DiscoveryError{TraceID: ids[i], Err: err}
		failures = append(failures, de)
		metrics.DiscoveryFailuresTotal.Inc()
		d.logger.Warn("trace lookup failed, skipping", zap.String("trace_id", ids[i]), zap.Error(err))
	}
	return graphs, failures
}

var errNoTraceLookup = errors.New("no trace lookup configured")

func targetDescriptor(t model.Target, region string) model.ResourceDescriptor {
	rd := model.ResourceDescriptor{
		Type:       NormalizeType(t.Type),
		Name:       t.Name,
		Identifier: t.Identifier,
		Region:     firstNonEmpty(t.Region, region),
		Origin:     model.OriginExplicit,
		Attributes: maps.Clone(t.Attributes),
	}
	if p, ok := ParseARN(t.Identifier); ok {
		if t.Type == "" || rd.Type == model.UnknownResourceType(t.Type) {
			rd.Type = p.Type
		}
		if rd.Name == "" {
			rd.Name = p.Name
		}
		rd.Region = firstNonEmpty(t.Region, p.Region, region)
	}
	return rd
}

func nodeDescriptor(n model.GraphNode, region string) (model.ResourceDescriptor, bool) {
	if nonResourceNodes[n.Type] && n.Identifier == "" {
		return model.ResourceDescriptor{}, false
	}
	rd := model.ResourceDescriptor{
		Type:       NormalizeType(n.Type),
		Name:       n.Name,
		Identifier: n.Identifier,
		Region:     firstNonEmpty(n.Region, region),
		Origin:     model.OriginTraceDerived,
		Attributes: maps.Clone(n.Attributes),
	}
	if p, ok := ParseARN(n.Identifier); ok {
		rd.Type = p.Type
		if p.Name != "" {
			rd.Name = p.Name
		}
		rd.Region = firstNonEmpty(p.Region, rd.Region)
	}
	if rd.Name == "" && rd.Identifier == "" {
		return model.ResourceDescriptor{}, false
	}
	return rd, true
}

// resourceSet deduplicates descriptors while keeping first-seen order.
type resourceSet struct {
	byKey map[string]int
	items []model.ResourceDescriptor
}

func newResourceSet() *resourceSet {
	return &resourceSet{byKey: make(map[string]int)}
}

// add merges rd into the set. Later metadata overwrites earlier metadata,
// but an explicit origin is never downgraded.
func (s *resourceSet) add(rd model.ResourceDescriptor) {
	key := rd.Key()
	idx, ok := s.byKey[key]
	if !ok {
		s.byKey[key] = len(s.items)
		s.items = append(s.items, rd)
		return
	}

	cur := s.items[idx]
	merged := rd
	merged.Type = firstNonEmpty(rd.Type, cur.Type)
	merged.Name = firstNonEmpty(rd.Name, cur.Name)
	merged.Region = firstNonEmpty(rd.Region, cur.Region)
	if cur.Origin == model.OriginExplicit || rd.Origin == model.OriginExplicit {
		merged.Origin = model.OriginExplicit
	}
	if len(cur.Attributes) > 0 || len(rd.Attributes) > 0 {
		attrs := maps.Clone(cur.Attributes)
		if attrs == nil {
			attrs = map[string]string{}
		}
		maps.Copy(attrs, rd.Attributes)
		merged.Attributes = attrs
	}
	s.items[idx] = merged
}

func (s *resourceSet) list() []model.ResourceDescriptor {
	out := make([]model.ResourceDescriptor, len(s.items))
	copy(out, s.items)
	model.SortResources(out)
	return out
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
