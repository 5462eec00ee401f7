// Package specialist implements the resource-domain specialists: each one
// gathers read-only observations for its resources and turns them into
// facts, hypotheses and advice, with a reasoning model when one is
// configured and with deterministic rules otherwise.
package specialist

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/bgdnvk/cloudsleuth/internal/agent/model"
	"github.com/bgdnvk/cloudsleuth/internal/aws"
	"github.com/bgdnvk/cloudsleuth/internal/logging"
)

// Collector gathers observations for one resource.
type Collector interface {
	Collect(ctx context.Context, rd model.ResourceDescriptor) []aws.Observation
}

// Asker sends a prompt to a reasoning model.
type Asker interface {
	AskPrompt(ctx context.Context, prompt string) (string, error)
}

// maxParallelCollect bounds concurrent collection within one specialist.
const maxParallelCollect = 4

// Specialist serves every specialist type; the type and resources come
// from the SpecialistContext of each invocation.
type Specialist struct {
	collector Collector
	asker     Asker
	logger    *zap.Logger
}

// New returns a Specialist. asker may be nil to run offline.
func New(collector Collector, asker Asker, logger *zap.Logger) *Specialist {
	return &Specialist{collector: collector, asker: asker, logger: logging.OrNop(logger).Named("specialist")}
}

// Invoke runs one specialist task and returns its raw output.
func (s *Specialist) Invoke(ctx context.Context, sc model.SpecialistContext) (string, error) {
	log := s.logger.With(zap.String("specialist", string(sc.Specialist)))

	obs, err := s.observe(ctx, sc.Resources)
	if err != nil {
		return "", err
	}
	log.Debug("observations gathered", zap.Int("resources", len(sc.Resources)), zap.Int("observations", len(obs)))

	if s.asker == nil {
		return renderOffline(sc, obs, ""), nil
	}
	out, err := s.asker.AskPrompt(ctx, specialistPrompt(sc, obs))
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		// The observations stand on their own; fall back to the rules.
		log.Warn("reasoning model failed, using rule-based analysis", zap.Error(err))
		return renderOffline(sc, obs, fmt.Sprintf("reasoning model unavailable: %v", err)), nil
	}
	return out, nil
}

// observe collects every resource concurrently, keeping resource order.
func (s *Specialist) observe(ctx context.Context, resources []model.ResourceDescriptor) ([]aws.Observation, error) {
	if s.collector == nil {
		return nil, fmt.Errorf("no collector configured")
	}
	perResource := make([][]aws.Observation, len(resources))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxParallelCollect)
	for i, rd := range resources {
		g.Go(func() error {
			perResource[i] = s.collector.Collect(gctx, rd)
			return gctx.Err()
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var all []aws.Observation
	for _, obs := range perResource {
		all = append(all, obs...)
	}
	return all, nil
}
