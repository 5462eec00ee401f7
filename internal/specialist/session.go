package specialist

import (
	"context"

	"go.uber.org/zap"

	"github.com/bgdnvk/cloudsleuth/internal/agent"
	"github.com/bgdnvk/cloudsleuth/internal/agent/model"
	"github.com/bgdnvk/cloudsleuth/internal/ai"
	"github.com/bgdnvk/cloudsleuth/internal/aws"
	"github.com/bgdnvk/cloudsleuth/internal/config"
	"github.com/bgdnvk/cloudsleuth/internal/logging"
)

// Opener builds the run-scoped AWS and reasoning clients for each request.
type Opener struct {
	cfg    config.Config
	logger *zap.Logger
}

func NewOpener(cfg config.Config, logger *zap.Logger) *Opener {
	return &Opener{cfg: cfg, logger: logging.OrNop(logger)}
}

// Open implements agent.SessionOpener. Credential and provider errors are
// fatal: no specialist can run without them.
func (o *Opener) Open(ctx context.Context, req model.InvestigationRequest) (*agent.Session, error) {
	client, err := aws.NewClient(ctx, aws.Options{
		Profile:        o.cfg.AWS.Profile,
		Region:         req.Region,
		RoleARN:        req.CrossAccountRole,
		ExternalID:     req.ExternalID,
		LookbackWindow: o.cfg.AWS.Lookback,
	}, o.logger)
	if err != nil {
		return nil, &model.FatalSetupError{Stage: "credentials", Err: err}
	}

	reasoning, err := ai.NewClient(ctx, o.cfg.AI, o.logger)
	if err != nil {
		return nil, &model.FatalSetupError{Stage: "reasoning", Err: err}
	}

	sess := &agent.Session{AccountID: client.AccountID(), Traces: client}
	if reasoning != nil {
		sess.Invoker = New(client, reasoning, o.logger)
		sess.Fallback = NewReasoner(reasoning)
	} else {
		sess.Invoker = New(client, nil, o.logger)
	}
	return sess, nil
}
