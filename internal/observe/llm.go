package observe

import (
	"context"

	"github.com/chartflow/chartflow/pkg/provider/llm"
)

// meteredProvider decorates a completion provider with token accounting.
type meteredProvider struct {
	llm.Provider
	metrics *Metrics
}

// InstrumentProvider wraps p so that the token usage reported on every
// successful completion is recorded on m. All other Provider methods pass
// through unchanged.
func InstrumentProvider(p llm.Provider, m *Metrics) llm.Provider {
	return &meteredProvider{Provider: p, metrics: m}
}

func (p *meteredProvider) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	resp, err := p.Provider.Complete(ctx, req)
	if err == nil && resp != nil {
		p.metrics.RecordTokens(ctx, int64(resp.Usage.PromptTokens), int64(resp.Usage.CompletionTokens))
	}
	return resp, err
}
