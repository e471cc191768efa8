package traffic

import (
	"context"
	"log/slog"
	"strings"

	"github.com/kansean/mtproto-manager/internal/backend"
)

// Sampler reads raw interface counters for every running fleet
// container. A container whose counters cannot be read this cycle is
// skipped, not failed.
type Sampler struct {
	rt     backend.Runtime
	prefix string
	logger *slog.Logger
}

func NewSampler(rt backend.Runtime, prefix string, logger *slog.Logger) *Sampler {
	return &Sampler{rt: rt, prefix: prefix, logger: logger.With("component", "sampler")}
}

// Sample returns the raw counters per running container, plus the full
// set of running container names (including those without counter
// data), so callers can reconcile throttle state against it.
func (s *Sampler) Sample(ctx context.Context) (map[string]Counters, []string, error) {
	list, err := s.rt.List(ctx, s.prefix)
	if err != nil {
		return nil, nil, err
	}

	samples := make(map[string]Counters)
	var running []string
	for _, c := range list {
		if !c.Running || !strings.HasPrefix(c.Name, s.prefix) {
			continue
		}
		running = append(running, c.Name)

		counters, ok, err := s.rt.Stats(ctx, c.Name)
		if err != nil {
			s.logger.Debug("stats unavailable this cycle", "container", c.Name, "err", err)
			continue
		}
		if !ok {
			continue
		}
		samples[c.Name] = Counters{Rx: counters.Rx, Tx: counters.Tx}
	}
	return samples, running, nil
}
