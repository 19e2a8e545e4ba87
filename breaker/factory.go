package breaker

import (
	"fmt"
	"strings"

	"github.com/goliatone/go-syncpipe/core"
)

// New builds the breaker backend selected by cfg.Backend.
func New(cfg core.BreakerConfig, store StateStore, observer core.Observer) (core.Breaker, error) {
	switch strings.TrimSpace(cfg.Backend) {
	case "", core.BreakerBackendDurable:
		b, err := NewBreaker(cfg, store)
		if err != nil {
			return nil, err
		}
		b.Observer = observer
		return b, nil
	case core.BreakerBackendGoBreaker:
		return NewGoBreaker(cfg, observer), nil
	default:
		return nil, fmt.Errorf("breaker: unsupported backend %q", cfg.Backend)
	}
}
