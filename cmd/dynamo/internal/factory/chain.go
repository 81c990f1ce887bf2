package factory

import (
	"fmt"
	"os"

	"github.com/hasirciogluhq/dynamo/cmd/dynamo/internal/config"
	"github.com/hasirciogluhq/dynamo/cmd/dynamo/internal/core"
	"github.com/hasirciogluhq/dynamo/cmd/dynamo/internal/handler"
	"github.com/hasirciogluhq/dynamo/cmd/dynamo/internal/logger"
	"github.com/hasirciogluhq/dynamo/cmd/dynamo/internal/proxy"
)

// Chain is the ordered handler list for the listeners. Sessions is set
// when the session demo is part of the chain, so its sweeper can be run.
type Chain struct {
	Handlers []core.Handler
	Sessions *handler.Sessions
}

// ChainFactory builds the handler chain from HANDLER_CHAIN
type ChainFactory struct {
	cfg *config.Config
}

// NewChainFactory creates a new chain factory
func NewChainFactory(cfg *config.Config) *ChainFactory {
	return &ChainFactory{cfg: cfg}
}

// Create instantiates each configured handler in order.
func (f *ChainFactory) Create(resolver core.HostResolver, relayer core.Relayer) (*Chain, error) {
	chain := &Chain{}
	for _, name := range f.cfg.HandlerChain {
		h, err := f.create(name, resolver, relayer, chain)
		if err != nil {
			return nil, err
		}
		chain.Handlers = append(chain.Handlers, h)
	}
	logger.Info("Handler chain created", "handlers", f.cfg.HandlerChain)
	return chain, nil
}

func (f *ChainFactory) create(name string, resolver core.HostResolver, relayer core.Relayer, chain *Chain) (core.Handler, error) {
	switch name {
	case config.HandlerLogging:
		return handler.NewLogging(), nil
	case config.HandlerConnect:
		return proxy.NewConnect(resolver, relayer), nil
	case config.HandlerProxy:
		return proxy.NewForward(resolver, relayer), nil
	case config.HandlerDocuments:
		if _, err := os.Stat(f.cfg.DocumentRoot); err != nil {
			logger.Warn("Document root not accessible", "root", f.cfg.DocumentRoot, "error", err)
		}
		return handler.NewDocument(f.cfg.DocumentRoot, f.cfg.Report404), nil
	case config.HandlerSessions:
		chain.Sessions = handler.NewSessions(f.cfg.SessionPrefix, handler.NewHitCounter, handler.SessionOptions{
			CookieName:    f.cfg.SessionCookie,
			Expiry:        f.cfg.SessionExpiry,
			SweepInterval: f.cfg.SessionSweep,
		})
		return chain.Sessions, nil
	default:
		return nil, fmt.Errorf("unknown handler: %s", name)
	}
}
