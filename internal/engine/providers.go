package engine

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/BadgerOps/taleport/internal/config"
	"github.com/BadgerOps/taleport/internal/download"
	"github.com/BadgerOps/taleport/internal/provider"
	"github.com/BadgerOps/taleport/internal/provider/bdbag"
	"github.com/BadgerOps/taleport/internal/provider/dataone"
	"github.com/BadgerOps/taleport/internal/provider/dataverse"
	"github.com/BadgerOps/taleport/internal/provider/globus"
	"github.com/BadgerOps/taleport/internal/provider/httpfile"
	"github.com/BadgerOps/taleport/internal/provider/null"
	"github.com/BadgerOps/taleport/internal/provider/zenodo"
	"github.com/BadgerOps/taleport/internal/resolver"
	"github.com/BadgerOps/taleport/internal/safety"
)

// DefaultProviderOrder is the match priority of the built-in providers.
// HTTP accepts any URL and Null accepts everything, so both come last.
var DefaultProviderOrder = []string{
	zenodo.Name,
	dataverse.Name,
	globus.Name,
	dataone.Name,
	bdbag.DERIVAName,
	bdbag.Name,
	httpfile.Name,
	null.Name,
}

// ProviderFactory creates a provider instance given its registry name.
type ProviderFactory func(name string) (provider.Provider, error)

// NewProviderFactory returns a factory wiring every built-in provider to
// the shared download client.
func NewProviderFactory(client *download.Client, logger *slog.Logger) ProviderFactory {
	return func(name string) (provider.Provider, error) {
		switch name {
		case zenodo.Name:
			return zenodo.New(client, logger), nil
		case dataverse.Name:
			return dataverse.New(client, logger), nil
		case globus.Name:
			return globus.New(client, logger), nil
		case dataone.Name:
			return dataone.New(client, logger), nil
		case bdbag.DERIVAName:
			return bdbag.NewDERIVA(client, logger), nil
		case bdbag.Name:
			return bdbag.New(client, logger), nil
		case httpfile.Name:
			return httpfile.New(client, logger), nil
		case null.Name:
			return null.New(), nil
		}
		return nil, fmt.Errorf("unknown provider: %s", name)
	}
}

// NewRegistry builds the registry from the config file alone, skipping
// disabled providers. Null is always registered last.
func NewRegistry(factory ProviderFactory, cfg *config.Config, logger *slog.Logger) (*provider.Registry, error) {
	if logger == nil {
		logger = slog.Default()
	}
	reg := provider.NewRegistry()
	sections := make(map[string]provider.ProviderConfig)
	for _, name := range DefaultProviderOrder {
		key := strings.ToLower(name)
		if name != null.Name && !cfg.ProviderEnabled(key) {
			logger.Debug("provider disabled", "provider", name)
			continue
		}
		p, err := factory(name)
		if err != nil {
			return nil, err
		}
		if section, ok := cfg.Providers[key]; ok {
			sections[key] = section
		}
		reg.Register(p)
	}
	if err := reg.Configure(sections); err != nil {
		return nil, err
	}
	return reg, nil
}

// NewClient returns the download client shared by all providers, limited
// to the configured request rate.
func NewClient(cfg *config.Config, logger *slog.Logger) *download.Client {
	return download.NewClient(logger, download.WithRateLimit(cfg.Import.RequestsPerSecond, cfg.Import.Burst))
}

// NewResolverChain returns the DOI and minid resolvers behind a cache
// with the configured TTL.
func NewResolverChain(cfg *config.Config, logger *slog.Logger) *resolver.Chain {
	hc := safety.NewHTTPClient(cfg.Import.HTTPTimeout)
	return resolver.NewChain(logger, cfg.Import.ResolverCacheTTL,
		resolver.NewDOIResolver(hc),
		resolver.NewMinidResolver(hc),
	)
}
