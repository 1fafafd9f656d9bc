// Package service assembles the sync engine and its collaborators from a
// loaded config. Both binaries build through it.
package service

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"strings"

	"golang.org/x/time/rate"

	"github.com/agentworkforce/commitsync/internal/capability"
	"github.com/agentworkforce/commitsync/internal/commitsync"
	"github.com/agentworkforce/commitsync/internal/config"
	"github.com/agentworkforce/commitsync/internal/github"
	"github.com/agentworkforce/commitsync/internal/graph"
	"github.com/agentworkforce/commitsync/internal/httpapi"
	"github.com/agentworkforce/commitsync/internal/tokens"
)

const userAgent = "commitsync"

type Service struct {
	Tokens     capability.TokenSource
	Tasks      *graph.Client
	Issues     *github.Client
	Links      commitsync.LinkStore
	Engine     *commitsync.Engine
	Dispatcher *commitsync.Dispatcher
	Renewer    *commitsync.Renewer
	Leases     *config.LeaseWatcher
	Activity   *httpapi.Hub
	Handler    http.Handler

	closers []io.Closer
}

// Options lets callers swap the outbound HTTP client, mostly for tests.
type Options struct {
	HTTPClient *http.Client
}

func Build(cfg config.Config, logger *slog.Logger, opts Options) (*Service, error) {
	if logger == nil {
		logger = slog.Default()
	}
	svc := &Service{}
	ok := false
	defer func() {
		if !ok {
			_ = svc.Close()
		}
	}()

	source, closer, err := BuildTaskTokens(cfg, logger, opts.HTTPClient)
	if err != nil {
		return nil, err
	}
	svc.Tokens = source
	if closer != nil {
		svc.closers = append(svc.closers, closer)
	}

	svc.Tasks = graph.NewClient(graph.Options{
		BaseURL:    cfg.Tasks.BaseURL,
		Tokens:     source,
		HTTPClient: opts.HTTPClient,
		Limiter:    outboundLimiter(cfg.Tasks.RequestsRPS),
		UserAgent:  userAgent,
	})
	svc.Issues = github.NewClient(github.Options{
		BaseURL:    cfg.Issues.BaseURL,
		Tokens:     tokens.NewStaticSource(cfg.Issues.Token),
		HTTPClient: opts.HTTPClient,
		Limiter:    outboundLimiter(cfg.Issues.RequestsRPS),
		UserAgent:  userAgent,
	})

	links, err := commitsync.BuildLinkStoreFromDSN(cfg.Storage.LinkStoreDSN)
	if err != nil {
		return nil, fmt.Errorf("link store: %w", err)
	}
	svc.Links = links
	svc.closers = append(svc.closers, links)

	table, err := commitsync.NewMappingTable(cfg.Mappings)
	if err != nil {
		return nil, fmt.Errorf("mappings: %w", err)
	}
	resolver := commitsync.NewResolver(commitsync.ResolverOptions{
		Directory:     svc.Tasks,
		Table:         table,
		Logger:        logger,
		DisableCreate: cfg.DisableContainerCreate,
	})

	svc.Activity = httpapi.NewHub()
	svc.Engine, err = commitsync.NewEngine(commitsync.EngineOptions{
		Tasks:       svc.Tasks,
		Issues:      svc.Issues,
		Links:       links,
		Guard:       commitsync.NewGuard(cfg.Issues.Host),
		Resolver:    resolver,
		ClientState: cfg.Webhooks.ClientState,
		Logger:      logger,
		Observer:    svc.Activity.Publish,
		ClaimTTL:    cfg.Dispatch.Timeout,
	})
	if err != nil {
		return nil, err
	}
	svc.Dispatcher = commitsync.NewDispatcher(commitsync.DispatcherOptions{
		Handler:     svc.Engine.HandleTaskNotification,
		Concurrency: cfg.Dispatch.Concurrency,
		Timeout:     cfg.Dispatch.Timeout,
		Logger:      logger,
	})

	svc.Leases, err = config.NewLeaseWatcher(cfg.Renewal.LeaseFile, cfg.Renewal.Leases, logger)
	if err != nil {
		return nil, err
	}
	svc.Renewer = commitsync.NewRenewer(commitsync.RenewerOptions{
		Subscriptions: svc.Tasks,
		Leases:        svc.Leases,
		MaxLifetime:   cfg.Renewal.MaxLifetime,
		Logger:        logger,
	})

	svc.Handler = httpapi.NewServer(httpapi.Dependencies{
		Issues:        svc.Engine,
		Notifications: svc.Dispatcher,
		Tokens:        source,
		Links:         links,
		Leases:        svc.Renewer,
		Activity:      svc.Activity,
	}, httpapi.ServerConfig{
		WebhookSecret:   cfg.Webhooks.GitHubSecret,
		JWTSecret:       cfg.Admin.JWTSecret,
		RateLimitRPS:    cfg.RateLimit.RPS,
		RateLimitBurst:  cfg.RateLimit.Burst,
		MaxBodyBytes:    cfg.Webhooks.MaxBodyBytes,
		ActivityOrigins: cfg.Admin.ActivityOrigins,
		Logger:          logger,
	})
	ok = true
	return svc, nil
}

// BuildTaskTokens returns the task-service token source. A bare access
// token with no client id and no credential store is used as is;
// anything else goes through a refreshing Manager.
func BuildTaskTokens(cfg config.Config, logger *slog.Logger, httpClient *http.Client) (capability.TokenSource, io.Closer, error) {
	tc := cfg.Tasks
	if strings.TrimSpace(tc.ClientID) == "" && strings.TrimSpace(cfg.Storage.CredentialStoreDSN) == "" {
		return tokens.NewStaticSource(tc.AccessToken), nil, nil
	}

	key, err := cfg.CredentialKeyBytes()
	if err != nil {
		return nil, nil, err
	}
	var storeOpts []tokens.SQLStoreOption
	if key != nil {
		storeOpts = append(storeOpts, tokens.WithEncryptionKey(key))
	}
	if cfg.Storage.CredentialID != "" {
		storeOpts = append(storeOpts, tokens.WithCredentialID(cfg.Storage.CredentialID))
	}
	var initial *tokens.Credential
	if strings.TrimSpace(tc.AccessToken) != "" || strings.TrimSpace(tc.RefreshToken) != "" {
		// No expiry is known for configured tokens, so the first use refreshes.
		initial = &tokens.Credential{AccessToken: tc.AccessToken, RefreshToken: tc.RefreshToken}
	}
	store, err := tokens.BuildStoreFromDSN(cfg.Storage.CredentialStoreDSN, initial, storeOpts...)
	if err != nil {
		return nil, nil, fmt.Errorf("credential store: %w", err)
	}
	closer, _ := store.(io.Closer)

	var refresher tokens.Refresher
	if strings.TrimSpace(tc.ClientID) != "" {
		oauth, err := tokens.NewOAuthRefresher(tokens.OAuthConfig{
			ClientID:     tc.ClientID,
			ClientSecret: tc.ClientSecret,
			TenantID:     tc.TenantID,
			Authority:    tc.Authority,
			Scopes:       tc.Scopes,
			HTTPClient:   httpClient,
		})
		if err != nil {
			if closer != nil {
				_ = closer.Close()
			}
			return nil, nil, err
		}
		refresher = oauth
	}
	return tokens.NewManager(tokens.ManagerOptions{
		Store:     store,
		Refresher: refresher,
		Logger:    logger,
	}), closer, nil
}

func outboundLimiter(rps float64) *rate.Limiter {
	if rps <= 0 {
		return nil
	}
	return rate.NewLimiter(rate.Limit(rps), int(math.Max(1, math.Ceil(rps))))
}

// Close releases stores in reverse build order.
func (s *Service) Close() error {
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	s.closers = nil
	return errors.Join(errs...)
}
