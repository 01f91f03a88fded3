package crmsync

import (
	"context"
	"fmt"

	"github.com/mmdatafocus/formsync_backend/clock"
	"github.com/mmdatafocus/formsync_backend/config"
	"github.com/mmdatafocus/formsync_backend/crm"
	"github.com/mmdatafocus/formsync_backend/fieldmap"
	"github.com/mmdatafocus/formsync_backend/models"
	"github.com/mmdatafocus/formsync_backend/schemacache"
	"github.com/mmdatafocus/formsync_backend/tokenmanager"
	"github.com/mmdatafocus/formsync_backend/utils"
	"github.com/sirupsen/logrus"
)

// TokenAdmin is the part of the token manager the HTTP layer needs.
type TokenAdmin interface {
	AuthCodeURL(state string) string
	Exchange(ctx context.Context, provider, code string) (*models.Credential, error)
	Revoke(ctx context.Context, provider, reason string) error
	Status(ctx context.Context) []tokenmanager.ProviderStatus
}

// Service bundles the pipeline for the HTTP server and the admin CLI.
type Service struct {
	Provider    string
	Forms       FormLookup
	Store       SubmissionStore
	Tokens      TokenAdmin
	Schema      SchemaRefresher
	Coordinator *Coordinator
	Nudger      Nudger
	States      StateStore
	Logger      *logrus.Logger

	startables []interface {
		Start(ctx context.Context)
		Stop()
	}
	closers []func()
}

// NewService wires the pipeline from environment configuration and the
// process-wide DB and Redis connections, which must already be up.
func NewService(ctx context.Context, logger *logrus.Logger) (*Service, error) {
	crmCfg := config.LoadCRMConfig()
	if err := crmCfg.Validate(); err != nil {
		return nil, fmt.Errorf("crm config: %w", err)
	}
	syncCfg := config.LoadSyncConfig()
	if err := syncCfg.Validate(); err != nil {
		return nil, fmt.Errorf("sync config: %w", err)
	}
	forms, err := config.LoadForms(syncCfg.FormsFile, syncCfg.DefaultModule)
	if err != nil {
		return nil, err
	}
	validator, err := NewSchemaValidator(forms.Forms())
	if err != nil {
		return nil, err
	}
	box, err := utils.NewSecretBox(crmCfg.EncryptionKey)
	if err != nil {
		return nil, err
	}

	db := config.GetDB()
	rdb := config.GetRedisDB()
	clk := clock.Real()

	tokens := tokenmanager.New(models.NewCredentialStore(db, box), crm.NewOAuthClient(crmCfg), clk, logger, tokenmanager.Options{
		Provider:         crmCfg.Provider,
		SafetyMargin:     syncCfg.TokenSafetyMargin,
		RefreshThreshold: syncCfg.TokenRefreshThreshold,
		HealthInterval:   syncCfg.TokenHealthInterval,
	})
	invoker := crm.NewInvoker(tokens, clk, syncCfg.RateLimitMaxWaits, syncCfg.BackoffBase, logger)
	invoker.MaxRateLimitWait = syncCfg.RateLimitMaxWait
	bound := crm.NewBound(crm.NewHTTPClient(crmCfg, logger), invoker)

	schema := schemacache.New(bound, models.NewSchemaFieldStore(db), rdb, clk, logger, schemacache.Options{
		TTL:             syncCfg.SchemaTTL,
		RefreshInterval: syncCfg.SchemaRefreshInterval,
		Modules:         formModules(forms.Forms(), syncCfg.DefaultModule),
	})
	engine := fieldmap.New(schema, bound, fieldmap.Options{
		HeuristicFloor:      syncCfg.HeuristicFloor,
		MultiValueDelimiter: crmCfg.MultiValueDelimiter,
		PhoneRegion:         crmCfg.DefaultPhoneRegion,
		Logger:              logger,
	})

	svc := &Service{
		Provider: crmCfg.Provider,
		Forms:    forms,
		Store:    models.NewSubmissionStore(db),
		Tokens:   tokens,
		Schema:   schema,
		States:   NewStateStore(rdb, clk),
		Logger:   logger,
	}

	var archiver Archiver
	if syncCfg.ArchiveBucket != "" {
		gcs, err := utils.GetGCSClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("gcs client: %w", err)
		}
		svc.closers = append(svc.closers, func() { _ = gcs.Close() })
		archiver = NewGCSArchiver(gcs, syncCfg.ArchiveBucket)
	}

	if config.PubSubNudgeEnabled() {
		client, err := config.GetPubSubClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("pubsub client: %w", err)
		}
		topic, err := config.CreateTopicIfNotExists(ctx, client, syncCfg.PubSubTopic)
		if err != nil {
			return nil, err
		}
		nudger := NewPubSubNudger(topic)
		svc.Nudger = nudger
		svc.closers = append(svc.closers, nudger.Stop)
	}

	svc.Coordinator = New(Deps{
		Store:       svc.Store,
		Credentials: tokens,
		Mapper:      engine,
		Records:     bound,
		Schema:      schema,
		Forms:       forms,
		Validator:   validator,
		Archiver:    archiver,
		Clock:       clk,
		Logger:      logger,
	}, Options{
		Provider:      crmCfg.Provider,
		DefaultModule: syncCfg.DefaultModule,
		PollInterval:  syncCfg.PollInterval,
		BatchSize:     syncCfg.BatchSize,
		Concurrency:   syncCfg.Concurrency,
		MaxRetries:    syncCfg.MaxRetries,
		BackoffBase:   syncCfg.BackoffBase,
		BackoffMax:    syncCfg.BackoffMax,
		StaleAfter:    syncCfg.StaleAfter,
	})

	svc.startables = append(svc.startables, tokens, schema, svc.Coordinator)
	return svc, nil
}

// Start launches the token health loop, schema refresh loop and sync poll
// loop.
func (s *Service) Start(ctx context.Context) {
	for _, st := range s.startables {
		st.Start(ctx)
	}
}

// Stop halts the loops in reverse order and releases cloud clients.
func (s *Service) Stop() {
	for i := len(s.startables) - 1; i >= 0; i-- {
		s.startables[i].Stop()
	}
	for _, closeFn := range s.closers {
		closeFn()
	}
}

func formModules(forms []config.FormDefinition, defaultModule string) []string {
	modules := []string{defaultModule}
	for _, f := range forms {
		if f.TargetModule != "" {
			modules = append(modules, f.TargetModule)
		}
	}
	return utils.UniqueSlice(modules)
}
