package main

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/ecademy/leadfunnel/internal/cohort"
	"github.com/ecademy/leadfunnel/internal/collect"
	"github.com/ecademy/leadfunnel/internal/config"
	"github.com/ecademy/leadfunnel/internal/contact"
	"github.com/ecademy/leadfunnel/internal/export"
	"github.com/ecademy/leadfunnel/internal/fetcher"
	"github.com/ecademy/leadfunnel/internal/monitoring"
	"github.com/ecademy/leadfunnel/internal/publish"
	"github.com/ecademy/leadfunnel/internal/resilience"
	"github.com/ecademy/leadfunnel/internal/runner"
	"github.com/ecademy/leadfunnel/internal/store"
	"github.com/ecademy/leadfunnel/internal/taxonomy"
	"github.com/ecademy/leadfunnel/pkg/alfacrm"
	"github.com/ecademy/leadfunnel/pkg/meta"
	"github.com/ecademy/leadfunnel/pkg/nethunt"
)

// appEnv holds the store, upstream clients and runner shared by the run,
// serve and worker commands.
type appEnv struct {
	Store     store.Store
	Runner    *runner.Runner
	Metrics   *monitoring.Metrics
	Publisher publish.Publisher
	Taxonomy  taxonomy.Set
}

// Close releases resources held by the environment.
func (e *appEnv) Close() {
	if e.Publisher != nil {
		if err := e.Publisher.Close(); err != nil {
			zap.L().Warn("close publisher", zap.Error(err))
		}
	}
	if e.Store != nil {
		_ = e.Store.Close()
	}
}

// initEnv validates the config for mode, opens the store and builds the
// runner. Callers should defer env.Close().
func initEnv(ctx context.Context, mode string) (*appEnv, error) {
	if err := cfg.Validate(mode); err != nil {
		return nil, err
	}

	tax, err := taxonomy.LoadFile(cfg.Taxonomy.File)
	if err != nil {
		return nil, eris.Wrap(err, "load taxonomy")
	}

	st, err := openStore(ctx)
	if err != nil {
		return nil, err
	}

	metrics := monitoring.NewMetrics()
	coll, err := newCollector(cfg, tax, metrics)
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	pub := publish.New(cfg.Kafka.Brokers, cfg.Kafka.Topic)
	if len(cfg.Kafka.Brokers) == 0 {
		zap.L().Debug("kafka brokers not set, run events are not published")
	}

	ex := contact.NewExtractor(cfg.Contacts.PhoneKeywords, cfg.Contacts.EmailKeywords)
	r := runner.New(st, coll, tax, ex,
		runner.WithExporter(export.New(cfg.Export.Dir, cfg.Export.DefaultRegion)),
		runner.WithPublisher(pub),
		runner.WithMetrics(metrics),
	)

	return &appEnv{
		Store:     st,
		Runner:    r,
		Metrics:   metrics,
		Publisher: pub,
		Taxonomy:  tax,
	}, nil
}

// newCollector wires the Meta, AlfaCRM and NetHunt clients over a shared
// rate-limited, retrying transport.
func newCollector(c *config.Config, tax taxonomy.Set, metrics *monitoring.Metrics) (*collect.Collector, error) {
	since, err := time.Parse(time.RFC3339, c.NetHunt.Since)
	if err != nil {
		return nil, eris.Wrapf(err, "parse nethunt.since %q", c.NetHunt.Since)
	}

	hc := fetcher.New(fetcher.Options{
		UserAgent:     "leadfunnel/1.0",
		Timeout:       c.Fetch.Timeout(),
		Policy:        resilience.NewPolicy(c.Fetch.MaxAttempts, c.Fetch.Backoff()),
		RatePerSecond: c.Fetch.RatePerSecond,
		Logger:        zap.L(),
		Observe:       metrics.ObserveUpstream,
	})

	metaClient := meta.NewClient(c.Meta.AccessToken, c.Meta.PageID,
		meta.WithBaseURL(c.Meta.BaseURL),
		meta.WithPageSize(c.Meta.PageSize),
		meta.WithHTTPClient(hc),
	)
	alfaClient := alfacrm.NewClient(c.AlfaCRM.BaseURL, c.AlfaCRM.Email, c.AlfaCRM.APIKey,
		alfacrm.WithBranch(c.AlfaCRM.BranchID),
		alfacrm.WithPageSize(c.AlfaCRM.PageSize),
		alfacrm.WithHTTPClient(hc),
	)
	nhClient := nethunt.NewClient(c.NetHunt.BasicAuth,
		nethunt.WithBaseURL(c.NetHunt.BaseURL),
		nethunt.WithLimit(c.NetHunt.PageSize),
		nethunt.WithHTTPClient(hc),
	)

	return collect.New(collect.Sources{
		Meta:        metaClient,
		AlfaCRM:     alfaClient,
		NetHunt:     nhClient,
		FolderID:    c.NetHunt.FolderID,
		Since:       since,
		StatusField: tax.Teacher.StatusField(),
	}, cohort.NewFilter(c.Cohorts.Students, c.Cohorts.Teachers)), nil
}
