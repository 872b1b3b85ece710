// Package collect gathers the per-run snapshot: ads leads grouped by
// campaign and the CRM records of the requested cohort.
package collect

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ecademy/leadfunnel/internal/cohort"
	"github.com/ecademy/leadfunnel/internal/model"
	"github.com/ecademy/leadfunnel/pkg/alfacrm"
	"github.com/ecademy/leadfunnel/pkg/meta"
	"github.com/ecademy/leadfunnel/pkg/nethunt"
)

// Snapshot is the immutable input of one run.
type Snapshot struct {
	Campaigns map[string]model.Campaign
	Students  []model.StudentRecord
	Teachers  []model.TeacherRecord
	Events    []model.ChangeEvent
	// Partial lists the sources that failed midway; their data is
	// incomplete but usable.
	Partial []string
}

// Leads returns the number of leads across all campaigns.
func (s *Snapshot) Leads() int {
	n := 0
	for _, c := range s.Campaigns {
		n += len(c.Leads)
	}
	return n
}

// Sources are the upstream clients a Collector reads from.
type Sources struct {
	Meta    meta.Client
	AlfaCRM alfacrm.Client
	NetHunt nethunt.Client

	// FolderID is the NetHunt folder holding teacher records.
	FolderID string
	// Since bounds the NetHunt record and change walk.
	Since time.Time
	// StatusField names the NetHunt field carrying the teacher status.
	StatusField string
}

// Option configures a Collector.
type Option func(*Collector)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *Collector) { c.log = l }
}

// WithConcurrency bounds concurrent per-form and per-campaign calls.
func WithConcurrency(n int) Option {
	return func(c *Collector) {
		if n > 0 {
			c.concurrency = n
		}
	}
}

// Collector fetches snapshots.
type Collector struct {
	src         Sources
	filter      *cohort.Filter
	log         *zap.Logger
	concurrency int
}

// New returns a Collector.
func New(src Sources, filter *cohort.Filter, opts ...Option) *Collector {
	c := &Collector{src: src, filter: filter, log: zap.L(), concurrency: 4}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Collect fetches ads leads and the cohort's CRM side concurrently.
func (c *Collector) Collect(ctx context.Context, req model.RunRequest) (*Snapshot, error) {
	snap := &Snapshot{}
	var mu sync.Mutex
	partial := func(source string) {
		mu.Lock()
		snap.Partial = append(snap.Partial, source)
		mu.Unlock()
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		camps, err := c.Campaigns(gctx, req.Cohort, req.StartDate, req.EndDate, partial)
		if err != nil {
			return err
		}
		snap.Campaigns = camps
		return nil
	})

	switch req.Cohort {
	case model.CohortStudents:
		g.Go(func() error {
			recs, err := c.Students(gctx, partial)
			snap.Students = recs
			return err
		})
	case model.CohortTeachers:
		g.Go(func() error {
			recs, err := c.Teachers(gctx, partial)
			snap.Teachers = recs
			return err
		})
		g.Go(func() error {
			events, err := c.Events(gctx, partial)
			snap.Events = events
			return err
		})
	default:
		return nil, eris.Errorf("collect: unknown cohort %q", req.Cohort)
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	sort.Strings(snap.Partial)
	return snap, nil
}

// Campaigns lists every form, loads its leads, keeps those created within
// [start, end], groups them by campaign and attaches campaign insights. A
// failing form is skipped; failing insights leave the spend at zero.
func (c *Collector) Campaigns(ctx context.Context, co model.Cohort, start, end string, partial func(string)) (map[string]model.Campaign, error) {
	forms, err := c.src.Meta.Forms(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "collect: list forms")
	}

	var mu sync.Mutex
	var leads []model.Lead
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.concurrency)
	for _, f := range forms {
		g.Go(func() error {
			got, err := c.src.Meta.Leads(gctx, f.ID)
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				c.log.Warn("collect: form leads incomplete",
					zap.String("form_id", f.ID),
					zap.Int("loaded", len(got)),
					zap.Error(err),
				)
				partial("meta:" + f.ID)
			}
			mu.Lock()
			for _, l := range got {
				leads = append(leads, fromMetaLead(l))
			}
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	camps := c.group(co, leads, start, end)
	c.attachInsights(ctx, camps, start, end)
	return camps, nil
}

func (c *Collector) group(co model.Cohort, leads []model.Lead, start, end string) map[string]model.Campaign {
	camps := make(map[string]model.Campaign)
	seen := make(map[string]bool)
	noCampaign := 0
	for _, l := range leads {
		if !l.InRange(start, end) {
			continue
		}
		if l.CampaignID == "" {
			noCampaign++
			continue
		}
		if c.filter != nil && !c.filter.Matches(co, l.CampaignName) {
			continue
		}
		// A lead submitted through two forms of the same page arrives twice.
		if l.ID != "" {
			if seen[l.ID] {
				continue
			}
			seen[l.ID] = true
		}
		camp := camps[l.CampaignID]
		camp.ID = l.CampaignID
		if camp.Name == "" {
			camp.Name = l.CampaignName
		}
		camp.Leads = append(camp.Leads, l)
		camps[l.CampaignID] = camp
	}
	if noCampaign > 0 {
		c.log.Warn("collect: leads without campaign skipped", zap.Int("count", noCampaign))
	}
	for id, camp := range camps {
		sort.SliceStable(camp.Leads, func(i, j int) bool {
			a, b := camp.Leads[i], camp.Leads[j]
			if a.CreatedTime != b.CreatedTime {
				return a.CreatedTime < b.CreatedTime
			}
			return a.ID < b.ID
		})
		camps[id] = camp
	}
	return camps
}

func (c *Collector) attachInsights(ctx context.Context, camps map[string]model.Campaign, start, end string) {
	ids := make([]string, 0, len(camps))
	for id := range camps {
		ids = append(ids, id)
	}

	var mu sync.Mutex
	var g errgroup.Group
	g.SetLimit(c.concurrency)
	for _, id := range ids {
		g.Go(func() error {
			ins, err := c.src.Meta.CampaignInsights(ctx, id, start, end)
			if err != nil {
				c.log.Warn("collect: campaign insights unavailable",
					zap.String("campaign_id", id),
					zap.Error(err),
				)
				return nil
			}
			mu.Lock()
			camp := camps[id]
			camp.Insights = model.Insights{
				Spend:       ins.Spend,
				Impressions: ins.Impressions,
				Clicks:      ins.Clicks,
				Reach:       ins.Reach,
				CTR:         ins.CTR,
				CPM:         ins.CPM,
			}
			camps[id] = camp
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
}

// Students loads every AlfaCRM lead. A source that fails before yielding
// anything fails the run.
func (c *Collector) Students(ctx context.Context, partial func(string)) ([]model.StudentRecord, error) {
	custs, err := c.src.AlfaCRM.Customers(ctx)
	if err != nil {
		if len(custs) == 0 {
			return nil, eris.Wrap(err, "collect: alfacrm customers")
		}
		c.log.Warn("collect: alfacrm customers incomplete", zap.Int("loaded", len(custs)), zap.Error(err))
		partial("alfacrm")
	}
	out := make([]model.StudentRecord, 0, len(custs))
	for _, cu := range custs {
		out = append(out, model.StudentRecord{
			ID:       cu.ID,
			Name:     cu.Name,
			Phones:   cu.Phone,
			Emails:   cu.Email,
			StatusID: cu.StatusID(),
			AdsComp:  strings.TrimSpace(cu.CustomAdsComp),
			Created:  cu.CreatedAt,
		})
	}
	return out, nil
}

// Teachers loads the NetHunt folder records.
func (c *Collector) Teachers(ctx context.Context, partial func(string)) ([]model.TeacherRecord, error) {
	recs, err := c.src.NetHunt.Records(ctx, c.src.FolderID, c.src.Since)
	if err != nil {
		if len(recs) == 0 {
			return nil, eris.Wrap(err, "collect: nethunt records")
		}
		c.log.Warn("collect: nethunt records incomplete", zap.Int("loaded", len(recs)), zap.Error(err))
		partial("nethunt:records")
	}
	out := make([]model.TeacherRecord, 0, len(recs))
	for _, r := range recs {
		fields := make(map[string][]string, len(r.Fields))
		for k, v := range r.Fields {
			fields[k] = v
		}
		var status string
		if st := r.Field(c.src.StatusField); len(st) > 0 {
			status = st[0]
		}
		out = append(out, model.TeacherRecord{
			ID:        r.ID,
			Status:    status,
			Fields:    fields,
			UpdatedAt: r.UpdatedAt,
		})
	}
	return out, nil
}

// Events loads the NetHunt change stream. Missing history degrades replay
// to the current status, so failures are never fatal.
func (c *Collector) Events(ctx context.Context, partial func(string)) ([]model.ChangeEvent, error) {
	changes, err := c.src.NetHunt.Changes(ctx, c.src.FolderID, c.src.Since)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		c.log.Warn("collect: nethunt change history incomplete", zap.Int("loaded", len(changes)), zap.Error(err))
		partial("nethunt:changes")
	}
	out := make([]model.ChangeEvent, 0, len(changes))
	for _, ch := range changes {
		ev := model.ChangeEvent{
			RecordID: ch.RecordID,
			Time:     ch.Time,
			Actor:    ch.User.String(),
		}
		for _, a := range ch.FieldActions {
			ev.Actions = append(ev.Actions, model.FieldAction{
				Field:    a.Field,
				OldValue: a.OldValue.String(),
				NewValue: a.NewValue.String(),
			})
		}
		out = append(out, ev)
	}
	return out, nil
}

func fromMetaLead(l meta.Lead) model.Lead {
	fd := make([]model.FieldData, 0, len(l.FieldData))
	for _, f := range l.FieldData {
		fd = append(fd, model.FieldData{Name: f.Name, Values: f.Values})
	}
	return model.Lead{
		ID:           l.ID,
		CreatedTime:  l.CreatedTime,
		AdID:         l.AdID,
		AdName:       l.AdName,
		AdsetID:      l.AdsetID,
		AdsetName:    l.AdsetName,
		CampaignID:   l.CampaignID,
		CampaignName: l.CampaignName,
		FormID:       l.FormID,
		FieldData:    fd,
	}
}
