// Package export writes run results to spreadsheet workbooks.
package export

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/tealeg/xlsx/v2"

	"github.com/ecademy/leadfunnel/internal/model"
	"github.com/ecademy/leadfunnel/internal/taxonomy"
)

// Sheet names.
const (
	SheetAds      = "Ads"
	SheetStudents = "Students"
	SheetTeachers = "Teachers"
)

// Provenance annotates where a column's values come from.
type Provenance string

const (
	Fetched Provenance = "fetched"
	CRM     Provenance = "crm"
	Formula Provenance = "formula"
)

type column struct {
	header string
	source Provenance
	value  func(r model.CampaignReport) any
}

// Exporter writes one workbook per run into a directory.
type Exporter struct {
	dir    string
	region string
	now    func() time.Time
}

// Option configures an Exporter.
type Option func(*Exporter)

// WithClock overrides the analysis-date clock.
func WithClock(now func() time.Time) Option {
	return func(e *Exporter) { e.now = now }
}

// New returns an Exporter writing into dir. region is the default region
// used to format phone numbers.
func New(dir, region string, opts ...Option) *Exporter {
	if region == "" {
		region = "UA"
	}
	e := &Exporter{dir: dir, region: strings.ToUpper(region), now: time.Now}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// FileName returns the workbook name of a run.
func FileName(run model.Run) string {
	id := run.ID
	if len(id) > 8 {
		id = id[:8]
	}
	return fmt.Sprintf("leadfunnel-%s-%s_%s-%s.xlsx", run.Cohort, run.StartDate, run.EndDate, id)
}

// Write builds the workbook of res and returns its path. The sheet of the
// run's cohort holds one row per campaign; the other cohort sheet carries
// only its header rows.
func (e *Exporter) Write(res *model.RunResult, set taxonomy.Set) (string, error) {
	if res == nil {
		return "", eris.New("export: nil result")
	}
	if set.Student == nil || set.Teacher == nil {
		return "", eris.New("export: incomplete taxonomy set")
	}

	wb, err := e.Build(res, set)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(e.dir, 0o755); err != nil {
		return "", eris.Wrapf(err, "export: create dir %s", e.dir)
	}
	path := filepath.Join(e.dir, FileName(res.Run))
	if err := wb.Save(path); err != nil {
		return "", eris.Wrapf(err, "export: save %s", path)
	}
	return path, nil
}

// Build assembles the workbook in memory.
func (e *Exporter) Build(res *model.RunResult, set taxonomy.Set) (*xlsx.File, error) {
	reports := sortedReports(res.Campaigns)
	wb := xlsx.NewFile()

	if err := writeSheet(wb, SheetAds, adsColumns(), reports); err != nil {
		return nil, err
	}

	students, teachers := []model.CampaignReport(nil), []model.CampaignReport(nil)
	switch res.Run.Cohort {
	case model.CohortStudents:
		students = reports
	case model.CohortTeachers:
		teachers = reports
	default:
		return nil, eris.Errorf("export: unknown cohort %q", res.Run.Cohort)
	}

	if err := writeSheet(wb, SheetStudents, e.funnelColumns(res.Run, set.Student.Funnel()), students); err != nil {
		return nil, err
	}
	if err := writeSheet(wb, SheetTeachers, e.funnelColumns(res.Run, set.Teacher.Funnel()), teachers); err != nil {
		return nil, err
	}
	return wb, nil
}

func adsColumns() []column {
	return []column{
		{"Campaign ID", Fetched, func(r model.CampaignReport) any { return r.CampaignID }},
		{"Campaign", Fetched, func(r model.CampaignReport) any { return r.CampaignName }},
		{"Spend", Fetched, func(r model.CampaignReport) any { return r.Insights.Spend }},
		{"Impressions", Fetched, func(r model.CampaignReport) any { return r.Insights.Impressions }},
		{"Clicks", Fetched, func(r model.CampaignReport) any { return r.Insights.Clicks }},
		{"CTR", Fetched, func(r model.CampaignReport) any { return r.Insights.CTR }},
		{"CPM", Fetched, func(r model.CampaignReport) any { return r.Insights.CPM }},
		{"Reach", Fetched, func(r model.CampaignReport) any { return r.Insights.Reach }},
		{"Leads", Fetched, func(r model.CampaignReport) any { return r.LeadsCount }},
	}
}

func (e *Exporter) funnelColumns(run model.Run, f *taxonomy.Funnel) []column {
	date := e.now().Format("2006-01-02")
	period := run.StartDate + " - " + run.EndDate

	cols := []column{
		{"Campaign", Fetched, func(r model.CampaignReport) any { return r.CampaignName }},
		{"Campaign ID", Fetched, func(r model.CampaignReport) any { return r.CampaignID }},
		{"Analysis date", Formula, func(model.CampaignReport) any { return date }},
		{"Period", Formula, func(model.CampaignReport) any { return period }},
		{"Spend", Fetched, func(r model.CampaignReport) any { return r.Insights.Spend }},
		{"Total leads", Fetched, func(r model.CampaignReport) any { return r.Total() }},
	}
	stages := f.Stages()
	for _, st := range stages {
		key := string(st)
		cols = append(cols, column{key, CRM, func(r model.CampaignReport) any { return r.FunnelStats[key] }})
	}
	cols = append(cols,
		column{"Target leads", Formula, func(r model.CampaignReport) any { return r.Metrics.TargetLeads }},
		column{"Non-target leads", Formula, func(r model.CampaignReport) any { return r.Metrics.NonTargetLeads }},
		column{"% target", Formula, func(r model.CampaignReport) any { return r.Metrics.TargetShare }},
		column{"% conversion", Formula, func(r model.CampaignReport) any { return r.Metrics.ConversionRate }},
		column{"% trial to sale", Formula, func(r model.CampaignReport) any { return r.Metrics.TrialToSale }},
		column{"% matched", Formula, func(r model.CampaignReport) any { return r.Metrics.MatchRate }},
		column{"Cost / lead", Formula, func(r model.CampaignReport) any { return r.Metrics.CostPerLead }},
		column{"Cost / target lead", Formula, func(r model.CampaignReport) any { return r.Metrics.CostPerTargetLead }},
	)
	for _, st := range stages {
		key := string(st)
		cols = append(cols, column{"Contacts: " + key, CRM, func(r model.CampaignReport) any {
			return e.contacts(r.TaggedContacts[key])
		}})
	}
	return cols
}

func (e *Exporter) contacts(tagged []model.TaggedContact) string {
	parts := make([]string, 0, len(tagged))
	for _, tc := range tagged {
		s := DisplayContact(tc.Fingerprint, e.region)
		if tc.Tag == model.TagPassed {
			s += " (passed)"
		}
		parts = append(parts, s)
	}
	return strings.Join(parts, ", ")
}

func writeSheet(wb *xlsx.File, name string, cols []column, reports []model.CampaignReport) error {
	sheet, err := wb.AddSheet(name)
	if err != nil {
		return eris.Wrapf(err, "export: add sheet %s", name)
	}

	prov := sheet.AddRow()
	head := sheet.AddRow()
	for _, c := range cols {
		prov.AddCell().SetString(string(c.source))
		head.AddCell().SetString(c.header)
	}
	for _, r := range reports {
		row := sheet.AddRow()
		for _, c := range cols {
			setCell(row.AddCell(), c.value(r))
		}
	}
	return nil
}

func setCell(cell *xlsx.Cell, v any) {
	switch x := v.(type) {
	case int:
		cell.SetInt(x)
	case int64:
		cell.SetInt64(x)
	case float64:
		cell.SetFloat(x)
	case string:
		cell.SetString(x)
	default:
		cell.SetValue(x)
	}
}

func sortedReports(m map[string]model.CampaignReport) []model.CampaignReport {
	out := make([]model.CampaignReport, 0, len(m))
	for _, r := range m {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CampaignName != out[j].CampaignName {
			return out[i].CampaignName < out[j].CampaignName
		}
		return out[i].CampaignID < out[j].CampaignID
	})
	return out
}
