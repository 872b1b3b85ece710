package export

import (
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tealeg/xlsx/v2"

	"github.com/ecademy/leadfunnel/internal/model"
	"github.com/ecademy/leadfunnel/internal/taxonomy"
)

func sheetRows(t *testing.T, path, name string) [][]string {
	t.Helper()
	f, err := xlsx.OpenFile(path)
	require.NoError(t, err)
	sheet, ok := f.Sheet[name]
	require.True(t, ok, "sheet %s missing", name)

	var rows [][]string
	for _, row := range sheet.Rows {
		cells := make([]string, len(row.Cells))
		for i, c := range row.Cells {
			cells[i] = c.String()
		}
		rows = append(rows, cells)
	}
	return rows
}

func studentResult() *model.RunResult {
	return &model.RunResult{
		Run: model.Run{ID: "0f8fad5b-d9cb-469f-a165-70867728950e", Cohort: model.CohortStudents, StartDate: "2025-10-01", EndDate: "2025-10-31"},
		Campaigns: map[string]model.CampaignReport{
			"c2": {
				CampaignFunnel: model.CampaignFunnel{
					CampaignID: "c2", CampaignName: "Student/UA", LeadsCount: 4, Matched: 2,
					FunnelStats: map[string]int{model.TotalLeadsKey: 4, "unprocessed": 2, "scheduled": 2, "paid": 1},
					TaggedContacts: map[string][]model.TaggedContact{
						"scheduled": {{Fingerprint: "0501234567", Tag: model.TagPassed}, {Fingerprint: "ann@x.ua", Tag: model.TagCurrent}},
					},
				},
				Insights: model.Insights{Spend: 40, Impressions: 1000, Clicks: 25},
				Metrics:  model.Metrics{TargetLeads: 2, NonTargetLeads: 2, CostPerLead: 10},
			},
			"c1": {
				CampaignFunnel: model.CampaignFunnel{CampaignID: "c1", CampaignName: "Student/PL", FunnelStats: map[string]int{model.TotalLeadsKey: 0}},
			},
		},
	}
}

func TestWrite_Students(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "out")
	clock := func() time.Time { return time.Date(2025, 11, 2, 8, 0, 0, 0, time.UTC) }
	e := New(dir, "ua", WithClock(clock))

	path, err := e.Write(studentResult(), taxonomy.Default())
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "leadfunnel-students-2025-10-01_2025-10-31-0f8fad5b.xlsx"), path)

	ads := sheetRows(t, path, SheetAds)
	require.Len(t, ads, 4)
	assert.Equal(t, "fetched", ads[0][0])
	assert.Equal(t, []string{"Campaign ID", "Campaign", "Spend", "Impressions", "Clicks", "CTR", "CPM", "Reach", "Leads"}, ads[1])
	assert.Equal(t, "c1", ads[2][0], "sorted by campaign name")
	assert.Equal(t, "c2", ads[3][0])
	assert.Equal(t, "40", ads[3][2])
	assert.Equal(t, "4", ads[3][8])

	st := sheetRows(t, path, SheetStudents)
	require.Len(t, st, 4)
	header := st[1]
	assert.Equal(t, "Campaign", header[0])
	assert.Contains(t, header, "scheduled")
	assert.Contains(t, header, "Contacts: scheduled")
	assert.Contains(t, header, "% trial to sale")

	col := func(name string) int {
		for i, h := range header {
			if h == name {
				return i
			}
		}
		t.Fatalf("column %q missing", name)
		return -1
	}
	row := st[3]
	assert.Equal(t, "Student/UA", row[col("Campaign")])
	assert.Equal(t, "2025-11-02", row[col("Analysis date")])
	assert.Equal(t, "2025-10-01 - 2025-10-31", row[col("Period")])
	assert.Equal(t, "2", row[col("scheduled")])
	assert.Equal(t, "0", row[col("archived")])
	assert.Equal(t, "2", row[col("Target leads")])
	assert.Equal(t, "crm", st[0][col("scheduled")])
	assert.Equal(t, "formula", st[0][col("Cost / lead")])

	contacts := row[col("Contacts: scheduled")]
	assert.True(t, strings.HasPrefix(contacts, "+380"), contacts)
	assert.True(t, strings.HasSuffix(contacts, "(passed), ann@x.ua"), contacts)

	teachers := sheetRows(t, path, SheetTeachers)
	require.Len(t, teachers, 2, "other cohort sheet holds headers only")
	assert.Contains(t, teachers[1], "Interview Completed")
}

func TestBuild_Errors(t *testing.T) {
	e := New(t.TempDir(), "")

	_, err := e.Write(nil, taxonomy.Default())
	require.Error(t, err)

	_, err = e.Write(studentResult(), taxonomy.Set{})
	require.Error(t, err)

	res := studentResult()
	res.Run.Cohort = "parents"
	_, err = e.Build(res, taxonomy.Default())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown cohort")
}

func TestDisplayContact(t *testing.T) {
	intl := DisplayContact("380501234567", "UA")
	assert.True(t, strings.HasPrefix(intl, "+380 "), intl)
	assert.Equal(t, intl, DisplayContact("0501234567", "UA"))

	assert.Equal(t, "ann@x.ua", DisplayContact("ann@x.ua", "UA"))
	assert.Equal(t, "12", DisplayContact("12", "UA"))
	assert.Equal(t, "", DisplayContact("", "UA"))
}

func TestFileName(t *testing.T) {
	assert.Equal(t, "leadfunnel-teachers-2025-10-01_2025-10-31-r1.xlsx",
		FileName(model.Run{ID: "r1", Cohort: model.CohortTeachers, StartDate: "2025-10-01", EndDate: "2025-10-31"}))
}
