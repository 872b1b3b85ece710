package model

import "strconv"

// StudentRecord is a prospective-student record from AlfaCRM.
type StudentRecord struct {
	ID       int64    `json:"id"`
	Name     string   `json:"name,omitempty"`
	Phones   []string `json:"phones,omitempty"`
	Emails   []string `json:"emails,omitempty"`
	StatusID int      `json:"status_id,omitempty"` // 0 means no current status
	AdsComp  string   `json:"ads_comp,omitempty"`
	Created  string   `json:"created_at,omitempty"`
}

// Key returns the record id as an index key.
func (r StudentRecord) Key() string {
	return strconv.FormatInt(r.ID, 10)
}

// Contacts returns every raw phone and email carried by the record.
func (r StudentRecord) Contacts() []string {
	out := make([]string, 0, len(r.Phones)+len(r.Emails))
	out = append(out, r.Phones...)
	out = append(out, r.Emails...)
	return out
}

// TeacherRecord is a prospective-teacher record from NetHunt. Fields holds
// every record field flattened to its string values, keyed by field name.
type TeacherRecord struct {
	ID        string              `json:"id"`
	Status    string              `json:"status,omitempty"`
	Fields    map[string][]string `json:"fields,omitempty"`
	UpdatedAt string              `json:"updated_at,omitempty"`
}

// FieldAction is one field mutation inside a change event.
type FieldAction struct {
	Field    string `json:"field"`
	OldValue string `json:"old_value"`
	NewValue string `json:"new_value"`
}

// ChangeEvent is a record-scoped mutation from the NetHunt change stream.
// Time is kept raw; consumers decide how to treat values that do not parse.
type ChangeEvent struct {
	RecordID string        `json:"record_id"`
	Time     string        `json:"time"`
	Actor    string        `json:"actor,omitempty"`
	Actions  []FieldAction `json:"field_actions"`
}
