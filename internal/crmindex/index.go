// Package crmindex builds fingerprint lookups over CRM snapshots.
package crmindex

import (
	"go.uber.org/zap"

	"github.com/ecademy/leadfunnel/internal/contact"
	"github.com/ecademy/leadfunnel/internal/model"
)

// Index maps contact fingerprints to CRM records. It is built once per run
// and only read afterwards.
type Index[R any] struct {
	byFingerprint map[string]string
	records       map[string]R
}

// New returns an empty index.
func New[R any]() *Index[R] {
	return &Index[R]{
		byFingerprint: make(map[string]string),
		records:       make(map[string]R),
	}
}

// Add indexes rec under every fingerprint derived from contacts. A
// fingerprint already held by another record is overwritten. Re-adding the
// same id replaces the stored record. Returns the number of fingerprints
// inserted.
func (ix *Index[R]) Add(id string, rec R, contacts []string) int {
	fps := contact.NormalizeAll(contacts)
	if len(fps) == 0 {
		return 0
	}
	ix.records[id] = rec
	for _, fp := range fps {
		ix.byFingerprint[fp] = id
	}
	return len(fps)
}

// Match returns the id of the record holding fingerprint.
func (ix *Index[R]) Match(fingerprint string) (string, bool) {
	id, ok := ix.byFingerprint[fingerprint]
	return id, ok
}

// Record returns the record stored under id.
func (ix *Index[R]) Record(id string) (R, bool) {
	rec, ok := ix.records[id]
	return rec, ok
}

// Lookup resolves a fingerprint straight to its record.
func (ix *Index[R]) Lookup(fingerprint string) (R, bool) {
	id, ok := ix.byFingerprint[fingerprint]
	if !ok {
		var zero R
		return zero, false
	}
	return ix.Record(id)
}

// Len returns the number of distinct fingerprints.
func (ix *Index[R]) Len() int { return len(ix.byFingerprint) }

// Records returns the number of indexed records.
func (ix *Index[R]) Records() int { return len(ix.records) }

// BuildStudents indexes every phone and email of each student record.
func BuildStudents(recs []model.StudentRecord, log *zap.Logger) *Index[model.StudentRecord] {
	ix := New[model.StudentRecord]()
	var skipped int
	for _, r := range recs {
		if ix.Add(r.Key(), r, r.Contacts()) == 0 {
			skipped++
			log.Debug("crmindex: student record has no contacts", zap.Int64("record_id", r.ID))
		}
	}
	log.Debug("crmindex: students indexed",
		zap.Int("records", ix.Records()),
		zap.Int("fingerprints", ix.Len()),
		zap.Int("skipped", skipped),
	)
	return ix
}

// BuildTeachers indexes every field of each teacher record whose name looks
// like a phone or email field.
func BuildTeachers(recs []model.TeacherRecord, ex *contact.Extractor, log *zap.Logger) *Index[model.TeacherRecord] {
	ix := New[model.TeacherRecord]()
	var skipped int
	for _, r := range recs {
		if r.ID == "" {
			skipped++
			log.Debug("crmindex: teacher record without id")
			continue
		}
		if ix.Add(r.ID, r, ex.FieldContacts(r.Fields)) == 0 {
			skipped++
			log.Debug("crmindex: teacher record has no contacts", zap.String("record_id", r.ID))
		}
	}
	log.Debug("crmindex: teachers indexed",
		zap.Int("records", ix.Records()),
		zap.Int("fingerprints", ix.Len()),
		zap.Int("skipped", skipped),
	)
	return ix
}
