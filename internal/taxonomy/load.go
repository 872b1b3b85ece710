package taxonomy

import (
	"os"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"
)

// Set bundles both taxonomies used by a deployment.
type Set struct {
	Student *Student
	Teacher *Teacher
}

// Default returns the compiled-in taxonomies.
func Default() Set {
	return Set{Student: DefaultStudent(), Teacher: DefaultTeacher()}
}

// fileSpec is the on-disk override format. Omitted sections and keys keep
// their compiled-in values.
type fileSpec struct {
	Student *struct {
		Statuses          map[int]Stage `yaml:"statuses"`
		MainPipeline      []int         `yaml:"main_pipeline"`
		SecondaryPipeline []int         `yaml:"secondary_pipeline"`
		ArchiveMarker     *string       `yaml:"archive_marker"`
	} `yaml:"student"`
	Teacher *struct {
		StatusField string           `yaml:"status_field"`
		Statuses    map[string]Stage `yaml:"statuses"`
	} `yaml:"teacher"`
}

// Load parses a YAML override document and validates the result.
func Load(data []byte) (Set, error) {
	var fs fileSpec
	if err := yaml.Unmarshal(data, &fs); err != nil {
		return Set{}, eris.Wrap(err, "taxonomy: parse yaml")
	}

	ss := DefaultStudentSpec()
	if st := fs.Student; st != nil {
		if len(st.Statuses) > 0 {
			ss.Statuses = st.Statuses
		}
		if len(st.MainPipeline) > 0 {
			ss.MainPipeline = st.MainPipeline
		}
		if st.SecondaryPipeline != nil {
			ss.SecondaryPipeline = st.SecondaryPipeline
		}
		if st.ArchiveMarker != nil {
			ss.ArchiveMarker = *st.ArchiveMarker
		}
	}
	student, err := NewStudent(ss)
	if err != nil {
		return Set{}, err
	}

	ts := DefaultTeacherSpec()
	if tt := fs.Teacher; tt != nil {
		if tt.StatusField != "" {
			ts.StatusField = tt.StatusField
		}
		if len(tt.Statuses) > 0 {
			ts.Statuses = tt.Statuses
		}
	}
	teacher, err := NewTeacher(ts)
	if err != nil {
		return Set{}, err
	}

	return Set{Student: student, Teacher: teacher}, nil
}

// LoadFile reads overrides from path. An empty path yields the defaults.
func LoadFile(path string) (Set, error) {
	if path == "" {
		return Default(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Set{}, eris.Wrapf(err, "taxonomy: read %s", path)
	}
	return Load(data)
}
