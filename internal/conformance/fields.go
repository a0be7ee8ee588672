package conformance

import "github.com/sells-group/siteqa/internal/model"

// Fields is a partial update of a conformance record. Nil fields are not
// supplied and leave the stored value untouched.
type Fields struct {
	ResultPassFail   *model.Result `json:"result_pass_fail,omitempty"`
	ResultNumeric    *float64      `json:"result_numeric,omitempty"`
	ResultText       *string       `json:"result_text,omitempty"`
	Comments         *string       `json:"comments,omitempty"`
	CorrectiveAction *string       `json:"corrective_action,omitempty"`
	InspectedBy      *string       `json:"inspected_by,omitempty"`

	// IsNonConformance is accepted on the wire and ignored; the flag is
	// always derived from the verdict.
	IsNonConformance *bool `json:"is_non_conformance,omitempty"`

	// ExpectedVersion, when non-zero, makes the save conditional on the
	// stored record still being at this version.
	ExpectedVersion int `json:"expected_version,omitempty"`
}

// Verdict returns a Fields that only sets the pass/fail discriminator.
func Verdict(r model.Result) Fields {
	return Fields{ResultPassFail: &r}
}

// IsEmpty reports whether no record field is supplied.
func (f Fields) IsEmpty() bool {
	return f.ResultPassFail == nil && f.ResultNumeric == nil && f.ResultText == nil &&
		f.Comments == nil && f.CorrectiveAction == nil && f.InspectedBy == nil
}

// apply merges the supplied fields over rec.
func (f Fields) apply(rec *model.ConformanceRecord) {
	if f.ResultPassFail != nil {
		rec.ResultPassFail = *f.ResultPassFail
	}
	if f.ResultNumeric != nil {
		v := *f.ResultNumeric
		rec.ResultNumeric = &v
	}
	if f.ResultText != nil {
		v := *f.ResultText
		rec.ResultText = &v
	}
	if f.Comments != nil {
		rec.Comments = *f.Comments
	}
	if f.CorrectiveAction != nil {
		v := *f.CorrectiveAction
		rec.CorrectiveAction = &v
	}
	if f.InspectedBy != nil {
		rec.InspectedBy = *f.InspectedBy
	}
	rec.DeriveNonConformance()
}
