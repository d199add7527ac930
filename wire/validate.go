package wire

import "errors"

// Validator accumulates zero or more validation errors encountered
// while checking a single frame, so a caller can report every defect
// found instead of bailing out on the first. Ported from the teacher's
// lneto.Validator; the accumulate-then-join pattern matches spec
// section 4.3's "validation (in order)" wording, which enumerates
// several independent checks against one datagram.
type Validator struct {
	errs []error
}

// AddError appends an error to the validator's accumulated list.
func (v *Validator) AddError(err error) {
	if err != nil {
		v.errs = append(v.errs, err)
	}
}

// HasError reports whether any error has been accumulated.
func (v *Validator) HasError() bool { return len(v.errs) > 0 }

// Err joins every accumulated error into one, or returns nil if none
// were recorded.
func (v *Validator) Err() error {
	if len(v.errs) == 0 {
		return nil
	}
	return errors.Join(v.errs...)
}

// ErrPop returns and clears the first accumulated error, or nil.
func (v *Validator) ErrPop() error {
	if len(v.errs) == 0 {
		return nil
	}
	err := v.errs[0]
	v.errs = v.errs[1:]
	return err
}

// Reset clears the validator for reuse.
func (v *Validator) Reset() { v.errs = v.errs[:0] }
