package domain

import "errors"

// DataResource bridges fetch output and the content store. Exactly one of
// Text/Binary is set on input; the store fills SavedText or SavedPath and
// the Duplicate flag on save.
type DataResource struct {
	Type DataType
	Name string

	// input
	Text   string
	Binary []byte

	// filled by the content store
	SavedText string
	SavedPath string
	Duplicate bool
}

// ValidateForSave checks the input side of the resource is consistent with
// its data type before a store write.
func (r *DataResource) ValidateForSave() error {
	if r.Name == "" {
		return errors.New("resource name is required")
	}
	if !r.Type.Binary() && r.Text == "" {
		return errors.New("text type requires text")
	}
	if r.Type.Binary() && len(r.Binary) == 0 {
		return errors.New("binary type requires binary")
	}
	if r.Text != "" && len(r.Binary) > 0 {
		return errors.New("text and binary are mutually exclusive")
	}
	return nil
}
