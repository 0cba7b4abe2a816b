package registry

import (
	"encoding/json"
	"fmt"
	"os"
)

// envelope is the on-disk wrapper format shared by all four registries, per
// spec.md §6: { "schema_version": N, "data": T }. It has no teacher
// precedent in the example pack (the teacher's storage.go writes bare
// structs); it is written from scratch against spec.md's explicit wire
// format, using the teacher's MarshalIndent/WriteFile persistence style
// (internal/storage/storage.go) as the surrounding idiom.
type envelope[T any] struct {
	SchemaVersion int `json:"schema_version"`
	Data          T   `json:"data"`
}

const currentSchemaVersion = 1

// loadEnvelope reads path and decodes into v. It accepts two on-disk
// shapes: the current envelope, and a "bare legacy" form where the file
// contains just the data value with no wrapper. A bare legacy file is
// migrated in place: the original is copied to path+".bak" and the file is
// rewritten in envelope form. Decoding starts from the value v holds on
// entry, so fields absent from the file keep that value.
//
// A missing file is not an error; v is left unchanged.
func loadEnvelope[T any](path string, v *T) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("reading %s: %w", path, err)
	}

	env := envelope[T]{Data: *v}
	if err := json.Unmarshal(raw, &env); err == nil && env.SchemaVersion != 0 {
		*v = env.Data
		return nil
	}

	// Fall back to bare legacy form.
	bare := *v
	if err := json.Unmarshal(raw, &bare); err != nil {
		return fmt.Errorf("parsing %s: neither envelope nor legacy form: %w", path, err)
	}
	*v = bare

	if err := os.WriteFile(path+".bak", raw, 0o600); err != nil {
		return fmt.Errorf("backing up legacy file %s: %w", path, err)
	}
	return saveEnvelope(path, bare)
}

// saveEnvelope writes v to path wrapped in the current envelope.
func saveEnvelope[T any](path string, v T) error {
	env := envelope[T]{SchemaVersion: currentSchemaVersion, Data: v}
	data, err := json.MarshalIndent(env, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling %s: %w", path, err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}
	return nil
}
