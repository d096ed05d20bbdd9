// Package batch loads entity batch files and watches a drop directory for
// new ones. A batch file is a JSON array of entities, or an object with an
// "entities" array, produced upstream by the extraction pipeline.
package batch

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/c360studio/semgate/reconcile"
)

// envelope is the object form of a batch file.
type envelope struct {
	Entities []reconcile.Entity `json:"entities"`
}

// LoadFile reads a batch file and returns its validated entities.
func LoadFile(path string) ([]reconcile.Entity, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read batch file: %w", err)
	}
	return Parse(data)
}

// Parse decodes batch file content. Both the bare-array and the enveloped
// form are accepted.
func Parse(data []byte) ([]reconcile.Entity, error) {
	var entities []reconcile.Entity
	if err := json.Unmarshal(data, &entities); err != nil {
		var env envelope
		if err := json.Unmarshal(data, &env); err != nil {
			return nil, fmt.Errorf("parse batch file: %w", err)
		}
		entities = env.Entities
	}

	if len(entities) == 0 {
		return nil, fmt.Errorf("batch file contains no entities")
	}
	for i, entity := range entities {
		if err := entity.Validate(); err != nil {
			return nil, fmt.Errorf("entity %d: %w", i, err)
		}
	}
	return entities, nil
}
