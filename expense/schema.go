package expense

import (
	"encoding/json"
	"sync"

	"github.com/invopop/jsonschema"
)

var (
	schemaOnce sync.Once
	schemaJSON json.RawMessage
	schemaErr  error
)

// DraftSchema returns the JSON schema of Draft, used to instruct the
// extraction model.
func DraftSchema() (json.RawMessage, error) {
	schemaOnce.Do(func() {
		r := &jsonschema.Reflector{
			DoNotReference: true,
			ExpandedStruct: true,
		}
		s := r.Reflect(&Draft{})
		s.Title = "Receipt"
		s.Description = "Structured data extracted from a receipt image"
		schemaJSON, schemaErr = json.Marshal(s)
	})
	return schemaJSON, schemaErr
}
