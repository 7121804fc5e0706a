package expense

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDraftSchema(t *testing.T) {
	data, err := DraftSchema()
	require.NoError(t, err)

	var schema struct {
		Type       string                    `json:"type"`
		Required   []string                  `json:"required"`
		Properties map[string]map[string]any `json:"properties"`
	}
	require.NoError(t, json.Unmarshal(data, &schema))
	require.Equal(t, "object", schema.Type)
	require.Subset(t, schema.Required, []string{"merchant", "amount", "currency", "date", "category", "items"})
	require.NotContains(t, schema.Required, "tax")
	require.Equal(t, "number", schema.Properties["amount"]["type"])
	require.Equal(t, "array", schema.Properties["items"]["type"])
}
