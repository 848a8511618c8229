package vault

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleItem = `{
	"id": "item-1",
	"name": "Example API",
	"notes": "rotate quarterly",
	"login": {
		"username": "svc-account",
		"password": "s3cret",
		"totp": "JBSWY3DP"
	},
	"fields": [
		{"name": "api_url", "value": "https://api.example.com"},
		{"name": "API_URL", "value": "https://api2.example.com"},
		{"name": "empty", "value": ""}
	]
}`

func TestParseItem(t *testing.T) {
	item := ParseItem([]byte(sampleItem))
	assert.Equal(t, "item-1", item.ID)
	assert.Equal(t, "Example API", item.Name)
	assert.Equal(t, "s3cret", item.Password)
	assert.Equal(t, "svc-account", item.Username)
	assert.Equal(t, "JBSWY3DP", item.TOTP)
	assert.Equal(t, "rotate quarterly", item.Notes)
	require.Len(t, item.Fields, 3)
}

func TestItemField(t *testing.T) {
	item := ParseItem([]byte(sampleItem))

	tests := []struct {
		name    string
		field   string
		want    string
		present bool
	}{
		{"structured password", "password", "s3cret", true},
		{"structured username", "username", "svc-account", true},
		{"structured totp", "totp", "JBSWY3DP", true},
		{"structured notes", "notes", "rotate quarterly", true},
		{"custom field", "api_url", "https://api.example.com", true},
		{"custom field case sensitive", "API_URL", "https://api2.example.com", true},
		{"custom field present but empty", "empty", "", true},
		{"missing field", "nope", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := item.Field(tt.field)
			assert.Equal(t, tt.present, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestItemFieldMissingStructured(t *testing.T) {
	item := ParseItem([]byte(`{"id": "item-2", "name": "No login"}`))
	_, ok := item.Field("password")
	assert.False(t, ok)
}
