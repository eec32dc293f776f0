package evaluator

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vigil/internal/models"
)

func TestParse(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		wantErr bool
	}{
		{"object", `{"device_id":"d1"}`, false},
		{"empty object", `{}`, false},
		{"truncated", `{"device_id":`, true},
		{"not json", `hello`, true},
		{"array", `[1,2,3]`, true},
		{"string", `"event"`, true},
		{"null", `null`, true},
		{"empty", ``, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.raw))
			if tt.wantErr {
				require.Error(t, err)
				var pe *ParseError
				assert.ErrorAs(t, err, &pe)
				assert.True(t, IsPoison(err))
				assert.False(t, IsTransient(err))
				return
			}
			require.NoError(t, err)
		})
	}
}

func TestValidate_Valid(t *testing.T) {
	raw := `{"device_id":"sensor-1","type":"temperature","value":42.50,"ts":1700000000000,
		"request_id":"req-1","event_id":"DEVICE#sensor-1:TS#1700000000000","extra":true}`

	event, err := ParseAndValidate([]byte(raw))
	require.NoError(t, err)

	assert.Equal(t, "sensor-1", event.DeviceID)
	assert.Equal(t, "temperature", event.Type)
	assert.Equal(t, json.Number("42.50"), event.Value)
	assert.Equal(t, 42.5, event.Float())
	assert.Equal(t, int64(1700000000000), event.TS)
	assert.Equal(t, "req-1", event.RequestID)
	assert.Equal(t, "DEVICE#sensor-1:TS#1700000000000", event.EventID)
}

func TestValidate_RequestIDOptional(t *testing.T) {
	event, err := ParseAndValidate([]byte(`{"device_id":"d","type":"t","value":1,"ts":1,"event_id":"e"}`))
	require.NoError(t, err)
	assert.Empty(t, event.RequestID)

	event, err = ParseAndValidate([]byte(`{"device_id":"d","type":"t","value":1,"ts":1,"event_id":"e","request_id":null}`))
	require.NoError(t, err)
	assert.Empty(t, event.RequestID)
}

func TestValidate_LengthCountsCharacters(t *testing.T) {
	// 128 two-byte characters: 256 bytes but within the limit
	device := strings.Repeat("é", models.MaxDeviceIDLength)
	metric := strings.Repeat("°", models.MaxMetricLength)
	raw := `{"device_id":"` + device + `","type":"` + metric + `","value":1,"ts":1,"event_id":"e"}`

	event, err := ParseAndValidate([]byte(raw))
	require.NoError(t, err)
	assert.Equal(t, device, event.DeviceID)

	raw = `{"device_id":"` + device + `é","type":"t","value":1,"ts":1,"event_id":"e"}`
	_, err = ParseAndValidate([]byte(raw))
	var ve *ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, []string{"device_id must be at most 128 characters"}, ve.Violations)
}

func TestValidate_Violations(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want []string
	}{
		{
			name: "missing everything",
			raw:  `{}`,
			want: []string{
				"device_id is required",
				"type is required",
				"value is required",
				"ts is required",
				"event_id is required",
			},
		},
		{
			name: "value as string",
			raw:  `{"device_id":"d","type":"t","value":"42","ts":1,"event_id":"e"}`,
			want: []string{"value must be a number"},
		},
		{
			name: "value null",
			raw:  `{"device_id":"d","type":"t","value":null,"ts":1,"event_id":"e"}`,
			want: []string{"value is required"},
		},
		{
			name: "value overflow",
			raw:  `{"device_id":"d","type":"t","value":1e999,"ts":1,"event_id":"e"}`,
			want: []string{"value must be a finite number"},
		},
		{
			name: "fractional ts",
			raw:  `{"device_id":"d","type":"t","value":1,"ts":1.5,"event_id":"e"}`,
			want: []string{"ts must be an integer epoch milliseconds value"},
		},
		{
			name: "zero ts",
			raw:  `{"device_id":"d","type":"t","value":1,"ts":0,"event_id":"e"}`,
			want: []string{"ts must be a positive epoch milliseconds value"},
		},
		{
			name: "blank device",
			raw:  `{"device_id":"  ","type":"t","value":1,"ts":1,"event_id":"e"}`,
			want: []string{"device_id must not be blank"},
		},
		{
			name: "device with separator",
			raw:  `{"device_id":"a#b","type":"t","value":1,"ts":1,"event_id":"e"}`,
			want: []string{"device_id must not contain '#'"},
		},
		{
			name: "device too long",
			raw:  `{"device_id":"` + strings.Repeat("x", 129) + `","type":"t","value":1,"ts":1,"event_id":"e"}`,
			want: []string{"device_id must be at most 128 characters"},
		},
		{
			name: "metric too long",
			raw:  `{"device_id":"d","type":"` + strings.Repeat("m", 65) + `","value":1,"ts":1,"event_id":"e"}`,
			want: []string{"type must be at most 64 characters"},
		},
		{
			name: "wrong types",
			raw:  `{"device_id":7,"type":["t"],"value":1,"ts":"1","event_id":"e","request_id":3}`,
			want: []string{
				"device_id must be a string",
				"type must be a string",
				"ts must be a number",
				"request_id must be a string",
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseAndValidate([]byte(tt.raw))
			require.Error(t, err)

			var ve *ValidationError
			require.ErrorAs(t, err, &ve)
			assert.Equal(t, tt.want, ve.Violations)
			assert.True(t, IsPoison(err))
		})
	}
}

func TestValidationError_Message(t *testing.T) {
	err := &ValidationError{Violations: []string{"a is required", "b must be a string"}}
	assert.Equal(t, "invalid event: a is required; b must be a string", err.Error())
}
