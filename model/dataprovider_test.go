package model

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDataProviderResult_JSON_success(t *testing.T) {
	date := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	in := SuccessResult(date, map[string]any{"name": "Jon", "age": float64(40)})

	b, err := json.Marshal(in)
	require.NoError(t, err)
	assert.NotContains(t, string(b), "reason")
	assert.NotContains(t, string(b), "hideSubmitError")

	var out DataProviderResult
	require.NoError(t, json.Unmarshal(b, &out))
	assert.Equal(t, DataProviderStatusSuccess, out.Status)
	assert.True(t, out.Date.Equal(date))
	assert.Equal(t, in.Data, out.Data)
}

func TestDataProviderResult_JSON_failure(t *testing.T) {
	date := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	in := FailureResult(date, "national registry unavailable")
	in.HideSubmitError = true

	b, err := json.Marshal(in)
	require.NoError(t, err)
	assert.NotContains(t, string(b), `"data"`)

	var out DataProviderResult
	require.NoError(t, json.Unmarshal(b, &out))
	assert.Equal(t, DataProviderStatusFailure, out.Status)
	assert.Equal(t, "national registry unavailable", out.Reason)
	assert.True(t, out.HideSubmitError)
	assert.Nil(t, out.Data)
}

func TestDataProviderResult_Unmarshal_rejects_malformed(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{name: "data on failure", body: `{"status":"failure","date":"2026-03-01T12:00:00Z","reason":"x","data":{"a":1}}`},
		{name: "reason on success", body: `{"status":"success","date":"2026-03-01T12:00:00Z","data":1,"reason":"x"}`},
		{name: "hideSubmitError on success", body: `{"status":"success","date":"2026-03-01T12:00:00Z","hideSubmitError":true}`},
		{name: "unknown status", body: `{"status":"pending","date":"2026-03-01T12:00:00Z"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var out DataProviderResult
			assert.Error(t, json.Unmarshal([]byte(tt.body), &out))
		})
	}
}

func TestDataProviderResult_Marshal_rejects_invalid_union(t *testing.T) {
	bad := DataProviderResult{Status: DataProviderStatusFailure, Data: "x"}
	_, err := json.Marshal(bad)
	assert.Error(t, err)
}

func TestApplication_JSON_preserves_external_data(t *testing.T) {
	date := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	app := Application{
		ID:     "app-1",
		TypeID: "residence-permit",
		State:  "draft",
		ExternalData: map[string]DataProviderResult{
			"registry": SuccessResult(date, "ok"),
			"income":   FailureResult(date, "timeout"),
		},
	}
	b, err := json.Marshal(app)
	require.NoError(t, err)

	var out Application
	require.NoError(t, json.Unmarshal(b, &out))
	require.Len(t, out.ExternalData, 2)
	assert.True(t, out.ExternalData["registry"].Succeeded())
	assert.Equal(t, "timeout", out.ExternalData["income"].Reason)
}
