package model

import (
	"encoding/json"
	"fmt"
	"time"
)

// Data provider result discriminants.
const (
	DataProviderStatusSuccess = "success"
	DataProviderStatusFailure = "failure"
)

// DataProviderResult is the recorded outcome of one external-data fetch. It
// is a discriminated union on Status: Data is only set on success, Reason and
// HideSubmitError only on failure. Values are never mutated after they are
// recorded; a retry produces a new result.
type DataProviderResult struct {
	Status          string
	Date            time.Time
	Data            any
	Reason          string
	HideSubmitError bool
}

// SuccessResult returns a success result recorded at date.
func SuccessResult(date time.Time, data any) DataProviderResult {
	return DataProviderResult{Status: DataProviderStatusSuccess, Date: date.UTC(), Data: data}
}

// FailureResult returns a failure result recorded at date.
func FailureResult(date time.Time, reason string) DataProviderResult {
	return DataProviderResult{Status: DataProviderStatusFailure, Date: date.UTC(), Reason: reason}
}

// Succeeded reports whether the result is a success.
func (r DataProviderResult) Succeeded() bool {
	return r.Status == DataProviderStatusSuccess
}

// Validate checks the union invariant.
func (r DataProviderResult) Validate() error {
	switch r.Status {
	case DataProviderStatusSuccess:
		if r.Reason != "" || r.HideSubmitError {
			return fmt.Errorf("success result must not carry a failure reason")
		}
	case DataProviderStatusFailure:
		if r.Data != nil {
			return fmt.Errorf("failure result must not carry data")
		}
	default:
		return fmt.Errorf("unknown data provider status %q", r.Status)
	}
	return nil
}

type successWire struct {
	Status string    `json:"status"`
	Date   time.Time `json:"date"`
	Data   any       `json:"data"`
}

type failureWire struct {
	Status          string    `json:"status"`
	Date            time.Time `json:"date"`
	Reason          string    `json:"reason"`
	HideSubmitError bool      `json:"hideSubmitError,omitempty"`
}

// MarshalJSON encodes only the fields that belong to the result's variant.
func (r DataProviderResult) MarshalJSON() ([]byte, error) {
	if err := r.Validate(); err != nil {
		return nil, err
	}
	if r.Succeeded() {
		return json.Marshal(successWire{Status: r.Status, Date: r.Date, Data: r.Data})
	}
	return json.Marshal(failureWire{
		Status:          r.Status,
		Date:            r.Date,
		Reason:          r.Reason,
		HideSubmitError: r.HideSubmitError,
	})
}

// UnmarshalJSON decodes a result and rejects fields that do not belong to
// the declared variant.
func (r *DataProviderResult) UnmarshalJSON(data []byte) error {
	var raw struct {
		Status          string          `json:"status"`
		Date            time.Time       `json:"date"`
		Data            json.RawMessage `json:"data"`
		Reason          *string         `json:"reason"`
		HideSubmitError bool            `json:"hideSubmitError"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	out := DataProviderResult{Status: raw.Status, Date: raw.Date}
	switch raw.Status {
	case DataProviderStatusSuccess:
		if raw.Reason != nil || raw.HideSubmitError {
			return fmt.Errorf("data provider result: success carries failure fields")
		}
		if len(raw.Data) > 0 && string(raw.Data) != "null" {
			if err := json.Unmarshal(raw.Data, &out.Data); err != nil {
				return fmt.Errorf("data provider result: decode data: %w", err)
			}
		}
	case DataProviderStatusFailure:
		if len(raw.Data) > 0 && string(raw.Data) != "null" {
			return fmt.Errorf("data provider result: failure carries data")
		}
		if raw.Reason != nil {
			out.Reason = *raw.Reason
		}
		out.HideSubmitError = raw.HideSubmitError
	default:
		return fmt.Errorf("data provider result: unknown status %q", raw.Status)
	}

	*r = out
	return nil
}
