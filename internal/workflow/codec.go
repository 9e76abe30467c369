package workflow

import (
	"encoding/json"
	"fmt"

	"github.com/pitabwire/casework/model"
)

// row holds the JSON-encoded columns of an application.
type row struct {
	answers         []byte
	externalData    []byte
	assignees       []byte
	applicantActors []byte
	history         []byte
}

func encodeRow(app *model.Application) (row, error) {
	var r row
	var err error
	if r.answers, err = marshalOr(app.Answers, "{}"); err != nil {
		return row{}, fmt.Errorf("marshal answers: %w", err)
	}
	if r.externalData, err = marshalOr(app.ExternalData, "{}"); err != nil {
		return row{}, fmt.Errorf("marshal external data: %w", err)
	}
	if r.assignees, err = marshalOr(app.Assignees, "[]"); err != nil {
		return row{}, fmt.Errorf("marshal assignees: %w", err)
	}
	if r.applicantActors, err = marshalOr(app.ApplicantActors, "[]"); err != nil {
		return row{}, fmt.Errorf("marshal applicant actors: %w", err)
	}
	if r.history, err = marshalOr(app.History, "[]"); err != nil {
		return row{}, fmt.Errorf("marshal history: %w", err)
	}
	return r, nil
}

func (r row) decodeInto(app *model.Application) error {
	app.Answers = map[string]any{}
	app.ExternalData = map[string]model.DataProviderResult{}
	if err := unmarshalIfSet(r.answers, &app.Answers); err != nil {
		return fmt.Errorf("unmarshal answers: %w", err)
	}
	if err := unmarshalIfSet(r.externalData, &app.ExternalData); err != nil {
		return fmt.Errorf("unmarshal external data: %w", err)
	}
	if err := unmarshalIfSet(r.assignees, &app.Assignees); err != nil {
		return fmt.Errorf("unmarshal assignees: %w", err)
	}
	if err := unmarshalIfSet(r.applicantActors, &app.ApplicantActors); err != nil {
		return fmt.Errorf("unmarshal applicant actors: %w", err)
	}
	if err := unmarshalIfSet(r.history, &app.History); err != nil {
		return fmt.Errorf("unmarshal history: %w", err)
	}
	return nil
}

func marshalOr[T any](v T, empty string) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	if string(data) == "null" {
		return []byte(empty), nil
	}
	return data, nil
}

func unmarshalIfSet(data []byte, v any) error {
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, v)
}
