package model

import "time"

type Governorate struct {
	ID          int64  `json:"id,omitempty"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

// Region is a health administration inside a governorate. Employees and
// responses are attached to regions.
type Region struct {
	ID              int64  `json:"id,omitempty"`
	Name            string `json:"name"`
	Description     string `json:"description"`
	GovernorateID   int64  `json:"governorate_id"`
	GovernorateName string `json:"governorate_name,omitempty"`
}

type User struct {
	ID           int64      `json:"id,omitempty"`
	Username     string     `json:"username"`
	PasswordHash string     `json:"-"`
	Role         Role       `json:"role"`
	CreatedAt    time.Time  `json:"created_at"`
	LastLogin    *time.Time `json:"last_login,omitempty"`

	// RegionID is set for employees only.
	RegionID int64 `json:"region_id,omitempty"`
	// GovernorateID is the admin binding for governorate admins and the
	// governorate of the assigned region for employees.
	GovernorateID int64 `json:"governorate_id,omitempty"`
	// AllowedSurveys is the allow-list of an employee.
	AllowedSurveys []int64 `json:"allowed_surveys,omitempty"`
}

// Actor returns the session identity of the user.
func (u User) Actor() Actor {
	return Actor{
		UserID:        u.ID,
		Role:          u.Role,
		RegionID:      u.RegionID,
		GovernorateID: u.GovernorateID,
	}
}

type Survey struct {
	ID           int64         `json:"id,omitempty"`
	Name         string        `json:"name"`
	CreatedBy    int64         `json:"created_by,omitempty"`
	CreatedAt    time.Time     `json:"created_at"`
	IsActive     bool          `json:"is_active"`
	Governorates []int64       `json:"governorates"`
	Fields       []SurveyField `json:"fields,omitempty"`
}

type SurveyField struct {
	ID       int64
	SurveyID int64
	Label    string
	Type     FieldType
	Required bool
	Position int
}

// FieldInput is a field definition as submitted by an editor. A zero ID
// means a new field.
type FieldInput struct {
	ID       int64    `json:"id,omitempty"`
	Label    string   `json:"label"`
	Type     string   `json:"type"`
	Options  []string `json:"options,omitempty"`
	Required bool     `json:"required"`
}

// Input converts the stored field back into an editable definition.
func (f SurveyField) Input() FieldInput {
	return FieldInput{
		ID:       f.ID,
		Label:    f.Label,
		Type:     string(f.Type.Kind()),
		Options:  f.Type.Options(),
		Required: f.Required,
	}
}

type Location struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

type Response struct {
	ID              int64            `json:"id"`
	SurveyID        int64            `json:"survey_id"`
	UserID          int64            `json:"user_id"`
	Username        string           `json:"username,omitempty"`
	RegionID        int64            `json:"region_id"`
	RegionName      string           `json:"region_name,omitempty"`
	GovernorateID   int64            `json:"governorate_id,omitempty"`
	GovernorateName string           `json:"governorate_name,omitempty"`
	SubmittedAt     time.Time        `json:"submitted_at"`
	SubmittedOn     string           `json:"submitted_on"`
	Completed       bool             `json:"completed"`
	Location        *Location        `json:"location,omitempty"`
	Details         []ResponseDetail `json:"details,omitempty"`
}

type ResponseDetail struct {
	ID         int64  `json:"id"`
	ResponseID int64  `json:"response_id"`
	FieldID    int64  `json:"field_id"`
	Label      string `json:"label"`
	Value      string `json:"value"`
}

// Answer returns the stored value for a field, if any.
func (r Response) Answer(fieldID int64) (string, bool) {
	for _, d := range r.Details {
		if d.FieldID == fieldID {
			return d.Value, true
		}
	}
	return "", false
}
