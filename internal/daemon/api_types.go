package daemon

import "encoding/json"

type V1ErrorResponse struct {
	Error string `json:"error"`
}

type V1JobCreateRequest struct {
	UseCase    string `json:"use_case"`
	InputText  string `json:"input_text"`
	StepMode   bool   `json:"step_mode,omitempty"`
	MaxRetries *int   `json:"max_retries,omitempty"`
}

type V1DecisionRequest struct {
	Comment string `json:"comment,omitempty"`
}

type V1StageRecord struct {
	Status      string          `json:"status"`
	StartedAt   string          `json:"started_at,omitempty"`
	CompletedAt string          `json:"completed_at,omitempty"`
	Data        json.RawMessage `json:"data,omitempty"`
	Error       string          `json:"error,omitempty"`
}

type V1JobResponse struct {
	ID           string                   `json:"id"`
	UseCase      string                   `json:"use_case"`
	InputText    string                   `json:"input_text"`
	CurrentStage string                   `json:"current_stage"`
	Status       string                   `json:"status"`
	StepMode     bool                     `json:"step_mode,omitempty"`
	RetryCount   int                      `json:"retry_count"`
	MaxRetries   int                      `json:"max_retries"`
	RolledBack   bool                     `json:"rolled_back,omitempty"`
	Result       json.RawMessage          `json:"result,omitempty"`
	Error        string                   `json:"error,omitempty"`
	CreatedAt    string                   `json:"created_at"`
	UpdatedAt    string                   `json:"updated_at,omitempty"`
	StartedAt    string                   `json:"started_at,omitempty"`
	CompletedAt  string                   `json:"completed_at,omitempty"`
	Stages       map[string]V1StageRecord `json:"stages,omitempty"`
	Events       []V1Event                `json:"events,omitempty"`
}

type V1JobsResponse struct {
	Jobs []V1JobResponse `json:"jobs"`
}

type V1RollbackResponse struct {
	JobID      string                 `json:"job_id"`
	Successful bool                   `json:"successful"`
	Results    []DeviceRollbackResult `json:"results"`
	ExecutedAt string                 `json:"executed_at"`
}

type V1UseCase struct {
	Name                   string   `json:"name"`
	Description            string   `json:"description,omitempty"`
	Actions                []string `json:"actions,omitempty"`
	LabID                  string   `json:"lab_id,omitempty"`
	LogIndex               string   `json:"log_index,omitempty"`
	ConvergenceWaitSeconds int      `json:"convergence_wait_seconds"`
	UpdatedAt              string   `json:"updated_at,omitempty"`
}

type V1UseCasesResponse struct {
	UseCases []V1UseCase `json:"use_cases"`
}

type V1Device struct {
	ID             string `json:"id,omitempty"`
	Label          string `json:"label"`
	NodeDefinition string `json:"node_definition,omitempty"`
	State          string `json:"state"`
	Active         bool   `json:"active"`
}

type V1DevicesResponse struct {
	Devices []V1Device `json:"devices"`
}

type V1StatusMetrics struct {
	Enabled bool `json:"enabled"`
}

type V1StatusResponse struct {
	Version        string          `json:"version"`
	Jobs           map[string]int  `json:"jobs"`
	UseCases       int             `json:"use_cases"`
	Metrics        V1StatusMetrics `json:"metrics"`
	RecentFailures []V1Event       `json:"recent_failures"`
}

type V1Event struct {
	ID        int64           `json:"id"`
	Timestamp string          `json:"ts"`
	Kind      string          `json:"kind"`
	JobID     string          `json:"job_id,omitempty"`
	Stage     string          `json:"stage,omitempty"`
	Message   string          `json:"msg,omitempty"`
	Payload   json.RawMessage `json:"json,omitempty"`
}

type V1EventsResponse struct {
	Events []V1Event `json:"events"`
	LastID int64     `json:"last_id,omitempty"`
}
