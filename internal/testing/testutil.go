// ABOUTME: Package testing provides shared test utilities and helper functions for changelab.
//
// This package contains test helpers, factory functions for creating test data,
// and assertion utilities that promote consistent testing patterns across
// the changelab codebase.
//
// Key utilities:
//   - Model factories: NewTestJob, NewTestUseCase
//   - Test helpers: TempFile, MkdirTempInDir, AssertJSONEqual
//   - Test constants: FixedTime, TestUseCaseName, TestInputText
//
// The package is designed to work with github.com/stretchr/testify for
// assertions and follows Go testing best practices.
package testing

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/changelab/changelab/internal/models"
)

// FixedTime is a fixed timestamp for deterministic tests.
//
// Using a fixed time ensures tests produce consistent results regardless of
// when they run. Use this as the default time for test model creation.
var FixedTime = time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

// Common test constants used across the test suite.
//
// These constants provide consistent default values for test data,
// making tests more readable and reducing duplication.
const (
	TestUseCaseName = "ospf_migration"
	TestInputText   = "move all routers to ospf area 1"
	TestDeviceA     = "r1"
	TestDeviceB     = "r2"
)

// AssertJSONEqual asserts that two JSON values are semantically equal.
//
// This helper marshals both values to JSON and then compares the resulting
// JSON objects semantically, ignoring differences in whitespace and key order.
//
// Useful for comparing API responses or stage data payloads.
func AssertJSONEqual(t *testing.T, want, got any, msgAndArgs ...interface{}) {
	t.Helper()
	wantBytes, err := json.Marshal(want)
	require.NoError(t, err, "failed to marshal 'want' to JSON")
	gotBytes, err := json.Marshal(got)
	require.NoError(t, err, "failed to marshal 'got' to JSON")

	var wantAny, gotAny any
	require.NoError(t, json.Unmarshal(wantBytes, &wantAny), "failed to unmarshal 'want'")
	require.NoError(t, json.Unmarshal(gotBytes, &gotAny), "failed to unmarshal 'got'")

	assert.Equal(t, wantAny, gotAny, msgAndArgs...)
}

// TempFile creates a temporary file with the given content and returns its path.
//
// The file is created in the test's temporary directory and automatically
// cleaned up when the test completes. Uses t.Helper() for correct line numbers.
//
// Returns the absolute path to the created file.
func TempFile(t *testing.T, content string) string {
	t.Helper()
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "testfile")
	err := os.WriteFile(path, []byte(content), 0o644)
	require.NoError(t, err, "failed to write temp file")
	return path
}

// MkdirTempInDir creates a temporary directory under the given parent directory.
//
// Unlike t.TempDir(), which doesn't allow specifying the parent, this function
// creates a temporary directory as a subdirectory of parentDir. The directory
// is automatically cleaned up when the test completes.
//
// Returns the path to the created directory.
func MkdirTempInDir(t *testing.T, parentDir string) string {
	t.Helper()
	path, err := os.MkdirTemp(parentDir, "testdir*")
	require.NoError(t, err, "failed to create temp dir")
	t.Cleanup(func() {
		_ = os.RemoveAll(path)
	})
	return path
}

// ParseTime parses an RFC3339 timestamp.
//
// This is a convenience wrapper around time.Parse that uses t.Helper()
// for correct line numbers in test failures.
//
// Returns the parsed time or fails the test if parsing fails.
func ParseTime(t *testing.T, s string) time.Time {
	t.Helper()
	ts, err := time.Parse(time.RFC3339, s)
	require.NoError(t, err, "failed to parse time %q", s)
	return ts
}

// ============================================================================
// Model Factory Functions
// ============================================================================

// JobOpts holds optional parameters for creating test jobs.
//
// Used with NewTestJob to create test job data with specific values.
// Empty fields use sensible defaults defined in NewTestJob.
type JobOpts struct {
	ID           string
	UseCase      string
	InputText    string
	CurrentStage models.Stage
	Status       models.JobStatus
	Stages       map[models.Stage]*models.StageRecord
	StepMode     bool
	RetryCount   int
	MaxRetries   int
	RolledBack   bool
	ResultJSON   string
	ErrorMessage string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// NewTestJob creates a test job with default values, applying optional overrides.
//
// This factory function creates valid Job structs for testing, filling in
// required fields with sensible defaults. Any field in opts can be set to
// override the default.
//
// Example:
//
//	job := NewTestJob(testing.JobOpts{
//	    Status:       models.JobPaused,
//	    CurrentStage: models.StageHumanDecision,
//	})
func NewTestJob(opts JobOpts) models.Job {
	if opts.ID == "" {
		opts.ID = "job-test-1"
	}
	if opts.UseCase == "" {
		opts.UseCase = TestUseCaseName
	}
	if opts.InputText == "" {
		opts.InputText = TestInputText
	}
	if opts.CurrentStage == "" {
		opts.CurrentStage = models.StageVoiceInput
	}
	if opts.Status == "" {
		opts.Status = models.JobQueued
	}
	if opts.Stages == nil {
		opts.Stages = models.NewStageMap()
	}
	if opts.MaxRetries == 0 {
		opts.MaxRetries = models.DefaultMaxRetries
	}
	if opts.CreatedAt.IsZero() {
		opts.CreatedAt = FixedTime
	}
	if opts.UpdatedAt.IsZero() {
		opts.UpdatedAt = FixedTime
	}

	return models.Job{
		ID:           opts.ID,
		UseCase:      opts.UseCase,
		InputText:    opts.InputText,
		CurrentStage: opts.CurrentStage,
		Status:       opts.Status,
		Stages:       opts.Stages,
		StepMode:     opts.StepMode,
		RetryCount:   opts.RetryCount,
		MaxRetries:   opts.MaxRetries,
		RolledBack:   opts.RolledBack,
		ResultJSON:   opts.ResultJSON,
		ErrorMessage: opts.ErrorMessage,
		CreatedAt:    opts.CreatedAt,
		UpdatedAt:    opts.UpdatedAt,
	}
}

// UseCaseOpts holds optional parameters for creating test use cases.
type UseCaseOpts struct {
	Name                   string
	Description            string
	Actions                []string
	LabID                  string
	LogIndex               string
	ConvergenceWaitSeconds int
	NotificationTemplates  map[string]string
	UpdatedAt              time.Time
}

// NewTestUseCase creates a test use case with default values, applying optional overrides.
func NewTestUseCase(opts UseCaseOpts) models.UseCase {
	if opts.Name == "" {
		opts.Name = TestUseCaseName
	}
	if opts.Description == "" {
		opts.Description = "Migrate lab routers between OSPF areas"
	}
	if len(opts.Actions) == 0 {
		opts.Actions = []string{"change_ospf_area"}
	}
	if opts.LabID == "" {
		opts.LabID = "lab-1"
	}
	if opts.UpdatedAt.IsZero() {
		opts.UpdatedAt = FixedTime
	}

	return models.UseCase{
		Name:                   opts.Name,
		Description:            opts.Description,
		Actions:                opts.Actions,
		LabID:                  opts.LabID,
		LogIndex:               opts.LogIndex,
		ConvergenceWaitSeconds: opts.ConvergenceWaitSeconds,
		NotificationTemplates:  opts.NotificationTemplates,
		UpdatedAt:              opts.UpdatedAt,
	}
}
