package daemon

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log"
	"path/filepath"
	"sync"
	"testing"

	"github.com/changelab/changelab/internal/db"
	"github.com/changelab/changelab/internal/llm"
	"github.com/changelab/changelab/internal/models"
	"github.com/changelab/changelab/internal/netlab"
	testutil "github.com/changelab/changelab/internal/testing"
)

// testRunningConfig is the running config every fake router serves. One
// OSPF network statement in area 0, so an area change to 10 produces a
// known three-command plan.
const testRunningConfig = `!
hostname R1
!
router ospf 1
 network 192.168.100.0 0.0.0.255 area 0
!
end`

// testRandBytes drives deterministic password generation. The byte
// values index the password alphabet at an upper-case letter, a
// lower-case letter, a digit, and a symbol, so the first candidate
// already satisfies the policy.
var testRandBytes = bytes.Repeat([]byte{0, 26, 52, 62}, 16)

// testGeneratedPassword is what GeneratePassword yields from
// testRandBytes at the default length.
const testGeneratedPassword = "Aa0!Aa0!Aa0!Aa0!Aa0!"

func newTestStore(t *testing.T) *db.Store {
	t.Helper()
	store, err := db.Open(filepath.Join(t.TempDir(), "changelab.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() {
		_ = store.Close()
	})
	return store
}

func testLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

func newTestLab() *netlab.Fake {
	lab := netlab.NewFake()
	lab.AddDevice(netlab.Device{ID: "n1", Label: "Router-1", NodeDefinition: "iosv", State: "BOOTED"})
	lab.AddDevice(netlab.Device{ID: "n2", Label: "Router-2", NodeDefinition: "iosv", State: "BOOTED"})
	lab.SetRunningConfig("Router-1", testRunningConfig)
	lab.SetRunningConfig("Router-2", testRunningConfig)
	return lab
}

func testUseCases() map[string]models.UseCase {
	return map[string]models.UseCase{
		"ospf_migration": {
			Name:        "ospf_migration",
			Description: "Migrate lab routers between OSPF areas",
			Actions:     []string{"modify_ospf_area"},
			LabID:       "lab-1",
			LogIndex:    "network_logs",
		},
	}
}

// fakeModel is a controllable llm.Client. Zero values answer with empty
// results; tests seed the fields they exercise. GenerateConfig runs
// concurrently under the device fanout, so the counters take the lock.
type fakeModel struct {
	mu sync.Mutex

	intent      llm.Intent
	intentErr   error
	config      llm.GeneratedConfig
	configErr   error
	advice      llm.Advice
	adviceErr   error
	validation  llm.Validation
	validateErr error

	parseCalls     int
	generateCalls  int
	adviceCalls    int
	validateCalls  int
	lastValidation llm.ValidationRequest
}

func (m *fakeModel) ParseIntent(_ context.Context, _, _ string) (llm.Intent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.parseCalls++
	if m.intentErr != nil {
		return llm.Intent{}, m.intentErr
	}
	return m.intent, nil
}

func (m *fakeModel) GenerateConfig(_ context.Context, _ llm.Intent, _, _ string) (llm.GeneratedConfig, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.generateCalls++
	if m.configErr != nil {
		return llm.GeneratedConfig{}, m.configErr
	}
	return m.config, nil
}

func (m *fakeModel) GenerateAdvice(_ context.Context, _ llm.Intent, _ any) (llm.Advice, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.adviceCalls++
	if m.adviceErr != nil {
		return llm.Advice{}, m.adviceErr
	}
	return m.advice, nil
}

func (m *fakeModel) ValidateDeployment(_ context.Context, req llm.ValidationRequest) (llm.Validation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.validateCalls++
	m.lastValidation = req
	if m.validateErr != nil {
		return llm.Validation{}, m.validateErr
	}
	return m.validation, nil
}

// passingModel answers every call with a verdict that carries an OSPF
// area change through the whole pipeline.
func passingModel() *fakeModel {
	return &fakeModel{
		intent: llm.Intent{
			Action:        "modify_ospf_area",
			TargetDevices: []string{"Router-1", "Router-2"},
			Parameters:    json.RawMessage(`{"new_area": 10}`),
			Confidence:    90,
			Summary:       "move lab routers to ospf area 10",
		},
		advice: llm.Advice{
			RiskLevel:      "LOW",
			Recommendation: "APPROVE",
			RollbackReady:  true,
		},
		validation: llm.Validation{
			Status:       "PASSED",
			OverallScore: 95,
			Summary:      "all adjacencies re-formed",
		},
	}
}

func newTestOrchestrator(store *db.Store, lab netlab.Backend, model llm.Client) *Orchestrator {
	o := NewOrchestrator(store, testUseCases(), lab, model, nil, nil, testLogger())
	o.rand = bytes.NewReader(testRandBytes)
	return o
}

func createJob(t *testing.T, store *db.Store, opts testutil.JobOpts) models.Job {
	t.Helper()
	job := testutil.NewTestJob(opts)
	if err := store.CreateJob(context.Background(), job); err != nil {
		t.Fatalf("create job: %v", err)
	}
	return job
}

// claimJob moves the oldest queued job to running, the way the
// scheduler does before handing it to the orchestrator.
func claimJob(t *testing.T, store *db.Store) models.Job {
	t.Helper()
	job, ok, err := store.ClaimQueuedJob(context.Background())
	if err != nil {
		t.Fatalf("claim job: %v", err)
	}
	if !ok {
		t.Fatal("no queued job to claim")
	}
	return job
}

func mustGetJob(t *testing.T, store *db.Store, id string) models.Job {
	t.Helper()
	job, err := store.GetJob(context.Background(), id)
	if err != nil {
		t.Fatalf("get job %s: %v", id, err)
	}
	return job
}

func jobEvents(t *testing.T, store *db.Store, id string) []db.Event {
	t.Helper()
	events, err := store.ListEventsByJob(context.Background(), id, 0, 200)
	if err != nil {
		t.Fatalf("list events for %s: %v", id, err)
	}
	return events
}

func hasEvent(events []db.Event, kind EventKind, msg string) bool {
	for _, ev := range events {
		if ev.Kind == string(kind) && (msg == "" || ev.Message == msg) {
			return true
		}
	}
	return false
}

func stageStatus(t *testing.T, job models.Job, stage models.Stage) models.StageStatus {
	t.Helper()
	rec := job.StageRecordFor(stage)
	if rec == nil {
		t.Fatalf("job %s has no record for stage %s", job.ID, stage)
	}
	return rec.Status
}

func decodeStageData(t *testing.T, job models.Job, stage models.Stage, out any) {
	t.Helper()
	rec := job.StageRecordFor(stage)
	if rec == nil || len(rec.Data) == 0 {
		t.Fatalf("job %s has no data for stage %s", job.ID, stage)
	}
	if err := json.Unmarshal(rec.Data, out); err != nil {
		t.Fatalf("decode %s data: %v", stage, err)
	}
}
