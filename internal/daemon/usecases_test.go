package daemon

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeUseCase(t *testing.T, dir, name, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
}

func TestLoadUseCases(t *testing.T) {
	dir := t.TempDir()
	writeUseCase(t, dir, "ospf_migration.yaml", `description: Migrate lab routers between OSPF areas
actions:
  - modify_ospf_area
lab_id: lab-1
log_index: network_logs
convergence_wait_seconds: 60
notification_templates:
  success: "change {{job_id}} verified"
`)
	writeUseCase(t, dir, "credential_rotation.yml", `name: credential_rotation
actions:
  - rotate_credentials
lab_id: lab-1
`)
	writeUseCase(t, dir, "README.md", "operator notes, not a use case")
	if err := os.Mkdir(filepath.Join(dir, "archive"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}

	useCases, err := LoadUseCases(dir)
	if err != nil {
		t.Fatalf("LoadUseCases() error = %v", err)
	}
	if len(useCases) != 2 {
		t.Fatalf("use cases = %d, want 2", len(useCases))
	}

	ospf, ok := useCases["ospf_migration"]
	if !ok {
		t.Fatalf("ospf_migration missing; the name should default from the file name")
	}
	if ospf.Name != "ospf_migration" {
		t.Fatalf("name = %q, want ospf_migration", ospf.Name)
	}
	if ospf.ConvergenceWaitSeconds != 60 {
		t.Fatalf("convergence wait = %d, want 60", ospf.ConvergenceWaitSeconds)
	}
	if ospf.LogIndex != "network_logs" {
		t.Fatalf("log index = %q, want network_logs", ospf.LogIndex)
	}
	if got := ospf.NotificationTemplates["success"]; got != "change {{job_id}} verified" {
		t.Fatalf("success template = %q", got)
	}
	if !strings.Contains(ospf.RawYAML, "modify_ospf_area") {
		t.Fatalf("raw yaml not preserved")
	}
	if ospf.UpdatedAt.IsZero() {
		t.Fatalf("expected updated_at from the file mod time")
	}

	rotation := useCases["credential_rotation"]
	if rotation.ConvergenceWaitSeconds != defaultConvergenceWait {
		t.Fatalf("convergence wait = %d, want the %d default", rotation.ConvergenceWaitSeconds, defaultConvergenceWait)
	}
	if len(rotation.Actions) != 1 || rotation.Actions[0] != "rotate_credentials" {
		t.Fatalf("actions = %v, want [rotate_credentials]", rotation.Actions)
	}
}

func TestLoadUseCasesRejectsDuplicateNames(t *testing.T) {
	dir := t.TempDir()
	writeUseCase(t, dir, "a.yaml", "name: ospf_migration\n")
	writeUseCase(t, dir, "b.yaml", "name: ospf_migration\n")
	_, err := LoadUseCases(dir)
	if err == nil || !strings.Contains(err.Error(), `duplicate usecase name "ospf_migration"`) {
		t.Fatalf("LoadUseCases() error = %v, want duplicate rejection", err)
	}
}

func TestLoadUseCasesBadYAML(t *testing.T) {
	dir := t.TempDir()
	writeUseCase(t, dir, "broken.yaml", "actions: [unterminated\n")
	_, err := LoadUseCases(dir)
	if err == nil || !strings.Contains(err.Error(), "parse usecase") {
		t.Fatalf("LoadUseCases() error = %v, want parse failure", err)
	}
}

func TestLoadUseCasesMissingDir(t *testing.T) {
	if _, err := LoadUseCases(filepath.Join(t.TempDir(), "absent")); err == nil {
		t.Fatalf("expected error for a missing directory")
	}
}
