package daemon

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/changelab/changelab/internal/models"
	"gopkg.in/yaml.v3"
)

// defaultConvergenceWait is applied when a use case does not set its own
// settle time between deployment and verification.
const defaultConvergenceWait = 45

type useCaseSpec struct {
	Name                   string            `yaml:"name"`
	Description            string            `yaml:"description"`
	IntentPrompt           string            `yaml:"intent_prompt"`
	ConfigPrompt           string            `yaml:"config_prompt"`
	AnalysisPrompt         string            `yaml:"analysis_prompt"`
	Actions                []string          `yaml:"actions"`
	LabID                  string            `yaml:"lab_id"`
	LogIndex               string            `yaml:"log_index"`
	ConvergenceWaitSeconds int               `yaml:"convergence_wait_seconds"`
	NotificationTemplates  map[string]string `yaml:"notification_templates"`
}

// LoadUseCases reads use-case YAML files from dir. The use case name
// defaults to the file name without extension; duplicate names are
// rejected.
func LoadUseCases(dir string) (map[string]models.UseCase, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read usecase dir %s: %w", dir, err)
	}
	useCases := make(map[string]models.UseCase)
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if !isYAML(name) {
			continue
		}
		path := filepath.Join(dir, name)
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read usecase %s: %w", path, err)
		}
		var spec useCaseSpec
		if err := yaml.Unmarshal(data, &spec); err != nil {
			return nil, fmt.Errorf("parse usecase %s: %w", path, err)
		}
		if spec.Name == "" {
			spec.Name = strings.TrimSuffix(name, filepath.Ext(name))
		}
		if spec.ConvergenceWaitSeconds <= 0 {
			spec.ConvergenceWaitSeconds = defaultConvergenceWait
		}
		if _, exists := useCases[spec.Name]; exists {
			return nil, fmt.Errorf("duplicate usecase name %q", spec.Name)
		}
		modTime := time.Now().UTC()
		if info, err := os.Stat(path); err == nil {
			modTime = info.ModTime().UTC()
		}
		useCases[spec.Name] = models.UseCase{
			Name:                   spec.Name,
			Description:            spec.Description,
			IntentPrompt:           spec.IntentPrompt,
			ConfigPrompt:           spec.ConfigPrompt,
			AnalysisPrompt:         spec.AnalysisPrompt,
			Actions:                spec.Actions,
			LabID:                  spec.LabID,
			LogIndex:               spec.LogIndex,
			ConvergenceWaitSeconds: spec.ConvergenceWaitSeconds,
			NotificationTemplates:  spec.NotificationTemplates,
			UpdatedAt:              modTime,
			RawYAML:                string(data),
		}
	}
	return useCases, nil
}

func isYAML(name string) bool {
	lower := strings.ToLower(name)
	return strings.HasSuffix(lower, ".yaml") || strings.HasSuffix(lower, ".yml")
}
