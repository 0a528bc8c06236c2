// Package catalog implements the three-document task catalog: task
// definitions, task actions, and model paths, joined by resolve() into a
// ResolvedTask. Each resolve re-reads the documents from disk, so editing a
// catalog file takes effect on the next request with no process restart.
package catalog

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Sentinel errors per spec.md §4.1 / §7.
var (
	ErrUnknownTask   = errors.New("catalog: unknown task")
	ErrMissingAction = errors.New("catalog: missing action for model")
)

// TaskDefinition is one entry of task_definitions.yaml.
type TaskDefinition struct {
	Description    string            `yaml:"description"`
	TaskType       string            `yaml:"task_type"`
	TaskDifficulty string            `yaml:"task_difficulty"`
	TimeoutSeconds int               `yaml:"timeout_seconds"`
	Metadata       map[string]string `yaml:"metadata"`
	ModelID        string            `yaml:"model_id"`
}

// TaskAction is one entry of task_actions.yaml, keyed by model id.
type TaskAction struct {
	DockerImage string            `yaml:"docker_image"`
	Command     []string          `yaml:"command"`
	EnvVars     map[string]string `yaml:"env_vars"`
	BuildArgs   map[string]string `yaml:"build_args"`
}

// ModelPath is one entry of model_paths.yaml, keyed by model id. Optional:
// a task's model_id need not have a corresponding entry.
type ModelPath struct {
	Path        string  `yaml:"path"`
	Description string  `yaml:"description"`
	SizeGB      float64 `yaml:"size_gb"`
}

// ResolvedTask is the merge of a TaskDefinition, its TaskAction, an
// optional ModelPath, and the caller's per-request overrides.
type ResolvedTask struct {
	TaskName       string
	TaskType       string
	Difficulty     string
	TimeoutSeconds int
	Metadata       map[string]string
	ModelID        string
	DockerImage    string
	Command        []string
	EnvVars        map[string]string
	ModelHostPath  string // empty if ModelID has no ModelPath entry
	SessionID      string // set when the caller asked to target an existing session
	CreateSession  bool
}

// Overrides carries the per-request fields a caller may use to adjust a
// ResolvedTask's defaults (spec.md §4.1).
type Overrides struct {
	Difficulty     string
	TimeoutSeconds int
	Metadata       map[string]string
	SessionID      string
	CreateSession  bool
}

// Catalog resolves task requests against three YAML documents living under
// a base directory. It holds no cached state; Resolve re-reads from disk.
type Catalog struct {
	baseDir            string
	defaultTaskTimeout int
	maxTaskTimeout     int
}

// New builds a Catalog rooted at baseDir. A task definition whose
// timeout_seconds is unset or 0 resolves to defaultTaskTimeout; every
// resolved timeout is then clamped to [1, maxTaskTimeout].
func New(baseDir string, defaultTaskTimeout, maxTaskTimeout int) *Catalog {
	return &Catalog{baseDir: baseDir, defaultTaskTimeout: defaultTaskTimeout, maxTaskTimeout: maxTaskTimeout}
}

func (c *Catalog) loadDefinitions() (map[string]TaskDefinition, error) {
	var doc struct {
		TaskDefinitions map[string]TaskDefinition `yaml:"task_definitions"`
	}
	if err := readYAML(filepath.Join(c.baseDir, "task_definitions.yaml"), &doc); err != nil {
		return nil, err
	}
	return doc.TaskDefinitions, nil
}

func (c *Catalog) loadActions() (map[string]TaskAction, error) {
	var doc struct {
		TaskActions map[string]TaskAction `yaml:"task_actions"`
	}
	if err := readYAML(filepath.Join(c.baseDir, "task_actions.yaml"), &doc); err != nil {
		return nil, err
	}
	return doc.TaskActions, nil
}

func (c *Catalog) loadModelPaths() (map[string]ModelPath, error) {
	var doc struct {
		ModelPaths map[string]ModelPath `yaml:"model_paths"`
	}
	if err := readYAML(filepath.Join(c.baseDir, "model_paths.yaml"), &doc); err != nil {
		return nil, err
	}
	return doc.ModelPaths, nil
}

func readYAML(path string, out interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("catalog: reading %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("catalog: parsing %s: %w", path, err)
	}
	return nil
}

// TaskNames returns every task name currently defined, for the
// GET /api/catalog/tasks reflection endpoint.
func (c *Catalog) TaskNames() ([]string, error) {
	defs, err := c.loadDefinitions()
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(defs))
	for name := range defs {
		names = append(names, name)
	}
	return names, nil
}

// Resolve implements spec.md §4.1's resolve(task_name, overrides) ->
// ResolvedTask. Lookup order: task_definitions[name] -> model_id ->
// task_actions[model_id] -> model_paths[model_id]? (optional miss is not
// an error).
func (c *Catalog) Resolve(taskName string, overrides Overrides) (ResolvedTask, error) {
	defs, err := c.loadDefinitions()
	if err != nil {
		return ResolvedTask{}, err
	}
	def, ok := defs[taskName]
	if !ok {
		return ResolvedTask{}, fmt.Errorf("%w: %q", ErrUnknownTask, taskName)
	}

	actions, err := c.loadActions()
	if err != nil {
		return ResolvedTask{}, err
	}
	action, ok := actions[def.ModelID]
	if !ok {
		return ResolvedTask{}, fmt.Errorf("%w: model %q (task %q)", ErrMissingAction, def.ModelID, taskName)
	}

	hostPath := ""
	if def.ModelID != "" {
		paths, err := c.loadModelPaths()
		if err != nil {
			return ResolvedTask{}, err
		}
		if mp, ok := paths[def.ModelID]; ok {
			hostPath = mp.Path
		}
	}

	difficulty := def.TaskDifficulty
	if overrides.Difficulty != "" {
		difficulty = overrides.Difficulty
	}

	timeout := def.TimeoutSeconds
	if timeout == 0 {
		timeout = c.defaultTaskTimeout
	}
	if overrides.TimeoutSeconds != 0 {
		timeout = overrides.TimeoutSeconds
	}
	timeout = clampTimeout(timeout, c.maxTaskTimeout)

	metadata := def.Metadata
	if overrides.Metadata != nil {
		metadata = mergeMetadata(def.Metadata, overrides.Metadata)
	}

	return ResolvedTask{
		TaskName:       taskName,
		TaskType:       def.TaskType,
		Difficulty:     difficulty,
		TimeoutSeconds: timeout,
		Metadata:       metadata,
		ModelID:        def.ModelID,
		DockerImage:    action.DockerImage,
		Command:        action.Command,
		EnvVars:        action.EnvVars,
		ModelHostPath:  hostPath,
		SessionID:      overrides.SessionID,
		CreateSession:  overrides.CreateSession,
	}, nil
}

func clampTimeout(requested, max int) int {
	if requested < 1 {
		return 1
	}
	if max > 0 && requested > max {
		return max
	}
	return requested
}

// mergeMetadata replaces defaults field-by-field with overrides, per
// spec.md §4.1.
func mergeMetadata(base, overrides map[string]string) map[string]string {
	merged := make(map[string]string, len(base)+len(overrides))
	for k, v := range base {
		merged[k] = v
	}
	for k, v := range overrides {
		merged[k] = v
	}
	return merged
}
