package taskset

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/mpataki/fleet/internal/models"
)

// rawTask tolerates the loose shapes run configurations arrive in; task IDs
// may be integers or strings on the wire.
type rawTask struct {
	TaskID      any    `json:"task_id" yaml:"task_id"`
	Branch      string `json:"branch" yaml:"branch"`
	Description string `json:"description" yaml:"description"`
	Task        string `json:"task" yaml:"task"`
}

// Load parses a run configuration file. The format is chosen by extension:
// .json (the canonical format), .yaml/.yml, or .lua for programmatic task
// generation.
func Load(path string) ([]models.Task, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		return loadJSON(path)
	case ".yaml", ".yml":
		return loadYAML(path)
	case ".lua":
		return loadLua(path)
	default:
		return nil, fmt.Errorf("unsupported run configuration format: %s", path)
	}
}

func loadJSON(path string) ([]models.Task, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read run configuration: %w", err)
	}

	var raw []rawTask
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse run configuration JSON: %w", err)
	}

	return normalize(raw)
}

func loadYAML(path string) ([]models.Task, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read run configuration: %w", err)
	}

	var raw []rawTask
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse run configuration YAML: %w", err)
	}

	return normalize(raw)
}

func normalize(raw []rawTask) ([]models.Task, error) {
	tasks := make([]models.Task, 0, len(raw))
	seen := make(map[string]bool)

	for i, r := range raw {
		id, err := taskIDString(r.TaskID)
		if err != nil {
			return nil, fmt.Errorf("task %d: %w", i, err)
		}
		if seen[id] {
			return nil, fmt.Errorf("duplicate task_id %q", id)
		}
		seen[id] = true

		branch := r.Branch
		if branch == "" {
			branch = "fleet/task-" + id
		}

		tasks = append(tasks, models.Task{
			ID:          id,
			Branch:      branch,
			Description: r.Description,
			Task:        r.Task,
		})
	}

	if len(tasks) == 0 {
		return nil, fmt.Errorf("run configuration contains no tasks")
	}
	return tasks, nil
}

func taskIDString(v any) (string, error) {
	switch id := v.(type) {
	case string:
		if id == "" {
			return "", fmt.Errorf("task_id must not be empty")
		}
		return id, nil
	case int:
		return strconv.Itoa(id), nil
	case int64:
		return strconv.FormatInt(id, 10), nil
	case uint64:
		return strconv.FormatUint(id, 10), nil
	case float64:
		if id != math.Trunc(id) {
			return "", fmt.Errorf("task_id must be an integer or a string, got %v", id)
		}
		return strconv.FormatInt(int64(id), 10), nil
	case nil:
		return "", fmt.Errorf("task_id is required")
	default:
		return "", fmt.Errorf("task_id must be an integer or a string, got %T", v)
	}
}
