package task

import (
	"fmt"

	"github.com/kiranshivaraju/gapscout/internal/config"
)

// NewTask constructs the task implementation selected by config.
// Called once at server startup.
func NewTask(cfg config.TaskConfig) (Task, error) {
	switch cfg.Kind {
	case "exec":
		if cfg.Command == "" {
			return nil, fmt.Errorf("exec task requires a command")
		}
		return NewExecTask(cfg.Command, cfg.Args, cfg.Dir), nil
	case "http":
		if cfg.URL == "" {
			return nil, fmt.Errorf("http task requires a URL")
		}
		return NewHTTPTask(cfg.URL), nil
	default:
		return nil, fmt.Errorf("unknown task kind %q: must be one of exec, http", cfg.Kind)
	}
}
