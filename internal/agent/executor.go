package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Task is the unit of work handed to the executor after a successful claim.
type Task struct {
	ID        string
	Kind      string
	Payload   json.RawMessage
	ProjectID string
	Attempt   int
}

type Executor struct {
	artifacts ArtifactStore
}

func NewExecutor(artifacts ArtifactStore) *Executor {
	return &Executor{artifacts: artifacts}
}

// Run executes one task and returns the result document to report. GPU kinds
// produce a stored artifact; api kinds return the adapter response inline.
func (x *Executor) Run(ctx context.Context, task Task) (json.RawMessage, error) {
	started := time.Now()
	var params map[string]any
	if len(task.Payload) > 0 {
		if err := json.Unmarshal(task.Payload, &params); err != nil {
			return nil, fmt.Errorf("task %s: malformed payload: %w", task.ID, err)
		}
	}

	switch task.Kind {
	case "image_generation", "image_edit", "image_upscale", "style_transfer":
		return x.renderArtifact(ctx, task, params, "image/png", ".png", started)
	case "video_generation", "video_interpolation":
		return x.renderArtifact(ctx, task, params, "video/mp4", ".mp4", started)
	case "api_generation":
		return marshalResult(map[string]any{
			"provider":      stringParam(params, "provider", "external"),
			"render_millis": time.Since(started).Milliseconds(),
		})
	case "shot_orchestration":
		// Orchestration fans out follow-up submissions on the client side;
		// the task itself just acknowledges the plan.
		return marshalResult(map[string]any{
			"planned":       true,
			"render_millis": time.Since(started).Milliseconds(),
		})
	default:
		return nil, fmt.Errorf("task %s: unsupported kind %q", task.ID, task.Kind)
	}
}

func (x *Executor) renderArtifact(ctx context.Context, task Task, params map[string]any, contentType, ext string, started time.Time) (json.RawMessage, error) {
	frame, err := json.Marshal(map[string]any{
		"task_id": task.ID,
		"kind":    task.Kind,
		"prompt":  stringParam(params, "prompt", ""),
	})
	if err != nil {
		return nil, err
	}
	objectName := fmt.Sprintf("%s/%s/%s%s", task.ProjectID, task.Kind, task.ID, ext)
	uri, err := x.artifacts.Put(ctx, objectName, frame, contentType)
	if err != nil {
		return nil, fmt.Errorf("task %s: store artifact: %w", task.ID, err)
	}
	return marshalResult(map[string]any{
		"artifact_uri":  uri,
		"content_type":  contentType,
		"render_millis": time.Since(started).Milliseconds(),
	})
}

func marshalResult(v map[string]any) (json.RawMessage, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return b, nil
}

func stringParam(params map[string]any, key, fallback string) string {
	if v, ok := params[key].(string); ok && v != "" {
		return v
	}
	return fallback
}
