// Package engine implements the invocation engine (C3): resolves a
// function's image, assembles its environment, runs one fresh container per
// invocation under strict resource and time limits, parses its structured
// output, and records the result.
package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/clowdy-run/clowdy/pkg/log"
	"github.com/clowdy-run/clowdy/pkg/metrics"
	"github.com/clowdy-run/clowdy/pkg/runtime"
	"github.com/clowdy-run/clowdy/pkg/store"
	"github.com/clowdy-run/clowdy/pkg/types"
)

// invocationTimeout is the fixed wall-clock limit for every container run
// (spec §4.3 execution step 4).
const invocationTimeout = 30 * time.Second

// codePath is the fixed in-container location user code is streamed to,
// part of the runtime contract (spec §6).
const codePath = "/app/function.py"

const stderrTailBytes = 4096

// Host is the container host capability the engine needs.
type Host interface {
	EnsureImage(ctx context.Context, imageRef string) error
	CreateContainer(ctx context.Context, id, image string, env []string, limits types.ContainerLimits) error
	PutArchive(ctx context.Context, id, path string, tarBytes []byte) error
	StartAndWait(ctx context.Context, id string, timeout time.Duration) (exitCode int, timedOut bool, err error)
	ReadLogs(id string) (stdout, stderr []byte)
	RemoveContainer(ctx context.Context, id string) error
}

// ImageResolver is the image lifecycle manager capability the engine needs
// (C2), invoked to resolve or build a project's runtime image.
type ImageResolver interface {
	Resolve(ctx context.Context, project *types.Project) (string, error)
}

// Engine executes invocations.
type Engine struct {
	host      Host
	images    ImageResolver
	projects  store.ProjectRepository
	envVars   store.EnvVarRepository
	invocs    store.InvocationStore
	baseImage string
}

func New(host Host, images ImageResolver, st store.Store, baseImage string) *Engine {
	return &Engine{
		host:      host,
		images:    images,
		projects:  st,
		envVars:   st,
		invocs:    st,
		baseImage: baseImage,
	}
}

// Result is what Invoke returns to its caller (C6/C5).
type Result struct {
	InvocationID string
	Status       types.InvocationStatus
	Output       json.RawMessage
	DurationMS   int64
}

// Invoke runs one invocation of fn against input, recording an Invocation
// regardless of outcome (spec §4.3, §7).
func (e *Engine) Invoke(ctx context.Context, fn *types.Function, input any, source types.InvocationSource, httpMethod, httpPath *string) *Result {
	invocationID := uuid.NewString()
	invLog := log.WithInvocationID(invocationID)

	metrics.InvocationsInFlight.Inc()
	defer metrics.InvocationsInFlight.Dec()

	record := func(status types.InvocationStatus, output json.RawMessage, durMS int64) *Result {
		return e.record(invocationID, fn, input, source, httpMethod, httpPath, status, output, durMS)
	}

	image, env, err := e.resolve(ctx, fn)
	if err != nil {
		return record(types.InvocationError, errorOutput("engine unavailable", ""), 0)
	}

	inputJSON, err := json.Marshal(input)
	if err != nil {
		return record(types.InvocationError, errorOutput(fmt.Sprintf("invalid input: %v", err), ""), 0)
	}
	// FUNCTION_ID/INVOCATION_ID back the two-argument handler's context
	// object (spec §6 runtime contract).
	env = append(env, "INPUT_JSON="+string(inputJSON), "FUNCTION_ID="+fn.ID, "INVOCATION_ID="+invocationID)

	containerID := "inv-" + invocationID
	limits := types.DefaultContainerLimits()

	if err := e.host.EnsureImage(ctx, image); err != nil {
		invLog.Error().Err(err).Msg("ensure image")
		return record(types.InvocationError, errorOutput("engine unavailable", ""), 0)
	}

	createTimer := metrics.NewTimer()
	if err := e.host.CreateContainer(ctx, containerID, image, env, limits); err != nil {
		invLog.Error().Err(err).Msg("create container")
		return record(types.InvocationError, errorOutput("engine unavailable", ""), 0)
	}
	createTimer.ObserveDuration(metrics.ContainerCreateDuration)

	defer func() {
		if err := e.host.RemoveContainer(context.Background(), containerID); err != nil {
			invLog.Warn().Err(err).Str("container_id", containerID).Msg("remove container")
		}
	}()

	if err := e.host.PutArchive(ctx, containerID, codePath, runtime.BuildCodeArchive(codePath, []byte(fn.Code))); err != nil {
		invLog.Error().Err(err).Msg("put archive")
		return record(types.InvocationError, errorOutput("engine unavailable", ""), 0)
	}

	start := time.Now()
	startTimer := metrics.NewTimer()
	exitCode, timedOut, err := e.host.StartAndWait(ctx, containerID, invocationTimeout)
	startTimer.ObserveDuration(metrics.ContainerStartDuration)
	if err != nil {
		invLog.Error().Err(err).Msg("start and wait")
		return record(types.InvocationError, errorOutput("engine unavailable", ""), durationMS(start))
	}

	stdout, stderr := e.host.ReadLogs(containerID)
	duration := durationMS(start)

	if timedOut {
		return record(types.InvocationTimeout, errorOutput("execution timeout", ""), duration)
	}

	status, output := parseOutput(exitCode, stdout, stderr)
	return record(status, output, duration)
}

// resolve selects the function's image and assembles its environment
// (spec §4.3 resolution steps 1-3).
func (e *Engine) resolve(ctx context.Context, fn *types.Function) (string, []string, error) {
	if fn.ProjectID == nil {
		return e.baseImage, nil, nil
	}

	project, err := e.projects.GetProject(*fn.ProjectID)
	if err != nil {
		return e.baseImage, nil, nil
	}

	image, err := e.images.Resolve(ctx, project)
	if err != nil {
		return "", nil, err
	}

	vars, err := e.envVars.ListEnvVars(project.ID)
	if err != nil {
		vars = nil
	}
	env := make([]string, 0, len(vars)+1)
	for _, v := range vars {
		env = append(env, v.Key+"="+v.Value)
	}
	if project.DatabaseURL != nil {
		env = append(env, "DATABASE_URL="+*project.DatabaseURL)
	}
	return image, env, nil
}

// parseOutput implements spec §4.3's output parsing: the last non-empty
// stdout line must be valid JSON and the exit code must be zero for
// status=success; any other combination is status=error.
func parseOutput(exitCode int, stdout, stderr []byte) (types.InvocationStatus, json.RawMessage) {
	line := lastNonEmptyLine(stdout)
	var parsed json.RawMessage
	if line != "" && json.Valid([]byte(line)) {
		parsed = json.RawMessage(line)
	}

	if exitCode != 0 || parsed == nil {
		return types.InvocationError, errorOutput(line, tail(stderr, stderrTailBytes))
	}
	return types.InvocationSuccess, parsed
}

func lastNonEmptyLine(b []byte) string {
	lines := bytes.Split(bytes.TrimRight(b, "\n"), []byte("\n"))
	for i := len(lines) - 1; i >= 0; i-- {
		line := bytes.TrimSpace(lines[i])
		if len(line) > 0 {
			return string(line)
		}
	}
	return ""
}

func tail(b []byte, n int) string {
	if len(b) > n {
		b = b[len(b)-n:]
	}
	return string(b)
}

func errorOutput(message, logs string) json.RawMessage {
	out, _ := json.Marshal(struct {
		Error string `json:"error"`
		Logs  string `json:"logs,omitempty"`
	}{Error: message, Logs: logs})
	return out
}

func durationMS(start time.Time) int64 {
	return time.Since(start).Round(time.Millisecond).Milliseconds()
}

// record writes the Invocation and returns the caller-facing Result. Write
// failures are logged but never change the returned result (spec §4.3
// Persistence, §7).
func (e *Engine) record(
	invocationID string,
	fn *types.Function,
	input any,
	source types.InvocationSource,
	httpMethod, httpPath *string,
	status types.InvocationStatus,
	output json.RawMessage,
	durMS int64,
) *Result {
	inputJSON, _ := json.Marshal(input)

	record := &types.Invocation{
		ID:         invocationID,
		FunctionID: fn.ID,
		InputJSON:  string(inputJSON),
		OutputJSON: string(output),
		Status:     status,
		DurationMS: durMS,
		Source:     source,
		HTTPMethod: httpMethod,
		HTTPPath:   httpPath,
		CreatedAt:  time.Now(),
	}
	if err := e.invocs.AppendInvocation(record); err != nil {
		log.WithComponent("engine").Warn().Err(err).Str("invocation_id", record.ID).Msg("append invocation record")
	}

	metrics.InvocationsTotal.WithLabelValues(string(source), string(status)).Inc()
	metrics.InvocationDuration.WithLabelValues(string(status)).Observe(float64(durMS) / 1000)

	return &Result{
		InvocationID: record.ID,
		Status:       status,
		Output:       output,
		DurationMS:   durMS,
	}
}
