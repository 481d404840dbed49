package preflight

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/loomctl/loom/pkg/schema"
)

// EmitFunc receives progress events for individual checks. May be nil.
type EmitFunc func(event schema.ProgressEvent)

// Run executes the plan. Independent checks run concurrently; a check
// waits for its declared dependencies and is reported as skipped when any
// of them fails or is itself skipped. The aggregate succeeds when every
// required (non-warn-only) check passes.
func (p *PreflightPlan) Run(ctx context.Context, emit EmitFunc) *PreflightResult {
	if emit == nil {
		emit = func(schema.ProgressEvent) {}
	}
	// Checks run on their own goroutines; serialize emission so observers
	// see one event at a time.
	var emitMu sync.Mutex
	rawEmit := emit
	emit = func(e schema.ProgressEvent) {
		emitMu.Lock()
		defer emitMu.Unlock()
		rawEmit(e)
	}

	done := make(map[string]chan struct{}, len(p.names))
	for _, name := range p.names {
		done[name] = make(chan struct{})
	}

	var mu sync.Mutex
	outcomes := make(map[string]CheckResult, len(p.names))

	record := func(name string, res CheckResult) {
		mu.Lock()
		outcomes[name] = res
		mu.Unlock()
		close(done[name])
	}

	outcomeOf := func(name string) CheckResult {
		mu.Lock()
		defer mu.Unlock()
		return outcomes[name]
	}

	var wg sync.WaitGroup
	for _, name := range p.names {
		wg.Add(1)
		go func(name string) {
			defer wg.Done()
			prereq := p.byName[name]

			var blockedBy []string
			for _, dep := range prereq.DependsOn {
				select {
				case <-ctx.Done():
					record(name, CheckResult{Name: name, Status: StatusSkipped, Message: "preflight cancelled"})
					return
				case <-done[dep]:
				}
				res := outcomeOf(dep)
				if res.Status == StatusFail || res.Status == StatusSkipped {
					blockedBy = append(blockedBy, dep)
				}
			}
			if len(blockedBy) > 0 {
				record(name, CheckResult{
					Name:    name,
					Status:  StatusSkipped,
					Message: fmt.Sprintf("skipped: dependency failed (%s)", strings.Join(blockedBy, ", ")),
				})
				return
			}
			if ctx.Err() != nil {
				record(name, CheckResult{Name: name, Status: StatusSkipped, Message: "preflight cancelled"})
				return
			}

			emit(schema.ProgressEvent{
				Type:      schema.EventPreflightCheckStarted,
				Step:      name,
				Timestamp: time.Now().UTC(),
			})

			res := prereq.Check(ctx)
			if res.Status == StatusFail && prereq.WarnOnly {
				res = Result{Status: StatusWarning, Message: res.Message}
			}
			record(name, CheckResult{Name: name, Status: res.Status, Message: res.Message})
		}(name)
	}
	wg.Wait()

	result := &PreflightResult{Success: true}
	for _, name := range p.names {
		res := outcomes[name]
		result.Checks = append(result.Checks, res)
		switch res.Status {
		case StatusFail, StatusSkipped:
			result.Success = false
		}
	}

	for _, res := range result.Checks {
		eventType := schema.EventPreflightCheckPassed
		if res.Status == StatusFail || res.Status == StatusSkipped {
			eventType = schema.EventPreflightCheckFailed
		}
		emit(schema.ProgressEvent{
			Type:      eventType,
			Step:      res.Name,
			Payload:   map[string]any{"status": string(res.Status), "message": res.Message},
			Timestamp: time.Now().UTC(),
		})
	}
	emit(schema.ProgressEvent{
		Type:      schema.EventPreflightCompleted,
		Payload:   map[string]any{"success": result.Success},
		Timestamp: time.Now().UTC(),
	})
	return result
}
