package trace

import (
	"context"

	"tracecollect/models"
	"tracecollect/perfetto"
)

// Admission is the slice of the session moderator the compiler consults.
type Admission interface {
	IsDataSourceAvailable(ctx context.Context, name string) bool
	IsTooManySessions(ctx context.Context) bool
}

// Compile maps user requests to tracing sessions. Deterministic for
// identical inputs: legacy sessions come first in request order; if any
// shared-framework fragments were accumulated, exactly one merged shared
// session is appended last (trace before dump when both occur).
func Compile(ctx context.Context, requests []models.TraceRequest, adm Admission) []*Session {
	var sessions []*Session
	var traceFragments, dumpFragments []string

	for _, req := range requests {
		spec, known := targetSpecs[req.Kind]
		if !known {
			continue
		}
		useShared := spec.dataSource != "" &&
			adm.IsDataSourceAvailable(ctx, spec.dataSource) &&
			!adm.IsTooManySessions(ctx)
		if useShared {
			fragment := perfetto.CreateSetupCommand(spec.dataSource, spec.sharedBlock(req))
			if spec.isDump {
				dumpFragments = append(dumpFragments, fragment)
			} else {
				traceFragments = append(traceFragments, fragment)
			}
			continue
		}
		if spec.legacy == nil {
			// Shared-only capability on a device that cannot serve it.
			continue
		}
		for _, target := range spec.legacy(req) {
			sessions = append(sessions, NewSession(target))
		}
	}

	if len(traceFragments) > 0 {
		sessions = append(sessions, NewSession(perfetto.CreateTraceTarget(traceFragments)))
	}
	if len(dumpFragments) > 0 {
		sessions = append(sessions, NewSession(perfetto.CreateDumpTarget(dumpFragments)))
	}
	return sessions
}
