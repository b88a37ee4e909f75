package consts

import "time"

// TraceInitialCapacity is the starting size of the operator trace buffer built
// up during action dispatch. The buffer grows past this; it is not a cap.
const TraceInitialCapacity = 4096

// MaxRedirects bounds the number of redirect actions a single script
// evaluation may queue, guarding against loop-prone scripts.
const MaxRedirects = 8

// MaxIncludeDepth bounds nested include chains so a misconfigured or
// cyclical :global include graph cannot recurse forever even if the
// inode-dedup check is somehow defeated (e.g. bind-mounted duplicates).
const MaxIncludeDepth = 16

// DefaultDuplicateWindow is used by the "duplicate" test when a script omits
// :seconds.
const DefaultDuplicateWindow = 24 * time.Hour

// DefaultVacationInterval is the fallback minimum gap between vacation
// responses to the same sender when a script omits both :days and :seconds.
const DefaultVacationInterval = 7 * 24 * time.Hour

// MaxTraceBytes bounds the operator trace returned in dispatch.Outcome;
// the trace buffer itself grows unbounded while actions are dispatched.
const MaxTraceBytes = 64 * 1024
