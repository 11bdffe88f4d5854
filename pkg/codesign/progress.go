package codesign

// Progress milestones, emitted in this order
const (
	StageExtracting             = "extracting"
	StageReplacingProfile       = "replacing profile"
	StageUpdatingIdentifier     = "updating identifier"
	StageExtractingEntitlements = "extracting entitlements"
	StageSigning                = "signing"
	StagePackaging              = "packaging"
	StageComplete               = "complete"
)

// ProgressEvent is a single milestone notification. Path is set for per-unit
// signing events.
type ProgressEvent struct {
	Stage string
	Path  string
}

func (e ProgressEvent) String() string {
	if e.Path == "" {
		return e.Stage
	}
	return e.Stage + " " + e.Path
}

// Progress is a write-only sink for milestones. Implementations must not block
// the pipeline for long.
type Progress interface {
	Report(ProgressEvent)
}

// ProgressFunc adapts a plain function to Progress
type ProgressFunc func(ProgressEvent)

// Report implements Progress
func (f ProgressFunc) Report(e ProgressEvent) {
	if f != nil {
		f(e)
	}
}

// ProgressChannel delivers events to a buffered channel without blocking the
// pipeline. When the buffer is full, intermediate events are dropped; the
// final StageComplete event instead evicts the oldest buffered event, so a
// consumer always sees the end of a successful run. A buffer of
// MinProgressBuffer plus one per signable unit never drops anything.
type ProgressChannel chan ProgressEvent

// MinProgressBuffer is the number of non-signing events a run can emit
const MinProgressBuffer = 6

// Report implements Progress
func (c ProgressChannel) Report(e ProgressEvent) {
	select {
	case c <- e:
		return
	default:
	}
	if e.Stage != StageComplete {
		return
	}

	select {
	case <-c:
	default:
	}
	select {
	case c <- e:
	default:
	}
}

type nopProgress struct{}

func (nopProgress) Report(ProgressEvent) {}
