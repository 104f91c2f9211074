package pipeline

// State is the lifecycle phase of a Controller.
type State int32

const (
	Starting State = iota
	Skipping
	Processing
	Draining
	Done
	Failed
)

func (s State) String() string {
	switch s {
	case Starting:
		return "starting"
	case Skipping:
		return "skipping"
	case Processing:
		return "processing"
	case Draining:
		return "draining"
	case Done:
		return "done"
	case Failed:
		return "failed"
	}
	return "unknown"
}

// Terminal reports whether no further transition can happen.
func (s State) Terminal() bool { return s == Done || s == Failed }
