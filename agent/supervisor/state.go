package supervisor

import "fmt"

// State is the lifecycle state of the supervised server.
// States only advance along Stopped -> Starting -> Running -> Stopping -> Stopped.
type State int

const (
	Stopped State = iota
	Starting
	Running
	Stopping
)

var stateNames = [...]string{
	Stopped:  "stopped",
	Starting: "starting",
	Running:  "running",
	Stopping: "stopping",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("State(%d)", int(s))
	}
	return stateNames[s]
}

// Next returns the state that follows s in the lifecycle.
func (s State) Next() State {
	return (s + 1) % State(len(stateNames))
}

func ParseState(str string) (State, error) {
	for i, name := range stateNames {
		if name == str {
			return State(i), nil
		}
	}
	return 0, fmt.Errorf("unknown state %q", str)
}

func (s State) MarshalText() ([]byte, error) {
	if s < 0 || int(s) >= len(stateNames) {
		return nil, fmt.Errorf("invalid state %d", int(s))
	}
	return []byte(s.String()), nil
}

func (s *State) UnmarshalText(b []byte) error {
	parsed, err := ParseState(string(b))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}
