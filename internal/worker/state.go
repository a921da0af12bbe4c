package worker

// State 表示控制器的生命周期状态。
type State string

const (
	StateIdle        State = "idle"
	StateStarting    State = "starting"
	StateRegistering State = "registering"
	StateLive        State = "live"
	StateDraining    State = "draining"
	StateTerminated  State = "terminated"
)

// transitions 列出合法的状态转换。
var transitions = map[State][]State{
	StateIdle:        {StateStarting},
	StateStarting:    {StateRegistering, StateTerminated},
	StateRegistering: {StateLive, StateStarting, StateTerminated},
	StateLive:        {StateRegistering, StateDraining, StateTerminated},
	StateDraining:    {StateTerminated},
	StateTerminated:  {StateStarting},
}

// CanTransition 判断 from → to 是否为合法转换。
func CanTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}
