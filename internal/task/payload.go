package task

// NumOutputs is the size of an equity/probability output vector:
// win, win gammon, win backgammon, lose gammon, lose backgammon,
// cubeless equity, cubeful equity.
const NumOutputs = 7

// Board holds checker counts for both sides, 25 points each (bar included).
type Board [2][25]uint32

// CubeInfo describes the cube and match state a position is evaluated in.
type CubeInfo struct {
	Value    uint32
	Owner    int32 // -1 centred, 0 or 1 otherwise
	OnRoll   uint32
	MatchTo  uint32 // 0 for money play
	Score    [2]uint32
	Crawford uint32
	Jacoby   uint32
	Beavers  uint32
}

// Payload is the kind-specific body of a task.
type Payload interface {
	Kind() Kind
}

// NewPayload returns the zero payload for kind, or nil for unknown kinds.
func NewPayload(kind Kind) Payload {
	switch kind {
	case KindRollout:
		return &RolloutPayload{}
	case KindEval:
		return &EvalPayload{}
	case KindAnalysis:
		return &AnalysisPayload{}
	default:
		return nil
	}
}

// RolloutPayload asks for a batch of rollout trials of one position.
type RolloutPayload struct {
	Board    Board
	Cube     CubeInfo
	Trials   uint32
	Truncate uint32 // 0 rolls out to the end of the game
	Seed     uint32
	Plies    uint32
	Cubeful  uint32

	Output [NumOutputs]float32
	StdDev [NumOutputs]float32
	Games  uint32
}

func (*RolloutPayload) Kind() Kind { return KindRollout }

// EvalPayload asks for an n-ply evaluation of one position.
type EvalPayload struct {
	Board   Board
	Cube    CubeInfo
	Plies   uint32
	Cubeful uint32

	Output [NumOutputs]float32
}

func (*EvalPayload) Kind() Kind { return KindEval }

// MoveScore is one candidate move together with its evaluation.
type MoveScore struct {
	Move   [8]int32 // from/to pairs, -1 terminated
	Output [NumOutputs]float32
}

// AnalysisParams are the fixed-size inputs of an analysis task.
type AnalysisParams struct {
	Board Board
	Cube  CubeInfo
	Dice  [2]uint32
	Plies uint32
}

// AnalysisPayload scores a list of candidate moves for one roll.
type AnalysisPayload struct {
	AnalysisParams
	Moves []MoveScore
}

func (*AnalysisPayload) Kind() Kind { return KindAnalysis }
