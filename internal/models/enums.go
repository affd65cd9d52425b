package models

import "fmt"

// Phase 股票所处的阶段。阶段每次都从行情重新推导，不保存历史状态。
type Phase int

const (
	PhaseUnknown Phase = iota
	PhaseBottom        // 第一阶段：底部横盘
	PhaseRising        // 第二阶段：上升趋势
	PhaseTop           // 第三阶段：顶部横盘
	PhaseFalling       // 第四阶段：下降趋势
)

var phaseNames = map[Phase]string{
	PhaseUnknown: "UNKNOWN",
	PhaseBottom:  "BOTTOM",
	PhaseRising:  "RISING",
	PhaseTop:     "TOP",
	PhaseFalling: "FALLING",
}

func (p Phase) String() string {
	if name, ok := phaseNames[p]; ok {
		return name
	}
	return fmt.Sprintf("Phase(%d)", int(p))
}

// MarshalText encodes the phase by name so persisted data survives reordering.
func (p Phase) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// UnmarshalText accepts the names produced by MarshalText.
func (p *Phase) UnmarshalText(text []byte) error {
	parsed, err := ParsePhase(string(text))
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

// ParsePhase converts a phase name back to a Phase.
func ParsePhase(s string) (Phase, error) {
	for p, name := range phaseNames {
		if name == s {
			return p, nil
		}
	}
	return PhaseUnknown, fmt.Errorf("unknown phase %q", s)
}

// Direction 均线方向
type Direction int

const (
	DirectionFlat Direction = iota
	DirectionUp
	DirectionDown
)

func (d Direction) String() string {
	switch d {
	case DirectionUp:
		return "up"
	case DirectionDown:
		return "down"
	default:
		return "flat"
	}
}

func (d Direction) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

func (d *Direction) UnmarshalText(text []byte) error {
	switch string(text) {
	case "up":
		*d = DirectionUp
	case "down":
		*d = DirectionDown
	case "flat":
		*d = DirectionFlat
	default:
		return fmt.Errorf("unknown direction %q", string(text))
	}
	return nil
}

// SignalKind 信号类型
type SignalKind int

const (
	SignalHold SignalKind = iota
	SignalBuy
	SignalSell
	SignalWatch
	SignalAddPosition
)

var signalNames = map[SignalKind]string{
	SignalHold:        "HOLD",
	SignalBuy:         "BUY",
	SignalSell:        "SELL",
	SignalWatch:       "WATCH",
	SignalAddPosition: "ADD_POSITION",
}

func (k SignalKind) String() string {
	if name, ok := signalNames[k]; ok {
		return name
	}
	return fmt.Sprintf("SignalKind(%d)", int(k))
}

func (k SignalKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

func (k *SignalKind) UnmarshalText(text []byte) error {
	for kind, name := range signalNames {
		if name == string(text) {
			*k = kind
			return nil
		}
	}
	return fmt.Errorf("unknown signal kind %q", string(text))
}

// ReasonCode is a structured justification attached to a signal.
// The reporter package renders codes to human-readable text.
type ReasonCode int

const (
	ReasonMAFlat ReasonCode = iota + 1
	ReasonAwaitBreakout
	ReasonBreakoutConfirmed
	ReasonMARising
	ReasonVolumeSurge
	ReasonAboveMA
	ReasonStage2Setup
	ReasonTrendIntact
	ReasonPullbackToMA
	ReasonMAFalling
	ReasonBelowMA
	ReasonDistributionVolume
	ReasonTrendWeakening
	ReasonWatchForSell
	ReasonIndexBottomCaution
)

var reasonNames = map[ReasonCode]string{
	ReasonMAFlat:             "MA_FLAT",
	ReasonAwaitBreakout:      "AWAIT_BREAKOUT",
	ReasonBreakoutConfirmed:  "BREAKOUT_CONFIRMED",
	ReasonMARising:           "MA_RISING",
	ReasonVolumeSurge:        "VOLUME_SURGE",
	ReasonAboveMA:            "ABOVE_MA",
	ReasonStage2Setup:        "STAGE2_SETUP",
	ReasonTrendIntact:        "TREND_INTACT",
	ReasonPullbackToMA:       "PULLBACK_TO_MA",
	ReasonMAFalling:          "MA_FALLING",
	ReasonBelowMA:            "BELOW_MA",
	ReasonDistributionVolume: "DISTRIBUTION_VOLUME",
	ReasonTrendWeakening:     "TREND_WEAKENING",
	ReasonWatchForSell:       "WATCH_FOR_SELL",
	ReasonIndexBottomCaution: "INDEX_BOTTOM_CAUTION",
}

func (r ReasonCode) String() string {
	if name, ok := reasonNames[r]; ok {
		return name
	}
	return fmt.Sprintf("ReasonCode(%d)", int(r))
}

func (r ReasonCode) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

func (r *ReasonCode) UnmarshalText(text []byte) error {
	for code, name := range reasonNames {
		if name == string(text) {
			*r = code
			return nil
		}
	}
	return fmt.Errorf("unknown reason code %q", string(text))
}
