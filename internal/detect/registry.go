package detect

import "fmt"

// NewEngine returns the engine registered under name. An empty name selects
// the pure-Go threshold engine.
func NewEngine(name string) (Engine, error) {
	switch name {
	case "", "threshold":
		return NewThresholdEngine(), nil
	case "opencv":
		return NewOpenCVEngine(), nil
	default:
		return nil, fmt.Errorf("unknown detection engine %s", name)
	}
}
