package codec

import "fmt"

type sizeKind uint8

const (
	sizeVariable sizeKind = iota
	sizeFixed
	sizeMin
	sizeAverage
)

// Size describes how many bytes a codec emits per value. Fixed sizes allow
// preallocation and engines with fixed-width slots.
type Size struct {
	kind sizeKind
	n    int
}

func Fixed(n int) Size { return Size{kind: sizeFixed, n: n} }
func MinSize(n int) Size { return Size{kind: sizeMin, n: n} }
func AverageSize(n int) Size { return Size{kind: sizeAverage, n: n} }
func Variable() Size { return Size{kind: sizeVariable} }

func (s Size) IsFixed() bool { return s.kind == sizeFixed }

// NumBytes returns the byte count attached to the size, or -1 for Variable.
func (s Size) NumBytes() int {
	if s.kind == sizeVariable {
		return -1
	}
	return s.n
}

func (s Size) String() string {
	switch s.kind {
	case sizeFixed:
		return fmt.Sprintf("fixed(%d)", s.n)
	case sizeMin:
		return fmt.Sprintf("min(%d)", s.n)
	case sizeAverage:
		return fmt.Sprintf("average(%d)", s.n)
	default:
		return "variable"
	}
}
