package options

// DebugLevel controls how much an operation logs about itself.
type DebugLevel int

const (
	DebugNone DebugLevel = iota
	DebugLow
	DebugMed
	DebugHigh
	DebugTMI
)

// CompleteFunc receives the outcome of an operation exactly once.
type CompleteFunc func(result interface{}, err error)

// OpOptions are the per-operation options of the data layer.
type OpOptions struct {
	Debug    DebugLevel
	Complete CompleteFunc
}

func (o *OpOptions) SetDebug(level DebugLevel) *OpOptions {
	o.Debug = level
	return o
}

func (o *OpOptions) OnComplete(fn CompleteFunc) *OpOptions {
	o.Complete = fn
	return o
}

// Above reports whether the debug level is strictly greater than level.
func (o *OpOptions) Above(level DebugLevel) bool {
	return o != nil && o.Debug > level
}

func Op() *OpOptions {
	return &OpOptions{}
}

// Merge folds opts left to right; later non-zero values win.
func Merge(opts ...*OpOptions) *OpOptions {
	out := Op()
	for _, o := range opts {
		if o == nil {
			continue
		}
		if o.Debug != DebugNone {
			out.Debug = o.Debug
		}
		if o.Complete != nil {
			out.Complete = o.Complete
		}
	}
	return out
}
