package unified

// Usage is a token count triple. Depending on context it is either a
// cumulative snapshot or a per-event delta.
type Usage struct {
	Input       int64 `json:"input_tokens"`
	Output      int64 `json:"output_tokens"`
	CachedInput int64 `json:"cached_input_tokens,omitempty"`
}

// IsZero reports whether every component is zero.
func (u Usage) IsZero() bool {
	return u.Input == 0 && u.Output == 0 && u.CachedInput == 0
}

// Add returns the component-wise sum.
func (u Usage) Add(o Usage) Usage {
	return Usage{
		Input:       u.Input + o.Input,
		Output:      u.Output + o.Output,
		CachedInput: u.CachedInput + o.CachedInput,
	}
}

// DeltaFrom returns max(0, u-prev) for each component.
func (u Usage) DeltaFrom(prev Usage) Usage {
	return Usage{
		Input:       clampDelta(u.Input, prev.Input),
		Output:      clampDelta(u.Output, prev.Output),
		CachedInput: clampDelta(u.CachedInput, prev.CachedInput),
	}
}

func clampDelta(now, last int64) int64 {
	if now > last {
		return now - last
	}
	return 0
}
