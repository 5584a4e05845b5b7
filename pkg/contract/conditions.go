package contract

// Standard library of reusable conditions, the building blocks most
// task-type contracts compose from rather than writing bespoke predicates.

func HasInput(key string) Condition {
	return Condition{
		ID:   "has_input:" + key,
		Name: "has input " + key,
		Type: Precondition,
		Predicate: func(ctx *Context) bool {
			_, ok := ctx.Inputs[key]
			return ok
		},
		ErrorMessage: "missing required input: " + key,
		Severity:     SeverityError,
	}
}

func InputNotEmpty(key string) Condition {
	return Condition{
		ID:   "input_not_empty:" + key,
		Name: "input " + key + " not empty",
		Type: Precondition,
		Predicate: func(ctx *Context) bool {
			v, ok := ctx.Inputs[key]
			if !ok {
				return false
			}
			switch t := v.(type) {
			case string:
				return t != ""
			case []any:
				return len(t) > 0
			case map[string]any:
				return len(t) > 0
			default:
				return v != nil
			}
		},
		ErrorMessage: "input is empty: " + key,
		Severity:     SeverityError,
	}
}

func HasOutput(key string) Condition {
	return Condition{
		ID:   "has_output:" + key,
		Name: "has output " + key,
		Type: Postcondition,
		Predicate: func(ctx *Context) bool {
			_, ok := ctx.Outputs[key]
			return ok
		},
		ErrorMessage: "missing required output: " + key,
		Severity:     SeverityError,
	}
}

func NoError() Condition {
	return Condition{
		ID:           "no_error",
		Name:         "no error",
		Type:         Postcondition,
		Predicate:    func(ctx *Context) bool { return ctx.Err == nil },
		ErrorMessage: "execution produced an error",
		Severity:     SeverityError,
	}
}

// ValidState reports whether the context's state is one of the allowed
// states, used as an invariant to catch a task observed outside its
// expected lifecycle window.
func ValidState(allowed ...ExecState) Condition {
	set := make(map[ExecState]struct{}, len(allowed))
	for _, s := range allowed {
		set[s] = struct{}{}
	}
	return Condition{
		ID:   "valid_state",
		Name: "state is valid",
		Type: Invariant,
		Predicate: func(ctx *Context) bool {
			_, ok := set[ctx.State]
			return ok
		},
		ErrorMessage: "execution observed in an unexpected state",
		Severity:     SeverityError,
	}
}

// WithinTimeout reports whether the context's elapsed duration (EndTime if
// set, else "still running" which always passes) is within maxMs.
func WithinTimeout(maxMs int64) Condition {
	return Condition{
		ID:   "within_timeout",
		Name: "within timeout",
		Type: Invariant,
		Predicate: func(ctx *Context) bool {
			if ctx.EndTime == nil {
				return true
			}
			elapsed := ctx.EndTime.Sub(ctx.StartTime).Milliseconds()
			return elapsed <= maxMs
		},
		ErrorMessage: "execution exceeded its timeout",
		Severity:     SeverityError,
	}
}
