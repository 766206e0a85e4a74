package orchestration

import "strconv"

// AggregateResult builds the terminal result for a fully succeeded
// workflow: a mapping from step number to step output, plus an optional
// derived top-level field holding the output of the highest-numbered
// step that no other step depends on. Deterministic from step outputs;
// no I/O.
func AggregateResult(w *Workflow, derivedField string) Payload {
	result := Payload{}
	for _, step := range w.Steps {
		st := w.State[step.StepNumber]
		if st == nil {
			continue
		}
		result[strconv.Itoa(step.StepNumber)] = st.Output
	}
	if derivedField != "" {
		if final := finalStep(w); final != nil {
			if st := w.State[final.StepNumber]; st != nil {
				result[derivedField] = st.Output
			}
		}
	}
	return result
}

// PartialResult collects the outputs of succeeded steps for a failed or
// cancelled workflow, nested under "partial" for debuggability.
func PartialResult(w *Workflow) Payload {
	partial := Payload{}
	for _, step := range w.Steps {
		st := w.State[step.StepNumber]
		if st != nil && st.Status == StepSucceeded {
			partial[strconv.Itoa(step.StepNumber)] = st.Output
		}
	}
	if len(partial) == 0 {
		return nil
	}
	return Payload{"partial": partial}
}

// finalStep returns the highest-numbered step without dependents.
func finalStep(w *Workflow) *StepSpec {
	hasDependents := make(map[int]bool)
	for _, step := range w.Steps {
		for _, dep := range step.DependsOn {
			hasDependents[dep] = true
		}
	}
	var final *StepSpec
	for i := range w.Steps {
		step := &w.Steps[i]
		if hasDependents[step.StepNumber] {
			continue
		}
		if final == nil || step.StepNumber > final.StepNumber {
			final = step
		}
	}
	return final
}
