package progress

import "time"

// Step keys in canonical order, plus the two terminal pseudo steps.
const (
	StepValidation   = "validation"
	StepAnalyzing    = "analyzing"
	StepCategories   = "categories"
	StepCustomFields = "custom_fields"
	StepStyles       = "styles"
	StepMedia        = "media"
	StepPosts        = "posts"
	StepFinalization = "finalization"

	StepCompleted = "completed"
	StepError     = "error"
)

// StepStatus is the state of a single step
type StepStatus string

const (
	StepPending StepStatus = "pending"
	StepActive  StepStatus = "active"
	StepDone    StepStatus = "completed"
	StepFailed  StepStatus = "failed"
)

var canonicalSteps = []struct {
	key   string
	label string
}{
	{StepValidation, "Validation"},
	{StepAnalyzing, "Analyzing"},
	{StepCategories, "Categories"},
	{StepCustomFields, "Custom Fields"},
	{StepStyles, "Styles"},
	{StepMedia, "Media"},
	{StepPosts, "Posts"},
	{StepFinalization, "Finalization"},
}

// Step is one entry of the ordered step list shown to the user
type Step struct {
	Key            string     `json:"key"`
	Label          string     `json:"label"`
	Status         StepStatus `json:"status"`
	Active         bool       `json:"active"`
	Completed      bool       `json:"completed"`
	Failed         bool       `json:"failed"`
	ItemsProcessed int        `json:"items_processed"`
	ItemsTotal     int        `json:"items_total"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// Steps is the ordered step list of a run
type Steps []Step

// StepOptions selects the optional steps of a run
type StepOptions struct {
	IncludeMedia    bool
	HasCustomFields bool
}

// BuildSteps returns the step list for a new run. The first step starts
// active.
func BuildSteps(opts StepOptions, now time.Time) Steps {
	steps := make(Steps, 0, len(canonicalSteps))
	for _, cs := range canonicalSteps {
		if cs.key == StepMedia && !opts.IncludeMedia {
			continue
		}
		if cs.key == StepCustomFields && !opts.HasCustomFields {
			continue
		}
		first := len(steps) == 0
		st := Step{Key: cs.key, Label: cs.label, Status: StepPending, UpdatedAt: now}
		if first {
			st.Status = StepActive
			st.Active = true
		}
		steps = append(steps, st)
	}
	return steps
}

// StepLabel returns the label of a known step, or "" otherwise
func StepLabel(key string) string {
	for _, cs := range canonicalSteps {
		if cs.key == key {
			return cs.label
		}
	}
	return ""
}

// IsKnownStep reports whether key is one of the canonical steps
func IsKnownStep(key string) bool {
	return StepLabel(key) != ""
}

// Find returns the index of key in s, or -1
func (s Steps) Find(key string) int {
	for i := range s {
		if s[i].Key == key {
			return i
		}
	}
	return -1
}

// Next returns the step following key in canonical order that is present in
// s, or "".
func (s Steps) Next(key string) string {
	idx := -1
	for i, cs := range canonicalSteps {
		if cs.key == key {
			idx = i
			break
		}
	}
	if idx < 0 {
		return ""
	}
	for _, cs := range canonicalSteps[idx+1:] {
		if len(s) == 0 || s.Find(cs.key) >= 0 {
			return cs.key
		}
	}
	return ""
}

// Active returns the key of the first active step, or ""
func (s Steps) Active() string {
	for _, st := range s {
		if st.Active {
			return st.Key
		}
	}
	return ""
}

// apply performs the step transitions of a progress update. Completed steps
// are never reset.
func (s Steps) apply(step string, finished bool, now time.Time) Steps {
	out := make(Steps, len(s))
	copy(out, s)

	for i := range out {
		st := &out[i]
		switch {
		case step == StepError:
			if st.Active {
				st.Status = StepFailed
				st.Active = false
				st.Failed = true
			}
		case st.Key == step:
			if st.Completed {
				break
			}
			if finished {
				st.Status = StepDone
				st.Active = false
				st.Completed = true
			} else {
				st.Status = StepActive
				st.Active = true
			}
		case !st.Completed && st.Active:
			st.Status = StepDone
			st.Active = false
			st.Completed = true
		}
		st.UpdatedAt = now
	}

	if step != StepCompleted && step != StepError && finished {
		if next := out.Next(step); next != "" {
			if i := out.Find(next); i >= 0 && !out[i].Completed {
				out[i].Status = StepActive
				out[i].Active = true
				out[i].UpdatedAt = now
			}
		}
	}
	return out
}

func (s Steps) setItems(step string, processed, total int) {
	if i := s.Find(step); i >= 0 {
		s[i].ItemsProcessed = processed
		s[i].ItemsTotal = total
	}
}
