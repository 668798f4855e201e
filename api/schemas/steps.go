// File: api/schemas/steps.go
package schemas

import "fmt"

// StepType defines the browser action a step performs.
type StepType string

const (
	StepNavigate        StepType = "navigate"
	StepScrape          StepType = "scrape"
	StepClick           StepType = "click"
	StepFill            StepType = "fill"
	StepWaitForSelector StepType = "wait_for_selector"
	StepWaitForTimeout  StepType = "wait_for_timeout"
	StepExtract         StepType = "extract"
)

// WaitState selects the element condition an element wait polls for.
type WaitState string

const (
	WaitAttached WaitState = "attached"
	WaitVisible  WaitState = "visible"
	WaitHidden   WaitState = "hidden"
)

// ExtractTarget selects what an extract step reads from its element.
type ExtractTarget string

const (
	ExtractText      ExtractTarget = "text"
	ExtractHTML      ExtractTarget = "html"
	ExtractAttribute ExtractTarget = "attribute"
)

// Task is a client-submitted ordered list of steps. It is immutable once
// submitted; the executor never mutates it.
type Task struct {
	Steps []Step `json:"steps"`
}

// Step is one atomic browser action. The Type tag determines which of the
// optional fields are meaningful; an unrecognized tag is preserved and
// rejected at execution time, not at decode time, so that a single bad
// step fails its task rather than poisoning the whole envelope.
type Step struct {
	Type StepType `json:"type"`

	// navigate
	URL string `json:"url,omitempty"`

	// click, fill, wait_for_selector, extract
	Selector string `json:"selector,omitempty"`

	// click, wait_for_selector, wait_for_timeout. Milliseconds.
	Timeout int `json:"timeout,omitempty"`

	// click
	WaitForNav bool `json:"wait_for_nav,omitempty"`

	// fill
	Value          string   `json:"value,omitempty"`
	DispatchEvents []string `json:"dispatch_events,omitempty"`

	// wait_for_selector
	State WaitState `json:"state,omitempty"`

	// scrape
	ItemSelector string          `json:"item_selector,omitempty"`
	Selectors    []FieldSelector `json:"selectors,omitempty"`

	// extract
	Target        ExtractTarget `json:"target,omitempty"`
	AttributeName string        `json:"attribute_name,omitempty"`
	VariableName  string        `json:"variable_name,omitempty"`
}

// FieldSelector names one value scraped from each container element.
type FieldSelector struct {
	Name           string   `json:"name"`
	Selector       string   `json:"selector"`
	Attribute      string   `json:"attribute,omitempty"`
	PostProcessing []string `json:"post_processing,omitempty"`
}

// Validate performs the structural checks that do not need a live tab.
func (s *Step) Validate() error {
	switch s.Type {
	case StepNavigate:
		if s.URL == "" {
			return fmt.Errorf("navigate step missing url")
		}
	case StepScrape:
		if s.ItemSelector == "" {
			return fmt.Errorf("scrape step missing item_selector")
		}
		for i, fs := range s.Selectors {
			if fs.Name == "" || fs.Selector == "" {
				return fmt.Errorf("scrape selector %d missing name or selector", i)
			}
		}
	case StepClick, StepWaitForSelector:
		if s.Selector == "" {
			return fmt.Errorf("%s step missing selector", s.Type)
		}
	case StepFill:
		if s.Selector == "" {
			return fmt.Errorf("fill step missing selector")
		}
	case StepWaitForTimeout:
		if s.Timeout <= 0 {
			return fmt.Errorf("wait_for_timeout step requires a positive timeout")
		}
	case StepExtract:
		if s.Selector == "" || s.VariableName == "" {
			return fmt.Errorf("extract step missing selector or variable_name")
		}
		if s.Target == ExtractAttribute && s.AttributeName == "" {
			return fmt.Errorf("extract step with attribute target missing attribute_name")
		}
	default:
		return fmt.Errorf("unsupported step type %q", s.Type)
	}
	return nil
}
