package permission

import (
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/inercia/cowork/internal/protocol"
)

// AskUserQuestionTool is the tool whose requests carry structured questions.
const AskUserQuestionTool = "AskUserQuestion"

// Fixed reasons sent with deny results.
const (
	DenyMessage   = "User denied the request"
	CancelMessage = "User canceled the question"
)

// answerSeparator joins multi-select values into one answer string.
const answerSeparator = ", "

var (
	// ErrIncompleteAnswers is returned by Submit until every question is answered.
	ErrIncompleteAnswers = errors.New("every question needs an answer before submitting")
	// ErrUnknownQuestion is returned for a question index out of range.
	ErrUnknownQuestion = errors.New("unknown question")
	// ErrUnknownOption is returned when selecting a label the question does not offer.
	ErrUnknownOption = errors.New("unknown option")
)

// Result is the answer sent back for a request.
type Result = protocol.PermissionResult

// Allow builds an allow result carrying the (possibly updated) input.
func Allow(input map[string]any) Result {
	if input == nil {
		input = map[string]any{}
	}
	return Result{Behavior: protocol.BehaviorAllow, UpdatedInput: input}
}

// Deny builds a deny result with a reason.
func Deny(message string) Result {
	return Result{Behavior: protocol.BehaviorDeny, Message: message}
}

// AllowGeneric approves a request, echoing its input unchanged.
func AllowGeneric(r Request) Result { return Allow(r.Input) }

// DenyGeneric rejects a request with the fixed deny reason.
func DenyGeneric(Request) Result { return Deny(DenyMessage) }

// Option is one choice of a question.
type Option struct {
	Label       string `json:"label"`
	Description string `json:"description,omitempty"`
}

// Question is one question of an AskUserQuestion request.
type Question struct {
	Question    string   `json:"question"`
	Header      string   `json:"header,omitempty"`
	Options     []Option `json:"options,omitempty"`
	MultiSelect bool     `json:"multiSelect,omitempty"`
}

// Questions extracts the questions of an AskUserQuestion request. Requests of
// other tools, or with an input that does not carry questions, yield nil.
func Questions(r Request) []Question {
	if r.ToolName != AskUserQuestionTool || r.Input == nil {
		return nil
	}
	raw, ok := r.Input["questions"]
	if !ok {
		return nil
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return nil
	}
	var qs []Question
	if err := json.Unmarshal(data, &qs); err != nil {
		return nil
	}
	return qs
}

// Decision collects the user's answers to one request. A new Decision is
// created for every request so selections never leak between requests.
type Decision struct {
	request   Request
	questions []Question
	selected  map[int][]string
	other     map[int]string
}

// NewDecision starts a decision for a request.
func NewDecision(r Request) *Decision {
	return &Decision{
		request:   r,
		questions: Questions(r),
		selected:  make(map[int][]string),
		other:     make(map[int]string),
	}
}

// Request returns the request being decided.
func (d *Decision) Request() Request { return d.request }

// IsQuestion reports whether the request is a structured multi-question
// decision rather than a generic approval.
func (d *Decision) IsQuestion() bool { return len(d.questions) > 0 }

// Questions returns the request's questions.
func (d *Decision) Questions() []Question { return d.questions }

// autoSubmits reports whether selecting an option resolves the request at once.
func (d *Decision) autoSubmits() bool {
	return len(d.questions) == 1 && !d.questions[0].MultiSelect
}

// Select picks an option of question q. Single-select questions replace the
// selection, multi-select questions toggle it. When the request holds exactly
// one single-select question the selection resolves the request immediately:
// resolved is true and result carries that single answer.
func (d *Decision) Select(q int, label string) (result Result, resolved bool, err error) {
	if q < 0 || q >= len(d.questions) {
		return Result{}, false, fmt.Errorf("%w: %d", ErrUnknownQuestion, q+1)
	}
	question := d.questions[q]
	if !slices.ContainsFunc(question.Options, func(o Option) bool { return o.Label == label }) {
		return Result{}, false, fmt.Errorf("%w: %q", ErrUnknownOption, label)
	}

	if d.autoSubmits() {
		return d.allowWith(map[string]string{question.Question: label}), true, nil
	}

	current := d.selected[q]
	switch {
	case !question.MultiSelect:
		d.selected[q] = []string{label}
	case slices.Contains(current, label):
		d.selected[q] = slices.DeleteFunc(slices.Clone(current), func(s string) bool { return s == label })
	default:
		d.selected[q] = append(slices.Clone(current), label)
	}
	return Result{}, false, nil
}

// Selected returns the current selections of question q.
func (d *Decision) Selected(q int) []string {
	return slices.Clone(d.selected[q])
}

// SetOther sets the free-text answer of question q.
func (d *Decision) SetOther(q int, text string) error {
	if q < 0 || q >= len(d.questions) {
		return fmt.Errorf("%w: %d", ErrUnknownQuestion, q+1)
	}
	d.other[q] = text
	return nil
}

// CanSubmit reports whether every question has a selection or non-blank
// free text.
func (d *Decision) CanSubmit() bool {
	for i := range d.questions {
		if len(d.selected[i]) == 0 && strings.TrimSpace(d.other[i]) == "" {
			return false
		}
	}
	return true
}

// Answers builds the answer of every answered question, keyed by question
// text. Multi-select answers join the selections and the trimmed free text;
// single-select answers prefer the free text over the first selection.
func (d *Decision) Answers() map[string]string {
	answers := make(map[string]string)
	for i, q := range d.questions {
		selected := d.selected[i]
		otherText := strings.TrimSpace(d.other[i])

		var value string
		if q.MultiSelect {
			combined := slices.Clone(selected)
			if otherText != "" {
				combined = append(combined, otherText)
			}
			value = strings.Join(combined, answerSeparator)
		} else {
			value = otherText
			if value == "" && len(selected) > 0 {
				value = selected[0]
			}
		}
		if value != "" {
			answers[q.Question] = value
		}
	}
	return answers
}

// Submit resolves the request with the collected answers.
func (d *Decision) Submit() (Result, error) {
	if !d.CanSubmit() {
		return Result{}, ErrIncompleteAnswers
	}
	return d.allowWith(d.Answers()), nil
}

// Cancel resolves a question request with a deny outcome.
func (d *Decision) Cancel() Result {
	return Deny(CancelMessage)
}

// allowWith returns an allow result whose input is a copy of the original
// input with the answers set.
func (d *Decision) allowWith(answers map[string]string) Result {
	input := make(map[string]any, len(d.request.Input)+1)
	for k, v := range d.request.Input {
		input[k] = v
	}
	input["answers"] = answers
	return Allow(input)
}
