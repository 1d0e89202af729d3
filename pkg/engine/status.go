package engine

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
)

// Severity orders statuses from harmless to most serious.
type Severity int

const (
	// SeverityOK indicates success.
	SeverityOK Severity = iota

	// SeverityInfo carries information that does not affect the outcome.
	SeverityInfo

	// SeverityWarning flags something the caller should look at. Warnings do
	// not block execution.
	SeverityWarning

	// SeverityError indicates failure.
	SeverityError

	// SeverityCancel indicates the operation was cancelled.
	SeverityCancel

	// SeverityCritical indicates rollback was incomplete and the target may be
	// left in an unknown state.
	SeverityCritical
)

func (s Severity) String() string {
	switch s {
	case SeverityOK:
		return "ok"
	case SeverityInfo:
		return "info"
	case SeverityWarning:
		return "warning"
	case SeverityError:
		return "error"
	case SeverityCancel:
		return "cancel"
	case SeverityCritical:
		return "critical"
	default:
		return fmt.Sprintf("severity(%d)", int(s))
	}
}

// MarshalJSON implements custom JSON marshaling for type-safe enum serialization.
func (s Severity) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// Status is a tree of outcomes. The effective severity of a status is the
// highest severity found anywhere in its tree.
type Status struct {
	Level    Severity  `json:"severity"`
	Code     string    `json:"code,omitempty"`
	Message  string    `json:"message"`
	Err      error     `json:"-"`
	Children []*Status `json:"children,omitempty"`
}

// OKStatus returns a successful status.
func OKStatus(message string) *Status {
	return &Status{Level: SeverityOK, Message: message}
}

// NewStatus returns a status with the given severity.
func NewStatus(level Severity, code, message string) *Status {
	return &Status{Level: level, Code: code, Message: message}
}

// ErrorStatus wraps err in a status. Undo errors get SeverityCritical,
// cancellation errors get SeverityCancel, and the code of the first
// EngineError in the chain is carried over.
func ErrorStatus(message string, err error) *Status {
	level := SeverityError
	switch {
	case IsUndo(err):
		level = SeverityCritical
	case IsCancelled(err):
		level = SeverityCancel
	}
	return &Status{Level: level, Code: CodeOf(err), Message: message, Err: err}
}

// Add appends child statuses and returns s.
func (s *Status) Add(children ...*Status) *Status {
	for _, c := range children {
		if c != nil {
			s.Children = append(s.Children, c)
		}
	}
	return s
}

// Severity returns the highest severity in the tree.
func (s *Status) Severity() Severity {
	if s == nil {
		return SeverityOK
	}
	highest := s.Level
	for _, c := range s.Children {
		if sev := c.Severity(); sev > highest {
			highest = sev
		}
	}
	return highest
}

// IsOK reports whether the status permits going ahead: nothing in the tree
// is an error or a cancellation.
func (s *Status) IsOK() bool {
	return s.Severity() < SeverityError
}

// HasCode reports whether any node in the tree carries code.
func (s *Status) HasCode(code string) bool {
	if s == nil {
		return false
	}
	if s.Code == code {
		return true
	}
	for _, c := range s.Children {
		if c.HasCode(code) {
			return true
		}
	}
	return false
}

// RequiresManualIntervention reports whether rollback was incomplete.
func (s *Status) RequiresManualIntervention() bool {
	return s.HasCode(ErrCodeRollbackIncomplete)
}

// Cause returns the errors in the tree joined together, or nil.
func (s *Status) Cause() error {
	if s == nil {
		return nil
	}
	var errs []error
	s.walk(0, func(_ int, n *Status) {
		if n.Err != nil {
			errs = append(errs, n.Err)
		}
	})
	return errors.Join(errs...)
}

func (s *Status) walk(depth int, fn func(int, *Status)) {
	fn(depth, s)
	for _, c := range s.Children {
		c.walk(depth+1, fn)
	}
}

// Print writes the status tree to w, one node per line, children indented
// one space per level below their parent.
func (s *Status) Print(w io.Writer) error {
	if s == nil {
		return nil
	}
	var b strings.Builder
	s.walk(0, func(depth int, n *Status) {
		b.WriteString(strings.Repeat(" ", depth))
		b.WriteString(n.line())
		b.WriteByte('\n')
	})
	_, err := io.WriteString(w, b.String())
	return err
}

func (s *Status) line() string {
	msg := s.Message
	if s.Err != nil && !strings.Contains(msg, s.Err.Error()) {
		if msg == "" {
			msg = s.Err.Error()
		} else {
			msg += ": " + s.Err.Error()
		}
	}
	if s.Level >= SeverityWarning {
		return fmt.Sprintf("[%s] %s", s.Level, msg)
	}
	return msg
}

func (s *Status) String() string {
	var b strings.Builder
	_ = s.Print(&b)
	return strings.TrimRight(b.String(), "\n")
}
