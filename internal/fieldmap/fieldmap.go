// Package fieldmap translates status, priority, and type values across the
// three backend vocabularies. All functions are pure and total: unrecognized
// input yields an *UnknownValueError, never a silent default, so callers can
// classify the entity as malformed and skip it.
package fieldmap

import "fmt"

// PrimaryStatus is the canonical status vocabulary of the Primary tracker.
type PrimaryStatus string

const (
	PrimaryBacklog    PrimaryStatus = "Backlog"
	PrimaryTodo       PrimaryStatus = "Todo"
	PrimaryInProgress PrimaryStatus = "InProgress"
	PrimaryDone       PrimaryStatus = "Done"
	PrimaryCancelled  PrimaryStatus = "Cancelled"
)

// BoardStatus is the Board's task column vocabulary.
type BoardStatus string

const (
	BoardTodo       BoardStatus = "todo"
	BoardInProgress BoardStatus = "inprogress"
	BoardInReview   BoardStatus = "inreview"
	BoardDone       BoardStatus = "done"
	BoardCancelled  BoardStatus = "cancelled"
)

// LocalStatus is the Local store's coarse open/closed vocabulary.
type LocalStatus string

const (
	LocalOpen   LocalStatus = "open"
	LocalClosed LocalStatus = "closed"
)

// Priority is the 5-level Primary priority.
type Priority string

const (
	PriorityNone   Priority = "NoPriority"
	PriorityLow    Priority = "Low"
	PriorityMedium Priority = "Medium"
	PriorityHigh   Priority = "High"
	PriorityUrgent Priority = "Urgent"
)

// IssueType is the shared issue type vocabulary, identity-mapped across
// backends.
type IssueType string

const (
	TypeTask    IssueType = "task"
	TypeBug     IssueType = "bug"
	TypeFeature IssueType = "feature"
	TypeEpic    IssueType = "epic"
	TypeChore   IssueType = "chore"
)

// UnknownValueError reports a value outside the axis vocabulary.
type UnknownValueError struct {
	Axis  string
	Value string
}

func (e *UnknownValueError) Error() string {
	return fmt.Sprintf("unrecognized %s value %q", e.Axis, e.Value)
}

func unknown(axis, value string) error {
	return &UnknownValueError{Axis: axis, Value: value}
}

// ParsePrimaryStatus validates a raw Primary status string.
func ParsePrimaryStatus(s string) (PrimaryStatus, error) {
	switch PrimaryStatus(s) {
	case PrimaryBacklog, PrimaryTodo, PrimaryInProgress, PrimaryDone, PrimaryCancelled:
		return PrimaryStatus(s), nil
	}
	return "", unknown("primary status", s)
}

// ParseBoardStatus validates a raw Board status string.
func ParseBoardStatus(s string) (BoardStatus, error) {
	switch BoardStatus(s) {
	case BoardTodo, BoardInProgress, BoardInReview, BoardDone, BoardCancelled:
		return BoardStatus(s), nil
	}
	return "", unknown("board status", s)
}

// ParseLocalStatus validates a raw Local status string.
func ParseLocalStatus(s string) (LocalStatus, error) {
	switch LocalStatus(s) {
	case LocalOpen, LocalClosed:
		return LocalStatus(s), nil
	}
	return "", unknown("local status", s)
}

// ParseIssueType validates a raw issue type string.
func ParseIssueType(s string) (IssueType, error) {
	switch IssueType(s) {
	case TypeTask, TypeBug, TypeFeature, TypeEpic, TypeChore:
		return IssueType(s), nil
	}
	return "", unknown("issue type", s)
}

// PrimaryToBoard maps a Primary status onto a Board column.
func PrimaryToBoard(s PrimaryStatus) (BoardStatus, error) {
	switch s {
	case PrimaryBacklog, PrimaryTodo:
		return BoardTodo, nil
	case PrimaryInProgress:
		return BoardInProgress, nil
	case PrimaryDone:
		return BoardDone, nil
	case PrimaryCancelled:
		return BoardCancelled, nil
	}
	return "", unknown("primary status", string(s))
}

// BoardToPrimary maps a Board column back onto a Primary status.
//
// The forward table collapses Backlog and Todo into the same column, so the
// reverse direction is ambiguous for "todo": when the last-known Primary
// status already maps to todo, it is preserved and no change is emitted.
// "inreview" has no Primary counterpart and maps to InProgress.
func BoardToPrimary(b BoardStatus, fallback PrimaryStatus) (PrimaryStatus, error) {
	switch b {
	case BoardTodo:
		if fallback == PrimaryBacklog || fallback == PrimaryTodo {
			return fallback, nil
		}
		return PrimaryTodo, nil
	case BoardInProgress, BoardInReview:
		return PrimaryInProgress, nil
	case BoardDone:
		return PrimaryDone, nil
	case BoardCancelled:
		return PrimaryCancelled, nil
	}
	return "", unknown("board status", string(b))
}

// PrimaryToLocal collapses a Primary status onto the Local open/closed axis.
func PrimaryToLocal(s PrimaryStatus) (LocalStatus, error) {
	switch s {
	case PrimaryBacklog, PrimaryTodo, PrimaryInProgress:
		return LocalOpen, nil
	case PrimaryDone, PrimaryCancelled:
		return LocalClosed, nil
	}
	return "", unknown("primary status", string(s))
}

// LocalToPrimary lifts a Local observation back onto the Primary axis.
//
// Local is coarser than Primary, so the current Primary status decides the
// result wherever the Local value carries no new information: closed keeps
// Cancelled (never resurrects it to Done), and open keeps any already-open
// Primary status rather than demoting it.
func LocalToPrimary(l LocalStatus, current PrimaryStatus) (PrimaryStatus, error) {
	switch l {
	case LocalClosed:
		if current == PrimaryCancelled {
			return PrimaryCancelled, nil
		}
		return PrimaryDone, nil
	case LocalOpen:
		if current == PrimaryDone || current == PrimaryCancelled {
			return PrimaryInProgress, nil
		}
		return current, nil
	}
	return "", unknown("local status", string(l))
}

// PriorityToLocal maps a Primary priority to the Local 1..5 numeric scale,
// 1 being most urgent.
func PriorityToLocal(p Priority) (int, error) {
	switch p {
	case PriorityUrgent:
		return 1, nil
	case PriorityHigh:
		return 2, nil
	case PriorityMedium:
		return 3, nil
	case PriorityLow:
		return 4, nil
	case PriorityNone:
		return 5, nil
	}
	return 0, unknown("priority", string(p))
}

// PriorityFromLocal maps a Local numeric priority back to the Primary scale.
func PriorityFromLocal(n int) (Priority, error) {
	switch n {
	case 1:
		return PriorityUrgent, nil
	case 2:
		return PriorityHigh, nil
	case 3:
		return PriorityMedium, nil
	case 4:
		return PriorityLow, nil
	case 5:
		return PriorityNone, nil
	}
	return "", unknown("priority", fmt.Sprintf("%d", n))
}
