package agreement

import "fmt"

// Status is the lifecycle state of an agreement. The set is closed: the only
// valid values are the four package variables below. The zero value is invalid.
type Status struct {
	name string
}

var (
	StatusPending   = Status{"pending"}
	StatusActive    = Status{"active"}
	StatusCompleted = Status{"completed"}
	StatusCanceled  = Status{"canceled"}
)

var statuses = map[string]Status{
	StatusPending.name:   StatusPending,
	StatusActive.name:    StatusActive,
	StatusCompleted.name: StatusCompleted,
	StatusCanceled.name:  StatusCanceled,
}

// ParseStatus maps a stored or wire value to a Status.
func ParseStatus(raw string) (Status, error) {
	s, ok := statuses[raw]
	if !ok {
		return Status{}, fmt.Errorf("agreement: unknown status %q", raw)
	}
	return s, nil
}

func (s Status) String() string {
	if s.name == "" {
		return "invalid"
	}
	return s.name
}

// Valid reports whether s is one of the known states.
func (s Status) Valid() bool {
	_, ok := statuses[s.name]
	return ok
}

// Terminal reports whether no further transition is possible from s.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCanceled
}

func (s Status) MarshalText() ([]byte, error) {
	if !s.Valid() {
		return nil, fmt.Errorf("agreement: marshal invalid status")
	}
	return []byte(s.name), nil
}

func (s *Status) UnmarshalText(text []byte) error {
	parsed, err := ParseStatus(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}
