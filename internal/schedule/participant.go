package schedule

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

type ParticipantKind string

const (
	ParticipantUser ParticipantKind = "user"
	ParticipantRole ParticipantKind = "role"
)

// Participant is a typed mention reference: a single user or a whole role.
type Participant struct {
	Kind ParticipantKind
	ID   int64
}

var ErrBadParticipant = errors.New("schedule: malformed participant reference")

// String renders the canonical "user:<id>" / "role:<id>" storage form.
func (p Participant) String() string {
	return fmt.Sprintf("%s:%d", p.Kind, p.ID)
}

// ParseParticipant reads the canonical storage form.
func ParseParticipant(s string) (Participant, error) {
	kind, idStr, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok {
		return Participant{}, fmt.Errorf("%w: %q", ErrBadParticipant, s)
	}
	id, err := strconv.ParseInt(idStr, 10, 64)
	if err != nil {
		return Participant{}, fmt.Errorf("%w: %q", ErrBadParticipant, s)
	}
	switch ParticipantKind(kind) {
	case ParticipantUser, ParticipantRole:
		return Participant{Kind: ParticipantKind(kind), ID: id}, nil
	default:
		return Participant{}, fmt.Errorf("%w: unknown kind in %q", ErrBadParticipant, s)
	}
}

// DedupParticipants removes duplicates while preserving first-seen order.
func DedupParticipants(ps []Participant) []Participant {
	seen := make(map[Participant]struct{}, len(ps))
	out := make([]Participant, 0, len(ps))
	for _, p := range ps {
		if _, dup := seen[p]; dup {
			continue
		}
		seen[p] = struct{}{}
		out = append(out, p)
	}
	return out
}

// FormatParticipants joins the storage forms with commas; ParseParticipants
// is its inverse. Used only at the persistence boundary.
func FormatParticipants(ps []Participant) string {
	parts := make([]string, 0, len(ps))
	for _, p := range ps {
		parts = append(parts, p.String())
	}
	return strings.Join(parts, ",")
}

func ParseParticipants(s string) ([]Participant, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	fields := strings.Split(s, ",")
	out := make([]Participant, 0, len(fields))
	for _, f := range fields {
		p, err := ParseParticipant(f)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return DedupParticipants(out), nil
}
