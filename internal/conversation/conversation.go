// Package conversation builds and canonicalizes conversation identifiers.
//
// A direct-message conversation is identified as dm#<userA>___<userB> with the two
// user ids in sorted order, so both participants derive the same id. Project
// conversations use project#<projectId> and are treated as opaque.
package conversation

import (
	"sort"
	"strings"
)

const (
	dmPrefix      = "dm#"
	projectPrefix = "project#"
	separator     = "___"
)

// Type is the kind of conversation an identifier refers to.
type Type string

const (
	TypeDM      Type = "dm"
	TypeProject Type = "project"
	TypeUnknown Type = ""
)

// Canonicalize returns the canonical form of id. Only dm# identifiers whose
// remainder splits into exactly two non-empty user ids are rewritten; anything
// else is returned unchanged.
func Canonicalize(id string) string {
	if !strings.HasPrefix(id, dmPrefix) {
		return id
	}
	parts := strings.Split(strings.TrimPrefix(id, dmPrefix), separator)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return id
	}
	sort.Strings(parts)
	return dmPrefix + parts[0] + separator + parts[1]
}

// DM returns the canonical identifier for a conversation between two users.
func DM(a, b string) string {
	return Canonicalize(dmPrefix + a + separator + b)
}

// Project returns the identifier for a project channel.
func Project(projectID string) string {
	return projectPrefix + projectID
}

// TypeOf classifies id by its prefix.
func TypeOf(id string) Type {
	switch {
	case strings.HasPrefix(id, dmPrefix):
		return TypeDM
	case strings.HasPrefix(id, projectPrefix):
		return TypeProject
	default:
		return TypeUnknown
	}
}

// ProjectID extracts the project id from a project identifier.
func ProjectID(id string) (string, bool) {
	if !strings.HasPrefix(id, projectPrefix) {
		return "", false
	}
	pid := strings.TrimPrefix(id, projectPrefix)
	return pid, pid != ""
}

// Participants returns the two user ids of a well-formed DM identifier.
func Participants(id string) (string, string, bool) {
	if !isWellFormedDM(id) {
		return "", "", false
	}
	parts := strings.Split(strings.TrimPrefix(Canonicalize(id), dmPrefix), separator)
	return parts[0], parts[1], true
}

// Peer returns the participant of a DM that is not self.
func Peer(id, self string) (string, bool) {
	a, b, ok := Participants(id)
	if !ok {
		return "", false
	}
	switch self {
	case a:
		return b, true
	case b:
		return a, true
	default:
		return "", false
	}
}

func isWellFormedDM(id string) bool {
	if !strings.HasPrefix(id, dmPrefix) {
		return false
	}
	parts := strings.Split(strings.TrimPrefix(id, dmPrefix), separator)
	return len(parts) == 2 && parts[0] != "" && parts[1] != ""
}
