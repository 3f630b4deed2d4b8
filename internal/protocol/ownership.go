package protocol

import "slices"

// OwnerOf returns the project owner. Ownership is positional: whoever is
// first in Users owns the project. ok is false for a project without users.
func OwnerOf(p Project) (owner Participant, ok bool) {
	if len(p.Users) == 0 {
		return Participant{}, false
	}
	return p.Users[0], true
}

// IsOwner reports whether id owns p.
func IsOwner(p Project, id string) bool {
	owner, ok := OwnerOf(p)
	return ok && owner.ID == id
}

// IsMember reports whether id is among p's users.
func IsMember(p Project, id string) bool {
	return slices.ContainsFunc(p.Users, func(u Participant) bool { return u.ID == id })
}

// CanDelete reports whether actor may delete p.
func CanDelete(p Project, actor string) bool {
	return IsOwner(p, actor)
}

// RemovableBy lists the members actor may remove: everyone except the owner
// and actor itself.
func RemovableBy(p Project, actor string) []Participant {
	owner, _ := OwnerOf(p)
	out := make([]Participant, 0, len(p.Users))
	for _, u := range p.Users {
		if u.ID == actor || u.ID == owner.ID {
			continue
		}
		out = append(out, u)
	}
	return out
}

// AddCandidates filters directory down to users not yet in p. The assistant
// sentinel is never a candidate.
func AddCandidates(p Project, directory []Participant) []Participant {
	out := make([]Participant, 0, len(directory))
	for _, u := range directory {
		if u.IsAssistant() || IsMember(p, u.ID) {
			continue
		}
		out = append(out, u)
	}
	return out
}
