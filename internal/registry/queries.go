package registry

import "herd"

// Queries read the local indexes directly without contacting the scope
// task; they reflect the eventually consistent view.

// Members lists every (member, meta) pair in group, any owner.
func (s *Scope) Members(group string) []herd.MemberInfo {
	return s.store.MembersOf(group)
}

// LocalMembers restricts Members to entries owned by this node.
func (s *Scope) LocalMembers(group string) []herd.MemberInfo {
	return s.store.LocalMembersOf(group, s.self)
}

// IsMember reports whether m is in group on this node's view.
func (s *Scope) IsMember(group string, m herd.Member) bool {
	_, ok := s.store.Get(group, m)
	return ok
}

// IsLocalMember reports whether m is in group and owned by this node.
func (s *Scope) IsLocalMember(group string, m herd.Member) bool {
	e, ok := s.store.Get(group, m)
	return ok && e.Owner == s.self
}

// GroupNames lists the groups with at least one member. With a
// non-empty node it lists groups with at least one entry owned by that
// node.
func (s *Scope) GroupNames(node string) []string {
	return s.store.GroupNames(node)
}

// Count is the cardinality of the deduplicated group-name set,
// optionally restricted to node.
func (s *Scope) Count(node string) int {
	return len(s.store.GroupNames(node))
}
