package rbac

import (
	"context"
	"errors"
	"fmt"
)

// RoleChain walks parent pointers upward from roleID and returns the chain
// ordered parent-first, self-last. The walk stops after MaxHierarchyDepth
// roles, on a revisited role, or at a dangling parent pointer; in those cases
// truncated is true and the partial chain is returned without error.
func (s *Store) RoleChain(ctx context.Context, roleID int64) (chain []int64, truncated bool, err error) {
	seen := make(map[int64]bool, MaxHierarchyDepth)
	current := roleID

	for {
		if seen[current] || len(chain) == MaxHierarchyDepth {
			truncated = true
			break
		}

		parent, err := s.GetParentRoleID(ctx, current)
		if errors.Is(err, ErrNotFound) {
			truncated = true
			break
		}
		if err != nil {
			return nil, false, err
		}

		seen[current] = true
		chain = append(chain, current)

		if parent == nil {
			break
		}
		current = *parent
	}

	for i, j := 0, len(chain)-1; i < j; i, j = i+1, j-1 {
		chain[i], chain[j] = chain[j], chain[i]
	}
	return chain, truncated, nil
}

// Descendants returns roleID followed by every role below it, breadth-first.
// At most MaxHierarchyDepth levels below roleID are visited and each role is
// returned once even if the stored hierarchy contains a cycle.
func (s *Store) Descendants(ctx context.Context, roleID int64) ([]int64, error) {
	ids, _, err := s.descendants(ctx, roleID)
	return ids, err
}

// descendants also reports the subtree height, counting roleID as 1
func (s *Store) descendants(ctx context.Context, roleID int64) ([]int64, int, error) {
	result := []int64{roleID}
	seen := map[int64]bool{roleID: true}
	frontier := []int64{roleID}
	height := 1

	for level := 0; level < MaxHierarchyDepth && len(frontier) > 0; level++ {
		children, err := s.GetChildRoleIDs(ctx, frontier)
		if err != nil {
			return nil, 0, err
		}

		var next []int64
		for _, id := range children {
			if seen[id] {
				continue
			}
			seen[id] = true
			result = append(result, id)
			next = append(next, id)
		}
		if len(next) > 0 {
			height++
		}
		frontier = next
	}

	return result, height, nil
}

// ValidateHierarchy checks that making parentRoleID the parent of childRoleID
// keeps the hierarchy acyclic and within MaxHierarchyDepth. childRoleID is nil
// for a role that does not exist yet. When the child already has descendants
// the deepest of them must also stay within the bound.
func (s *Store) ValidateHierarchy(ctx context.Context, parentRoleID int64, childRoleID *int64) error {
	if childRoleID != nil && *childRoleID == parentRoleID {
		return fmt.Errorf("%w: role %d cannot be its own parent", ErrValidation, parentRoleID)
	}

	height := 1
	if childRoleID != nil {
		var err error
		if _, height, err = s.descendants(ctx, *childRoleID); err != nil {
			return err
		}
	}

	seen := make(map[int64]bool, MaxHierarchyDepth)
	current := parentRoleID
	depth := 0

	for {
		if childRoleID != nil && current == *childRoleID {
			return fmt.Errorf("%w: role %d is an ancestor of role %d, assignment would create a cycle",
				ErrValidation, *childRoleID, parentRoleID)
		}
		if seen[current] {
			return fmt.Errorf("%w: role hierarchy above role %d contains a cycle", ErrValidation, parentRoleID)
		}
		seen[current] = true
		depth++

		if depth+height > MaxHierarchyDepth {
			return fmt.Errorf("%w: role hierarchy would exceed maximum depth of %d", ErrValidation, MaxHierarchyDepth)
		}

		parent, err := s.GetParentRoleID(ctx, current)
		if errors.Is(err, ErrNotFound) {
			if current == parentRoleID {
				return fmt.Errorf("parent role %d: %w", parentRoleID, ErrNotFound)
			}
			break
		}
		if err != nil {
			return err
		}
		if parent == nil {
			break
		}
		current = *parent
	}

	return nil
}
