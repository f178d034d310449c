package api

import (
	"fmt"
	"strings"
)

// Permission is a bitmask of capabilities carried by an access signature.
type Permission uint8

// Individual permission bits. The canonical string order is "rwcld".
const (
	PermissionRead Permission = 1 << iota
	PermissionWrite
	PermissionCreate
	PermissionList
	PermissionDelete
)

var permissionLetters = []struct {
	bit    Permission
	letter byte
}{
	{PermissionRead, 'r'},
	{PermissionWrite, 'w'},
	{PermissionCreate, 'c'},
	{PermissionList, 'l'},
	{PermissionDelete, 'd'},
}

// ParsePermissions converts a permission string such as "rwl" into a bitmask.
// Letters may appear in any order; duplicates are rejected.
func ParsePermissions(s string) (Permission, error) {
	var perms Permission
	for i := 0; i < len(s); i++ {
		var bit Permission
		for _, entry := range permissionLetters {
			if entry.letter == s[i] {
				bit = entry.bit
				break
			}
		}
		if bit == 0 {
			return 0, fmt.Errorf("unknown permission letter %q", s[i])
		}
		if perms&bit != 0 {
			return 0, fmt.Errorf("duplicate permission letter %q", s[i])
		}
		perms |= bit
	}
	return perms, nil
}

// Has reports whether all bits in required are present.
func (p Permission) Has(required Permission) bool {
	return p&required == required
}

// String renders the bitmask in canonical "rwcld" order.
func (p Permission) String() string {
	var b strings.Builder
	for _, entry := range permissionLetters {
		if p&entry.bit != 0 {
			b.WriteByte(entry.letter)
		}
	}
	return b.String()
}
