package datastore

import (
	"strconv"
	"strings"
)

// Role is an access level on a shareable datastore, totally ordered
// Owner > Editor > Viewer > None.
type Role int

const (
	// RoleNone grants no access at all.
	RoleNone Role = iota
	// RoleViewer grants read-only access.
	RoleViewer
	// RoleEditor grants read-write access, including changing roles for
	// principals other than owners.
	RoleEditor
	// RoleOwner grants full access; an owner's role cannot be changed or
	// removed.
	RoleOwner
)

// Numeric role codes used by the wire protocol.
const (
	roleCodeOwner  = 3000
	roleCodeEditor = 2000
	roleCodeViewer = 1000
	roleCodeNone   = 0
)

func (r Role) String() string {
	switch r {
	case RoleOwner:
		return "owner"
	case RoleEditor:
		return "editor"
	case RoleViewer:
		return "viewer"
	default:
		return "none"
	}
}

// ParseRole maps a role name to a Role.
func ParseRole(name string) (Role, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "owner":
		return RoleOwner, nil
	case "editor":
		return RoleEditor, nil
	case "viewer":
		return RoleViewer, nil
	case "none":
		return RoleNone, nil
	default:
		return RoleNone, validationf("unknown role %q", name)
	}
}

// Code returns the wire code for a role.
func (r Role) Code() int64 {
	switch r {
	case RoleOwner:
		return roleCodeOwner
	case RoleEditor:
		return roleCodeEditor
	case RoleViewer:
		return roleCodeViewer
	default:
		return roleCodeNone
	}
}

// RoleFromCode classifies a numeric role code from the server. Codes
// outside the known set are truncated down to the nearest known role; the
// lossiness is a deliberate forward-compatibility policy, letting old
// clients make sense of roles introduced later.
func RoleFromCode(code int64) Role {
	switch {
	case code >= roleCodeOwner:
		return RoleOwner
	case code >= roleCodeEditor:
		return RoleEditor
	case code >= roleCodeViewer:
		return RoleViewer
	default:
		return RoleNone
	}
}

// canEdit reports whether the role allows mutating the datastore.
func (r Role) canEdit() bool {
	return r == RoleOwner || r == RoleEditor
}

// Principal is an access-control subject: the team, the public, or a
// specific user identified by a positive numeric ID.
type Principal struct {
	key string
}

var (
	// Team is the principal used to get or modify the team-wide role.
	Team = Principal{key: "team"}
	// Public is the principal used to get or modify the public role.
	Public = Principal{key: "public"}
)

// User builds a principal for a specific user ID. The ID must be positive.
func User(uid int64) (Principal, error) {
	if uid <= 0 {
		return Principal{}, validationf("user principal id must be positive, got %d", uid)
	}
	return Principal{key: "u" + strconv.FormatInt(uid, 10)}, nil
}

// Key returns the principal's record key in the reserved ACL table.
func (p Principal) Key() string {
	return p.key
}

// IsZero reports whether the principal is the zero value.
func (p Principal) IsZero() bool {
	return p.key == ""
}

// principalFromKey recovers a principal from an ACL record key. Unknown
// keys are skipped by callers rather than treated as errors, mirroring the
// forward-compatibility stance of role decoding.
func principalFromKey(key string) (Principal, bool) {
	switch {
	case key == Team.key:
		return Team, true
	case key == Public.key:
		return Public, true
	case strings.HasPrefix(key, "u"):
		uid, err := strconv.ParseInt(key[1:], 10, 64)
		if err != nil || uid <= 0 {
			return Principal{}, false
		}
		// Reject non-canonical spellings such as leading zeros.
		if "u"+strconv.FormatInt(uid, 10) != key {
			return Principal{}, false
		}
		return Principal{key: key}, true
	default:
		return Principal{}, false
	}
}
