package model

import (
	"os"
	"os/user"
	"strconv"
)

// Caller is the OS identity invoking an operation.
type Caller struct {
	UID  int
	Name string
}

// CurrentCaller resolves the identity of the running process. The name falls
// back to the numeric uid when the user database has no entry.
func CurrentCaller() Caller {
	uid := os.Getuid()
	name := strconv.Itoa(uid)
	if u, err := user.LookupId(name); err == nil {
		name = u.Username
	}
	return Caller{UID: uid, Name: name}
}
