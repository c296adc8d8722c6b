package config

import (
	"fmt"
	"os/user"
	"path/filepath"
	"strconv"
)

// CallerIdentity is the validated peer identity of spec.md §3
// ("Caller identity"): uid, gid, user name, absolute home directory,
// pid and requested subconfig number.
type CallerIdentity struct {
	UID        uint32
	GID        uint32
	UserName   string
	Home       string
	PID        int32
	SubconfigN int
}

// ResolveCaller cross-checks a peer-credential (uid, gid, pid) against
// the password database and the §3 invariants: uid/gid at or above
// the configured minimums, uid/gid matching the password entry, and
// an absolute, canonicalized home directory.
func ResolveCaller(uid, gid uint32, pid int32, subconfig int, minUID, minGID uint32) (*CallerIdentity, error) {
	if uid < minUID {
		return nil, fmt.Errorf("%w: uid %d below minimum %d", errAuth, uid, minUID)
	}

	if gid < minGID {
		return nil, fmt.Errorf("%w: gid %d below minimum %d", errAuth, gid, minGID)
	}

	u, err := user.LookupId(strconv.FormatUint(uint64(uid), 10))
	if err != nil {
		return nil, fmt.Errorf("%w: looking up uid %d: %v", errAuth, uid, err)
	}

	pwUID, err := strconv.ParseUint(u.Uid, 10, 32)
	if err != nil || uint32(pwUID) != uid {
		return nil, fmt.Errorf("%w: uid mismatch for %q", errAuth, u.Username)
	}

	pwGID, err := strconv.ParseUint(u.Gid, 10, 32)
	if err != nil || uint32(pwGID) != gid {
		return nil, fmt.Errorf("%w: gid mismatch for %q", errAuth, u.Username)
	}

	if !filepath.IsAbs(u.HomeDir) {
		return nil, fmt.Errorf("%w: home directory %q not absolute", errAuth, u.HomeDir)
	}

	home, err := filepath.Abs(filepath.Clean(u.HomeDir))
	if err != nil {
		return nil, fmt.Errorf("%w: canonicalizing home directory: %v", errAuth, err)
	}

	return &CallerIdentity{
		UID:        uid,
		GID:        gid,
		UserName:   u.Username,
		Home:       home,
		PID:        pid,
		SubconfigN: subconfig,
	}, nil
}

// TargetUser is one of the two pre-configured target identities of
// spec.md §3 ("Target identity pair"): user1 (root-like installer) or
// user2 (builder).
type TargetUser struct {
	Name string
	UID  uint32
	GID  uint32
}

// ResolveTargetPair validates the target-identity-pair invariants of
// spec.md §3: both uids/gids at or above the minimum, both differing
// from the caller's and from each other, neither name equal to the
// caller's.
func ResolveTargetPair(name1, name2 string, caller *CallerIdentity, minUID, minGID uint32) (u1, u2 *TargetUser, err error) {
	u1, err = lookupTargetUser(name1, minUID, minGID)
	if err != nil {
		return nil, nil, err
	}

	u2, err = lookupTargetUser(name2, minUID, minGID)
	if err != nil {
		return nil, nil, err
	}

	if u1.UID == u2.UID || u1.GID == u2.GID {
		return nil, nil, fmt.Errorf("%w: user1 and user2 must differ", errConfig)
	}

	if u1.UID == caller.UID || u2.UID == caller.UID {
		return nil, nil, fmt.Errorf("%w: target uid equals caller uid", errConfig)
	}

	if u1.GID == caller.GID || u2.GID == caller.GID {
		return nil, nil, fmt.Errorf("%w: target gid equals caller gid", errConfig)
	}

	if u1.Name == caller.UserName || u2.Name == caller.UserName {
		return nil, nil, fmt.Errorf("%w: target user name equals caller's", errConfig)
	}

	return u1, u2, nil
}

func lookupTargetUser(name string, minUID, minGID uint32) (*TargetUser, error) {
	u, err := user.Lookup(name)
	if err != nil {
		return nil, fmt.Errorf("%w: looking up user %q: %v", errConfig, name, err)
	}

	uid, err := strconv.ParseUint(u.Uid, 10, 32)
	if err != nil {
		return nil, fmt.Errorf("%w: bad uid for %q", errConfig, name)
	}

	gid, err := strconv.ParseUint(u.Gid, 10, 32)
	if err != nil {
		return nil, fmt.Errorf("%w: bad gid for %q", errConfig, name)
	}

	if uint32(uid) < minUID {
		return nil, fmt.Errorf("%w: invalid uid for %q", errConfig, name)
	}

	if uint32(gid) < minGID {
		return nil, fmt.Errorf("%w: invalid gid for %q", errConfig, name)
	}

	return &TargetUser{Name: name, UID: uint32(uid), GID: uint32(gid)}, nil
}
