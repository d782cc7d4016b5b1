//go:build unix

package modules

import (
	"fmt"
	"os"
	"syscall"
)

type ownerIDs struct {
	uid int
	gid int
}

func statIDs(path string) (ownerIDs, error) {
	info, err := os.Stat(path)
	if err != nil {
		return ownerIDs{}, fmt.Errorf("stat %s: %w", path, err)
	}
	st, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		return ownerIDs{}, fmt.Errorf("ownership not available for %s", path)
	}
	return ownerIDs{uid: int(st.Uid), gid: int(st.Gid)}, nil
}
