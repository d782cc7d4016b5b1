package modules

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"os/user"
	"path/filepath"
	"strconv"

	"github.com/convergo/convergo/pkg/engine"
)

// FileModule converges plain files and directories: existence, literal
// content, mode, and ownership. Content equality is decided by SHA-256.
// Writes go through a temp file in the target directory followed by a
// rename, so readers never observe a half-written file.
type FileModule struct{}

type fileDesired struct {
	path    string
	state   string
	content string
	hasCont bool
	mode    os.FileMode
	hasMode bool
	owner   string
	group   string
}

// Kind implements engine.Module.
func (m *FileModule) Kind() string { return "file" }

// Idempotent implements engine.Module.
func (m *FileModule) Idempotent() bool { return true }

// Probe implements engine.Module.
func (m *FileModule) Probe(_ context.Context, _ *engine.HostState, params map[string]any) (*engine.CurrentState, error) {
	d, err := fileParams(params)
	if err != nil {
		return nil, err
	}

	info, err := os.Lstat(d.path)
	exists := err == nil
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("stat %s: %w", d.path, err)
	}

	cs := &engine.CurrentState{Exists: exists, State: map[string]any{}}

	switch d.state {
	case "absent":
		cs.Satisfied = !exists
		if exists {
			cs.Detail = d.path + " exists"
		} else {
			cs.Detail = d.path + " absent"
		}
		return cs, nil

	case "directory":
		cs.Satisfied = exists && info.IsDir()
		if cs.Satisfied && d.hasMode {
			cs.Satisfied = info.Mode().Perm() == d.mode
		}
		return cs, nil
	}

	if !exists {
		cs.Detail = d.path + " missing"
		return cs, nil
	}
	if info.IsDir() {
		cs.Detail = d.path + " is a directory, want file"
		return cs, nil
	}

	satisfied := true
	if d.hasCont {
		sum, err := fileChecksum(d.path)
		if err != nil {
			return nil, err
		}
		want := contentChecksum([]byte(d.content))
		cs.State["checksum"] = sum
		if sum != want {
			satisfied = false
		}
	}
	if d.hasMode && info.Mode().Perm() != d.mode {
		satisfied = false
	}
	if ok, err := ownershipSatisfied(d.path, d.owner, d.group); err != nil {
		return nil, err
	} else if !ok {
		satisfied = false
	}

	cs.Satisfied = satisfied
	if satisfied {
		cs.Detail = d.path + " up to date"
	} else {
		cs.Detail = d.path + " differs from desired state"
	}
	return cs, nil
}

// Apply implements engine.Module.
func (m *FileModule) Apply(_ context.Context, _ *engine.HostState, params map[string]any) (*engine.Result, error) {
	d, err := fileParams(params)
	if err != nil {
		return nil, err
	}

	switch d.state {
	case "absent":
		if err := os.RemoveAll(d.path); err != nil {
			return nil, fmt.Errorf("remove %s: %w", d.path, err)
		}
		return &engine.Result{Changed: true, Detail: "removed " + d.path}, nil

	case "directory":
		mode := d.mode
		if !d.hasMode {
			mode = 0o755
		}
		if err := os.MkdirAll(d.path, mode); err != nil {
			return nil, fmt.Errorf("mkdir %s: %w", d.path, err)
		}
		if d.hasMode {
			if err := os.Chmod(d.path, d.mode); err != nil {
				return nil, fmt.Errorf("chmod %s: %w", d.path, err)
			}
		}
		if err := applyOwnership(d.path, d.owner, d.group); err != nil {
			return nil, err
		}
		return &engine.Result{Changed: true, Detail: "created directory " + d.path}, nil
	}

	if d.hasCont {
		if err := writeFileAtomic(d.path, []byte(d.content), d.fileMode()); err != nil {
			return nil, err
		}
	} else if _, err := os.Stat(d.path); os.IsNotExist(err) {
		if err := writeFileAtomic(d.path, nil, d.fileMode()); err != nil {
			return nil, err
		}
	}
	if d.hasMode {
		if err := os.Chmod(d.path, d.mode); err != nil {
			return nil, fmt.Errorf("chmod %s: %w", d.path, err)
		}
	}
	if err := applyOwnership(d.path, d.owner, d.group); err != nil {
		return nil, err
	}

	return &engine.Result{
		Changed: true,
		Detail:  "wrote " + d.path,
		Output:  map[string]any{"checksum": contentChecksum([]byte(d.content))},
	}, nil
}

func (d *fileDesired) fileMode() os.FileMode {
	if d.hasMode {
		return d.mode
	}
	return 0o644
}

func fileParams(params map[string]any) (*fileDesired, error) {
	path, err := stringParam(params, "path")
	if err != nil {
		return nil, err
	}
	state, err := optionalString(params, "state", "present")
	if err != nil {
		return nil, err
	}
	switch state {
	case "present", "absent", "directory":
	default:
		return nil, fmt.Errorf("invalid state: %s", state)
	}

	d := &fileDesired{path: path, state: state}
	if v, ok := params["content"]; ok {
		s, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("parameter content must be a string, got %T", v)
		}
		d.content = s
		d.hasCont = true
	}
	if v, ok := params["mode"]; ok {
		s, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("parameter mode must be an octal string, got %T", v)
		}
		parsed, err := strconv.ParseUint(s, 8, 32)
		if err != nil {
			return nil, fmt.Errorf("invalid mode %q: %w", s, err)
		}
		d.mode = os.FileMode(parsed)
		d.hasMode = true
	}
	if d.owner, err = optionalString(params, "owner", ""); err != nil {
		return nil, err
	}
	if d.group, err = optionalString(params, "group", ""); err != nil {
		return nil, err
	}
	return d, nil
}

func writeFileAtomic(path string, data []byte, mode os.FileMode) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".convergo-*")
	if err != nil {
		return fmt.Errorf("create temp in %s: %w", dir, err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write %s: %w", path, err)
	}
	if err := tmp.Chmod(mode); err != nil {
		tmp.Close()
		return fmt.Errorf("chmod %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close %s: %w", path, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("rename to %s: %w", path, err)
	}
	return nil
}

func fileChecksum(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read %s: %w", path, err)
	}
	return contentChecksum(data), nil
}

func contentChecksum(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func resolveIDs(owner, group string) (uid, gid int, err error) {
	uid, gid = -1, -1
	if owner != "" {
		u, err := user.Lookup(owner)
		if err != nil {
			return -1, -1, fmt.Errorf("lookup user %s: %w", owner, err)
		}
		uid, _ = strconv.Atoi(u.Uid)
	}
	if group != "" {
		g, err := user.LookupGroup(group)
		if err != nil {
			return -1, -1, fmt.Errorf("lookup group %s: %w", group, err)
		}
		gid, _ = strconv.Atoi(g.Gid)
	}
	return uid, gid, nil
}

func applyOwnership(path, owner, group string) error {
	if owner == "" && group == "" {
		return nil
	}
	uid, gid, err := resolveIDs(owner, group)
	if err != nil {
		return err
	}
	if err := os.Chown(path, uid, gid); err != nil {
		return fmt.Errorf("chown %s: %w", path, err)
	}
	return nil
}

func ownershipSatisfied(path, owner, group string) (bool, error) {
	if owner == "" && group == "" {
		return true, nil
	}
	uid, gid, err := resolveIDs(owner, group)
	if err != nil {
		return false, err
	}
	st, err := statIDs(path)
	if err != nil {
		return false, err
	}
	if uid >= 0 && st.uid != uid {
		return false, nil
	}
	if gid >= 0 && st.gid != gid {
		return false, nil
	}
	return true, nil
}
