//go:build !windows

package diskspace

import "golang.org/x/sys/unix"

// Free returns the bytes available to unprivileged users on the volume holding path.
func Free(path string) (uint64, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(path, &st); err != nil {
		return 0, wrap(path, err)
	}
	return uint64(st.Bavail) * uint64(st.Bsize), nil
}
