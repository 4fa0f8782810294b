//go:build windows

package diskspace

import "golang.org/x/sys/windows"

// Free returns the bytes available to the caller on the volume holding path.
func Free(path string) (uint64, error) {
	p, err := windows.UTF16PtrFromString(path)
	if err != nil {
		return 0, wrap(path, err)
	}
	var avail, total, totalFree uint64
	if err := windows.GetDiskFreeSpaceEx(p, &avail, &total, &totalFree); err != nil {
		return 0, wrap(path, err)
	}
	return avail, nil
}
