//go:build darwin

package fsservice

import (
	"io/fs"
	"syscall"
)

func ctime(info fs.FileInfo) int64 {
	if st, ok := info.Sys().(*syscall.Stat_t); ok {
		return st.Ctimespec.Sec
	}
	return info.ModTime().Unix()
}
