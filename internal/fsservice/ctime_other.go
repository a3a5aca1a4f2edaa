//go:build !linux && !darwin

package fsservice

import "io/fs"

func ctime(info fs.FileInfo) int64 {
	return info.ModTime().Unix()
}
