//go:build !windows

package process

func samePath(a, b string) bool { return a == b }
