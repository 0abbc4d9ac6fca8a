//go:build windows

package process

import "strings"

func samePath(a, b string) bool { return strings.EqualFold(a, b) }
