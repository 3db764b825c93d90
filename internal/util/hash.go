package util

import "encoding/hex"

// PrettyHash shortens a key for log output: the first and last three bytes
// in hex joined by "..". Inputs of six bytes or fewer are printed in full.
func PrettyHash(b []byte) string {
	if len(b) <= 6 {
		return hex.EncodeToString(b)
	}
	return hex.EncodeToString(b[:3]) + ".." + hex.EncodeToString(b[len(b)-3:])
}
