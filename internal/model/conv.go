package model

import "strconv"

// Itoa formats n in base 10 into a stack buffer; key builders call it on
// every bar.
func Itoa(n int) string {
	var buf [20]byte
	return string(strconv.AppendInt(buf[:0], int64(n), 10))
}
