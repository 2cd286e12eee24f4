package msi

import "strings"

// Stream names inside the compound file are packed two characters per
// UTF-16 unit from a 64-symbol alphabet. Tables carry an extra marker unit.
const (
	tableMarker = 0x4840
	pairBase    = 0x3800
	singleBase  = 0x4800
	nameAlpha   = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz._"
)

// decodeStreamName reverses the stream name packing and reports whether
// the stream holds a table.
func decodeStreamName(raw string) (string, bool) {
	var b strings.Builder
	table := false
	for i, r := range raw {
		switch {
		case i == 0 && r == tableMarker:
			table = true
		case r >= pairBase && r < singleBase:
			v := r - pairBase
			b.WriteByte(nameAlpha[v&0x3F])
			b.WriteByte(nameAlpha[v>>6])
		case r >= singleBase && r < tableMarker:
			b.WriteByte(nameAlpha[r-singleBase])
		default:
			b.WriteRune(r)
		}
	}
	return b.String(), table
}

