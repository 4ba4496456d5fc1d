// Package csvutil provides the minimal positional-CSV splitting shared by
// the Delta3 CSV wire form and the SMDR record stream: split on commas,
// but not commas that appear inside a double-quoted field.
package csvutil

import "strings"

// SplitQuoted splits line on commas, treating a double-quoted span as a
// single field and stripping the surrounding quotes from its value.
func SplitQuoted(line string) []string {
	var fields []string
	var cur strings.Builder
	inQuotes := false

	for i := 0; i < len(line); i++ {
		c := line[i]
		switch {
		case c == '"':
			inQuotes = !inQuotes
		case c == ',' && !inQuotes:
			fields = append(fields, cur.String())
			cur.Reset()
		default:
			cur.WriteByte(c)
		}
	}
	fields = append(fields, cur.String())
	return fields
}

// Field returns fields[i] or "" if out of range.
func Field(fields []string, i int) string {
	if i < 0 || i >= len(fields) {
		return ""
	}
	return fields[i]
}
