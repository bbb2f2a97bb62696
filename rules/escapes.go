package rules

// escapes maps \a..\z to their expansion; letters without a special
// meaning expand to themselves.
const escapes = "\a\bcde\fghijklm\nopq\rs\tu\vwxyz"

// ExpandEscapes expands backslash escapes and end of line markers in a
// response. A plain newline becomes CRLF, carriage returns are dropped,
// and a trailing CRLF is appended when eol is set and the text does not
// already end in a newline.
func ExpandEscapes(data string, eol bool) string {
	result := make([]byte, 0, len(data)+2)
	prev := byte(0)
	i := 0
loop:
	for i < len(data) {
		ch := data[i]
		i++
		switch {
		case ch == '\n':
			result = append(result, '\r', '\n')
		case ch == '\\':
			if i >= len(data) {
				result = append(result, '\\')
				break loop
			}
			ch = data[i]
			i++
			switch {
			case ch == 'n':
				result = append(result, '\r', '\n')
				ch = '\n'
			case ch >= 'a' && ch <= 'z':
				ch = escapes[ch-'a']
				result = append(result, ch)
			default:
				result = append(result, '\\', ch)
			}
		case ch != '\r':
			result = append(result, ch)
		}
		prev = ch
	}
	if prev != '\n' && eol {
		result = append(result, '\r', '\n')
	}
	return string(result)
}
