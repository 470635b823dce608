package config

// StripJSONComments returns data with // and /* */ comments removed so the
// result can be handed to encoding/json. Comment markers inside quoted
// strings are left alone. The newline that ends a line comment is kept,
// which keeps line numbers stable in decode errors.
func StripJSONComments(data []byte) []byte {
	out := make([]byte, 0, len(data))
	quoted := false

	for pos := 0; pos < len(data); {
		c := data[pos]

		if quoted {
			if c == '\\' && pos+1 < len(data) {
				out = append(out, c, data[pos+1])
				pos += 2
				continue
			}
			if c == '"' {
				quoted = false
			}
			out = append(out, c)
			pos++
			continue
		}

		switch {
		case c == '"':
			quoted = true
			out = append(out, c)
			pos++
		case c == '/' && pos+1 < len(data) && data[pos+1] == '/':
			for pos < len(data) && data[pos] != '\n' {
				pos++
			}
		case c == '/' && pos+1 < len(data) && data[pos+1] == '*':
			pos += 2
			for pos < len(data) {
				if data[pos] == '*' && pos+1 < len(data) && data[pos+1] == '/' {
					pos += 2
					break
				}
				pos++
			}
		default:
			out = append(out, c)
			pos++
		}
	}

	return out
}
