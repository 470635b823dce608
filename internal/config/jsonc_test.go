package config

import (
	"encoding/json"
	"testing"
)

func TestStripJSONComments(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{
			name:  "line comment",
			input: "{\n// note\n\"a\": 1\n}",
			want:  "{\n\n\"a\": 1\n}",
		},
		{
			name:  "trailing line comment",
			input: `{"a": 1 // note` + "\n}",
			want:  `{"a": 1 ` + "\n}",
		},
		{
			name:  "block comment",
			input: `{"a": /* note */ 1}`,
			want:  `{"a":  1}`,
		},
		{
			name:  "slashes inside string survive",
			input: `{"url": "http://example.com"}`,
			want:  `{"url": "http://example.com"}`,
		},
		{
			name:  "no comments",
			input: `{"a": 1}`,
			want:  `{"a": 1}`,
		},
		{
			name:  "escaped quote does not end string",
			input: `{"s": "a \" // not a comment"}`,
			want:  `{"s": "a \" // not a comment"}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := string(StripJSONComments([]byte(tt.input)))
			if got != tt.want {
				t.Errorf("StripJSONComments(%q) = %q, want %q", tt.input, got, tt.want)
			}
			if !json.Valid([]byte(got)) {
				t.Errorf("stripped output is not valid JSON: %q", got)
			}
		})
	}
}
