package nlu

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rulepolicy/internal/tracker"
)

func TestRegexInterpreter(t *testing.T) {
	tests := []struct {
		name string
		text string
		want tracker.UserUttered
	}{
		{
			name: "plain intent",
			text: "/greet",
			want: tracker.UserUttered{Text: "/greet", Intent: "greet"},
		},
		{
			name: "intent with entities",
			text: `/inform{"location": "berlin", "cuisine": "thai"}`,
			want: tracker.UserUttered{
				Text:   `/inform{"location": "berlin", "cuisine": "thai"}`,
				Intent: "inform",
				Entities: []tracker.Entity{
					{Entity: "cuisine", Value: "thai"},
					{Entity: "location", Value: "berlin"},
				},
			},
		},
		{
			name: "free text",
			text: "hello there",
			want: tracker.UserUttered{Text: "hello there"},
		},
	}

	interp := NewRegexInterpreter()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := interp.Parse(tt.text)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestRegexInterpreter_BadEntities(t *testing.T) {
	_, err := NewRegexInterpreter().Parse(`/inform{"cuisine": }`)
	require.Error(t, err)
}

func TestPassThrough(t *testing.T) {
	got, err := PassThrough{}.Parse(" greet ")
	require.NoError(t, err)
	assert.Equal(t, "greet", got.Intent)
}
