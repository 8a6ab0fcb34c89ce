package modelgateway

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStripMarkdownFence(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want string
	}{
		{"no fence", `{"a":1}`, `{"a":1}`},
		{"json fence", "```json\n{\"a\":1}\n```", `{"a":1}`},
		{"bare fence", "```\n{\"a\":1}\n```", `{"a":1}`},
		{"surrounding whitespace", "  \n```json\n{\"a\":1}\n```\n  ", `{"a":1}`},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			assert.Equal(t, c.want, stripMarkdownFence(c.in))
		})
	}
}

func TestParseAndValidate(t *testing.T) {
	var out struct {
		Segments []TopicSegment `json:"segments"`
	}
	err := parseAndValidate(`{"segments":[{"start":0,"end":10,"topic":"intro"}]}`, []string{"segments"}, &out)
	require.NoError(t, err)
	require.Len(t, out.Segments, 1)
	assert.Equal(t, "intro", out.Segments[0].Topic)
}

func TestParseAndValidateStripsFence(t *testing.T) {
	var out struct {
		Text string `json:"text"`
	}
	err := parseAndValidate("```json\n{\"text\":\"hello\"}\n```", []string{"text"}, &out)
	require.NoError(t, err)
	assert.Equal(t, "hello", out.Text)
}

func TestParseAndValidateMissingKey(t *testing.T) {
	var out struct {
		Text string `json:"text"`
	}
	err := parseAndValidate(`{"other":"value"}`, []string{"text"}, &out)
	require.Error(t, err)
}

func TestParseAndValidateInvalidJSON(t *testing.T) {
	var out struct {
		Text string `json:"text"`
	}
	err := parseAndValidate("not json at all", []string{"text"}, &out)
	require.Error(t, err)
}
