package config

import (
	"flag"
	"net/url"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestURLVarFlag(t *testing.T) {
	fs := flag.NewFlagSet("cli-test", flag.ContinueOnError)
	var u *url.URL
	URLVarFlag(fs, &u, "cdn", "https://cdn.example.com", "")
	require.NoError(t, fs.Parse([]string{"-cdn=https://edge.example.net/base"}))
	require.Equal(t, "https://edge.example.net/base", u.String())

	fs2 := flag.NewFlagSet("cli-test", flag.ContinueOnError)
	URLVarFlag(fs2, &u, "cdn", "", "")
	require.Error(t, fs2.Parse([]string{"-cdn=https://bad.example.com/?q;"}))
}

func TestEpisodesEnabled(t *testing.T) {
	mustURL := func(s string) *url.URL {
		u, err := url.Parse(s)
		require.NoError(t, err)
		return u
	}

	cli := Cli{}
	require.False(t, cli.EpisodesEnabled())

	cli.TranscriptionURL = mustURL("http://transcriber:9000/transcribe")
	require.False(t, cli.EpisodesEnabled())

	cli.LLMURL = mustURL("https://llm.example.com/v1/chat/completions")
	require.True(t, cli.EpisodesEnabled())

	cli.TranscriptionURL = &url.URL{}
	require.False(t, cli.EpisodesEnabled())
}
