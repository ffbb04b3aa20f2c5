package config

import (
	"flag"
	"net/url"
)

type Cli struct {
	HTTPAddress string
	PromPort    int
	PprofPort   int

	RecordingDir        string
	SegmentDurationSecs int
	MaxUploadBytes      int64

	S3Bucket           string
	AWSRegion          string
	AWSEndpoint        string
	AWSAccessKeyID     string
	AWSSecretAccessKey string
	CDNBaseURL         *url.URL

	QueueURL string

	CatalogTable        string
	StreamKeysTable     string
	ChannelsTable       string
	UploadMetadataTable string
	AccountsTable       string

	MasterAccountID     string
	DefaultThumbnailURL string
	AdminEmail          string

	TranscriptionURL    *url.URL
	TranscriptionAPIKey string
	LLMURL              *url.URL
	LLMAPIKey           string
	LLMModel            string

	MetricsDBConnectionString string
}

// EpisodesEnabled reports whether the transcription and LLM endpoints are both
// configured, which is what gates the episode post-pass.
func (cli *Cli) EpisodesEnabled() bool {
	return cli.TranscriptionURL != nil && cli.TranscriptionURL.Host != "" &&
		cli.LLMURL != nil && cli.LLMURL.Host != ""
}

func parseURL(s string, dest **url.URL) error {
	if s == "" {
		*dest = &url.URL{}
		return nil
	}
	u, err := url.Parse(s)
	if err != nil {
		return err
	}
	if _, err = url.ParseQuery(u.RawQuery); err != nil {
		return err
	}
	*dest = u
	return nil
}

func URLVarFlag(fs *flag.FlagSet, dest **url.URL, name, value, usage string) {
	if err := parseURL(value, dest); err != nil {
		panic(err)
	}
	fs.Func(name, usage, func(s string) error {
		return parseURL(s, dest)
	})
}
