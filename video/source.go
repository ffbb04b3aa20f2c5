package video

// SourceInfo describes a probed input in displayed geometry, i.e. Width and
// Height already account for any container rotation.
type SourceInfo struct {
	Width     int64   `json:"width"`
	Height    int64   `json:"height"`
	Rotation  int64   `json:"rotation,omitempty"`
	FPS       float64 `json:"fps,omitempty"`
	Duration  float64 `json:"duration"`
	SizeBytes int64   `json:"size,omitempty"`
	Format    string  `json:"format,omitempty"`
	HasAudio  bool    `json:"has_audio"`
}

func (s SourceInfo) IsPortrait() bool {
	return s.Height > s.Width
}

// DefaultSourceInfo is what the pipeline proceeds with when probing fails.
func DefaultSourceInfo() SourceInfo {
	return SourceInfo{
		Width:    1280,
		Height:   720,
		Rotation: 0,
		HasAudio: true,
	}
}
