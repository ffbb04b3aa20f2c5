package video

import "fmt"

// RenditionSpec is one rung of the fixed ABR ladder. Dimensions are given for
// both orientations; TargetDims picks the right pair.
type RenditionSpec struct {
	Name            string
	LandscapeWidth  int64
	LandscapeHeight int64
	PortraitWidth   int64
	PortraitHeight  int64
	CRF             int
	AudioBitrate    string
	Bandwidth       uint32
}

// The ladder is fixed. 1080p is the primary rendition: it is the only one
// produced before the HTTP response, the rest are filled in by the background
// pass.
var RenditionLadder = []RenditionSpec{
	{Name: "1080p", LandscapeWidth: 1920, LandscapeHeight: 1080, PortraitWidth: 1080, PortraitHeight: 1920, CRF: 20, AudioBitrate: "192k", Bandwidth: 2_500_000},
	{Name: "720p", LandscapeWidth: 1280, LandscapeHeight: 720, PortraitWidth: 720, PortraitHeight: 1280, CRF: 22, AudioBitrate: "128k", Bandwidth: 1_300_000},
	{Name: "480p", LandscapeWidth: 854, LandscapeHeight: 480, PortraitWidth: 480, PortraitHeight: 854, CRF: 24, AudioBitrate: "128k", Bandwidth: 700_000},
	{Name: "360p", LandscapeWidth: 640, LandscapeHeight: 360, PortraitWidth: 360, PortraitHeight: 640, CRF: 26, AudioBitrate: "96k", Bandwidth: 400_000},
}

func PrimaryRendition() RenditionSpec {
	return RenditionLadder[0]
}

func SecondaryRenditions() []RenditionSpec {
	return RenditionLadder[1:]
}

func (r RenditionSpec) TargetDims(portrait bool) (int64, int64) {
	if portrait {
		return r.PortraitWidth, r.PortraitHeight
	}
	return r.LandscapeWidth, r.LandscapeHeight
}

func (r RenditionSpec) Resolution(portrait bool) string {
	w, h := r.TargetDims(portrait)
	return fmt.Sprintf("%dx%d", w, h)
}

// FindRendition returns the ladder entry with the given name.
func FindRendition(name string) (RenditionSpec, error) {
	for _, spec := range RenditionLadder {
		if spec.Name == name {
			return spec, nil
		}
	}
	return RenditionSpec{}, fmt.Errorf("unknown rendition %q", name)
}
