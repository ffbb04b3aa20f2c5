package video

import (
	"fmt"
	"sort"
	"strings"

	"github.com/clipcast/ingest-api/config"
	"github.com/grafov/m3u8"
)

// BuildMasterPlaylist emits the master playlist advertising the given
// renditions, ordered highest to lowest bandwidth, with absolute variant
// URLs of the form <baseURL>/<prefix>_<rendition>.m3u8. The builder is pure;
// rewriting the master after the background pass is just calling it again
// with the full ladder.
func BuildMasterPlaylist(specs []RenditionSpec, baseURL, prefix string, portrait bool, segmentSecs int) []byte {
	if segmentSecs == 0 {
		segmentSecs = DefaultSegmentSecs
	}

	sorted := make([]RenditionSpec, len(specs))
	copy(sorted, specs)
	sort.Slice(sorted, func(a, b int) bool {
		if sorted[a].Bandwidth != sorted[b].Bandwidth {
			return sorted[a].Bandwidth > sorted[b].Bandwidth
		}
		wa, ha := sorted[a].TargetDims(portrait)
		wb, hb := sorted[b].TargetDims(portrait)
		return wa*ha > wb*hb
	})

	masterPlaylist := m3u8.NewMasterPlaylist()
	base := strings.TrimSuffix(baseURL, "/")
	for _, spec := range sorted {
		masterPlaylist.Append(
			fmt.Sprintf("%s/%s", base, config.VariantPlaylistName(prefix, spec.Name)),
			&m3u8.MediaPlaylist{
				TargetDuration: float64(segmentSecs),
			},
			m3u8.VariantParams{
				Name:       spec.Name,
				Bandwidth:  spec.Bandwidth,
				Resolution: spec.Resolution(portrait),
			},
		)
	}

	return []byte(masterPlaylist.String())
}
