package camera

import (
	"github.com/nareix/joy4/codec/h264parser"
)

const (
	naluTypeIDR = 5
	naluTypeSPS = 7
)

// IsKeyFrame reports whether an Annex-B access unit carries an IDR slice.
func IsKeyFrame(au []byte) bool {
	nalus, _ := h264parser.SplitNALUs(au)
	for _, nalu := range nalus {
		if len(nalu) == 0 {
			continue
		}
		if nalu[0]&0x1f == naluTypeIDR {
			return true
		}
	}
	return false
}

// HasParameterSets reports whether the access unit starts a decodable
// sequence, i.e. carries an SPS.
func HasParameterSets(au []byte) bool {
	nalus, _ := h264parser.SplitNALUs(au)
	for _, nalu := range nalus {
		if len(nalu) > 0 && nalu[0]&0x1f == naluTypeSPS {
			return true
		}
	}
	return false
}
