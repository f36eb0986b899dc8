package webrtc

import (
	"strings"

	"github.com/pion/rtp"
	"github.com/pion/rtp/codecs"
)

// H.264 NAL unit types
const (
	naluIDR   = 5
	naluSPS   = 7
	naluSTAPA = 24
	naluFUA   = 28
)

// keyframeDetector reports whether an RTP packet starts a decodable picture
// for one video codec.
type keyframeDetector func(pkt *rtp.Packet) bool

// detectorFor returns nil for codecs whose keyframes cannot be recognised;
// consumers of such producers forward every packet.
func detectorFor(mimeType string) keyframeDetector {
	switch strings.ToLower(mimeType) {
	case "video/vp8":
		return isVP8Keyframe
	case "video/vp9":
		return isVP9Keyframe
	case "video/h264":
		return isH264Keyframe
	default:
		return nil
	}
}

func isVP8Keyframe(pkt *rtp.Packet) bool {
	var vp8 codecs.VP8Packet
	frame, err := vp8.Unmarshal(pkt.Payload)
	if err != nil || len(frame) == 0 {
		return false
	}
	// First partition of the frame, P bit clear.
	return vp8.S == 1 && vp8.PID == 0 && frame[0]&0x01 == 0
}

func isVP9Keyframe(pkt *rtp.Packet) bool {
	var vp9 codecs.VP9Packet
	if _, err := vp9.Unmarshal(pkt.Payload); err != nil {
		return false
	}
	return vp9.B && !vp9.P
}

func isH264Keyframe(pkt *rtp.Packet) bool {
	payload := pkt.Payload
	if len(payload) == 0 {
		return false
	}

	switch nalu := payload[0] & 0x1F; nalu {
	case naluIDR, naluSPS:
		return true
	case naluSTAPA:
		for i := 1; i+2 < len(payload); {
			size := int(payload[i])<<8 | int(payload[i+1])
			i += 2
			if i >= len(payload) {
				return false
			}
			if t := payload[i] & 0x1F; t == naluIDR || t == naluSPS {
				return true
			}
			i += size
		}
	case naluFUA:
		if len(payload) < 2 {
			return false
		}
		start := payload[1]&0x80 != 0
		return start && payload[1]&0x1F == naluIDR
	}
	return false
}
