package webrtc

import (
	"strings"

	"github.com/pion/rtp"
)

// IsKeyframe reports whether the packet starts an independently decodable
// picture. Only VP8 and H264 are inspected; other codecs never match.
func IsKeyframe(mimeType string, packet *rtp.Packet) bool {
	if packet == nil || len(packet.Payload) == 0 {
		return false
	}
	switch strings.ToLower(mimeType) {
	case "video/vp8":
		return vp8Keyframe(packet.Payload)
	case "video/h264":
		return h264Keyframe(packet.Payload)
	}
	return false
}

// vp8Keyframe skips the payload descriptor and checks the inverse key frame
// flag of the first partition.
func vp8Keyframe(payload []byte) bool {
	first := payload[0]
	start := first&0x10 != 0
	partition := first & 0x07
	if !start || partition != 0 {
		return false
	}

	offset := 1
	if first&0x80 != 0 {
		if len(payload) < 2 {
			return false
		}
		ext := payload[1]
		offset++
		if ext&0x80 != 0 { // picture id
			if len(payload) <= offset {
				return false
			}
			if payload[offset]&0x80 != 0 {
				offset += 2
			} else {
				offset++
			}
		}
		if ext&0x40 != 0 { // TL0PICIDX
			offset++
		}
		if ext&0x30 != 0 { // TID / KEYIDX
			offset++
		}
	}
	if len(payload) <= offset {
		return false
	}
	return payload[offset]&0x01 == 0
}

const (
	naluIDR   = 5
	naluSPS   = 7
	naluSTAPA = 24
	naluFUA   = 28
)

func h264Keyframe(payload []byte) bool {
	switch nal := payload[0] & 0x1F; nal {
	case naluIDR, naluSPS:
		return true
	case naluSTAPA:
		for offset := 1; offset+2 < len(payload); {
			size := int(payload[offset])<<8 | int(payload[offset+1])
			offset += 2
			if size == 0 || offset >= len(payload) {
				return false
			}
			if t := payload[offset] & 0x1F; t == naluIDR || t == naluSPS {
				return true
			}
			offset += size
		}
	case naluFUA:
		if len(payload) < 2 {
			return false
		}
		return payload[1]&0x80 != 0 && payload[1]&0x1F == naluIDR
	}
	return false
}
