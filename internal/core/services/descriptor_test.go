package services

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"rillcast/internal/core/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDescriptorBuilder_RoundTrip(t *testing.T) {
	b := NewDescriptorBuilder("127.0.0.1")

	tests := []struct {
		name   string
		kind   domain.TrackKind
		params domain.RTPParameters
		port   int
	}{
		{
			name: "vp8 with feedback and extensions",
			kind: domain.TrackKindVideo,
			params: domain.RTPParameters{
				MimeType:     "video/VP8",
				PayloadType:  96,
				ClockRate:    90000,
				RTCPFeedback: []string{"nack", "nack pli", "ccm fir"},
				HeaderExtensions: []domain.HeaderExtension{
					{ID: 4, URI: "urn:ietf:params:rtp-hdrext:sdes:mid"},
				},
				SSRC: 3735928559,
			},
			port: 20000,
		},
		{
			name: "h264 with fmtp",
			kind: domain.TrackKindVideo,
			params: domain.RTPParameters{
				MimeType:    "video/H264",
				PayloadType: 102,
				ClockRate:   90000,
				FmtpLine:    "level-asymmetry-allowed=1;packetization-mode=1;profile-level-id=42e01f",
				SSRC:        12345,
			},
			port: 20002,
		},
		{
			name: "opus stereo",
			kind: domain.TrackKindAudio,
			params: domain.RTPParameters{
				MimeType:    "audio/opus",
				PayloadType: 111,
				ClockRate:   48000,
				Channels:    2,
				FmtpLine:    "minptime=10;useinbandfec=1",
				SSRC:        42,
			},
			port: 20004,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			text, err := b.Build(tt.params, tt.kind, tt.port)
			require.NoError(t, err)

			info, err := ParseDescriptor(text)
			require.NoError(t, err)

			assert.Equal(t, tt.params.PayloadType, info.PayloadType)
			assert.Equal(t, tt.params.ClockRate, info.ClockRate)
			assert.Equal(t, tt.params.SSRC, info.SSRC)
			assert.Equal(t, tt.params.CodecName(), info.Codec)
			assert.Equal(t, tt.params.Channels, info.Channels)
			assert.Equal(t, tt.params.FmtpLine, info.Fmtp)
			assert.Equal(t, tt.port, info.Port)
			assert.Equal(t, tt.kind, info.Kind)
			assert.Equal(t, "127.0.0.1", info.Host)
			assert.True(t, info.RecvOnly)
		})
	}
}

func TestDescriptorBuilder_EncodesFeedbackAndExtensions(t *testing.T) {
	b := NewDescriptorBuilder("127.0.0.1")
	text, err := b.Build(domain.RTPParameters{
		MimeType:         "video/VP8",
		PayloadType:      96,
		ClockRate:        90000,
		RTCPFeedback:     []string{"nack pli"},
		HeaderExtensions: []domain.HeaderExtension{{ID: 3, URI: "http://www.webrtc.org/experiments/rtp-hdrext/abs-send-time"}},
		SSRC:             7,
	}, domain.TrackKindVideo, 20000)
	require.NoError(t, err)

	assert.Contains(t, text, "m=video 20000 RTP/AVP 96")
	assert.Contains(t, text, "a=rtpmap:96 VP8/90000")
	assert.Contains(t, text, "a=rtcp-fb:96 nack pli")
	assert.Contains(t, text, "a=extmap:3 http://www.webrtc.org/experiments/rtp-hdrext/abs-send-time")
	assert.Contains(t, text, "a=ssrc:7 cname:rillcast")
	assert.Contains(t, text, "c=IN IP4 127.0.0.1")
}

func TestDescriptorBuilder_RejectsIncompleteParameters(t *testing.T) {
	b := NewDescriptorBuilder("127.0.0.1")

	_, err := b.Build(domain.RTPParameters{MimeType: "video/VP8"}, domain.TrackKindVideo, 20000)
	assert.Error(t, err)

	_, err = b.Build(domain.RTPParameters{MimeType: "video/VP8", ClockRate: 90000}, "data", 20000)
	assert.Error(t, err)

	_, err = b.Build(domain.RTPParameters{MimeType: "video/VP8", ClockRate: 90000}, domain.TrackKindVideo, 0)
	assert.Error(t, err)
}

func TestDescriptorBuilder_Write(t *testing.T) {
	dir := t.TempDir()
	b := NewDescriptorBuilder("127.0.0.1")
	consumer := &fakeConsumer{
		id:     "c1",
		track:  videoTrack("{abc/1}"),
		params: domain.RTPParameters{MimeType: "video/VP8", PayloadType: 96, ClockRate: 90000, SSRC: 99},
	}
	relay := &Relay{Port: 20010, TrackID: "{abc/1}", Kind: domain.TrackKindVideo, Consumer: consumer}

	path, err := b.Write(dir, relay)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "video__abc_1_.sdp"), path)

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	info, err := ParseDescriptor(string(raw))
	require.NoError(t, err)
	assert.Equal(t, uint32(99), info.SSRC)
	assert.True(t, strings.HasPrefix(string(raw), "v=0"))
}
