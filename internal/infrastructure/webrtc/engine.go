package webrtc

import (
	"fmt"
	"time"

	"rillcast/internal/core/domain"

	"github.com/pion/interceptor"
	"github.com/pion/interceptor/pkg/intervalpli"
	"github.com/pion/webrtc/v3"
)

// publisherCodecs are the only codecs publishers may negotiate. Relayed
// streams keep these payload types.
var publisherCodecs = []struct {
	kind   webrtc.RTPCodecType
	params webrtc.RTPCodecParameters
}{
	{webrtc.RTPCodecTypeVideo, webrtc.RTPCodecParameters{
		RTPCodecCapability: webrtc.RTPCodecCapability{
			MimeType:     webrtc.MimeTypeVP8,
			ClockRate:    90000,
			RTCPFeedback: videoFeedback,
		},
		PayloadType: 96,
	}},
	{webrtc.RTPCodecTypeVideo, webrtc.RTPCodecParameters{
		RTPCodecCapability: webrtc.RTPCodecCapability{
			MimeType:     webrtc.MimeTypeH264,
			ClockRate:    90000,
			SDPFmtpLine:  "level-asymmetry-allowed=1;packetization-mode=1;profile-level-id=42e01f",
			RTCPFeedback: videoFeedback,
		},
		PayloadType: 102,
	}},
	{webrtc.RTPCodecTypeAudio, webrtc.RTPCodecParameters{
		RTPCodecCapability: webrtc.RTPCodecCapability{
			MimeType:    webrtc.MimeTypeOpus,
			ClockRate:   48000,
			Channels:    2,
			SDPFmtpLine: "minptime=10;useinbandfec=1",
		},
		PayloadType: 111,
	}},
}

var videoFeedback = []webrtc.RTCPFeedback{
	{Type: webrtc.TypeRTCPFBNACK},
	{Type: webrtc.TypeRTCPFBNACK, Parameter: "pli"},
	{Type: webrtc.TypeRTCPFBCCM, Parameter: "fir"},
	{Type: webrtc.TypeRTCPFBGoogREMB},
}

// newAPI builds the pion API shared by every publisher connection. Besides
// the default interceptors it sends periodic PLIs so that a transcoder
// joining late never waits long for a keyframe.
func newAPI(config Config) (*webrtc.API, error) {
	m := &webrtc.MediaEngine{}
	for _, c := range publisherCodecs {
		if err := m.RegisterCodec(c.params, c.kind); err != nil {
			return nil, fmt.Errorf("failed to register codec %s: %w", c.params.MimeType, err)
		}
	}

	registry := &interceptor.Registry{}
	interval := config.PLIInterval
	if interval <= 0 {
		interval = 3 * time.Second
	}
	pli, err := intervalpli.NewReceiverInterceptor(intervalpli.GeneratorInterval(interval))
	if err != nil {
		return nil, fmt.Errorf("failed to create pli interceptor: %w", err)
	}
	registry.Add(pli)

	if err := webrtc.RegisterDefaultInterceptors(m, registry); err != nil {
		return nil, fmt.Errorf("failed to register interceptors: %w", err)
	}

	settings := webrtc.SettingEngine{}
	if config.PortMin > 0 && config.PortMax > 0 {
		if err := settings.SetEphemeralUDPPortRange(config.PortMin, config.PortMax); err != nil {
			return nil, fmt.Errorf("invalid webrtc port range: %w", err)
		}
	}

	return webrtc.NewAPI(
		webrtc.WithMediaEngine(m),
		webrtc.WithInterceptorRegistry(registry),
		webrtc.WithSettingEngine(settings),
	), nil
}

// capabilities describes what relay consumers can produce.
func capabilities() domain.RTPCapabilities {
	caps := domain.RTPCapabilities{}
	for _, c := range publisherCodecs {
		caps.Codecs = append(caps.Codecs, toDomainParameters(c.params))
	}
	return caps
}

func toDomainParameters(p webrtc.RTPCodecParameters) domain.RTPParameters {
	params := domain.RTPParameters{
		MimeType:    p.MimeType,
		PayloadType: uint8(p.PayloadType),
		ClockRate:   p.ClockRate,
		Channels:    p.Channels,
		FmtpLine:    p.SDPFmtpLine,
	}
	for _, fb := range p.RTCPFeedback {
		value := fb.Type
		if fb.Parameter != "" {
			value += " " + fb.Parameter
		}
		params.RTCPFeedback = append(params.RTCPFeedback, value)
	}
	return params
}

func trackKind(kind webrtc.RTPCodecType) domain.TrackKind {
	if kind == webrtc.RTPCodecTypeAudio {
		return domain.TrackKindAudio
	}
	return domain.TrackKindVideo
}
