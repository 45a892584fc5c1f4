package services

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"rillcast/internal/core/domain"

	"github.com/pion/sdp/v3"
)

const defaultCNAME = "rillcast"

// DescriptorBuilder renders the SDP files the transcoder reads its RTP
// inputs from. Every value comes from the consumer's parameters, which are
// exactly what the relay puts on the wire.
type DescriptorBuilder struct {
	Host        string
	SessionName string
}

func NewDescriptorBuilder(host string) *DescriptorBuilder {
	return &DescriptorBuilder{Host: host, SessionName: "rillcast relay"}
}

// DescriptorInfo is what ParseDescriptor extracts from an SDP file.
type DescriptorInfo struct {
	Kind        domain.TrackKind
	Host        string
	Port        int
	PayloadType uint8
	Codec       string
	ClockRate   uint32
	Channels    uint16
	Fmtp        string
	SSRC        uint32
	RecvOnly    bool
}

// Build returns the descriptor for one relay sending params to port.
func (b *DescriptorBuilder) Build(params domain.RTPParameters, kind domain.TrackKind, port int) (string, error) {
	if kind != domain.TrackKindAudio && kind != domain.TrackKindVideo {
		return "", fmt.Errorf("unsupported media kind %q", kind)
	}
	if params.ClockRate == 0 || params.CodecName() == "" {
		return "", fmt.Errorf("incomplete codec parameters for %s relay", kind)
	}
	if port <= 0 || port > 65535 {
		return "", fmt.Errorf("invalid port %d", port)
	}

	md := &sdp.MediaDescription{
		MediaName: sdp.MediaName{
			Media:  string(kind),
			Port:   sdp.RangedPort{Value: port},
			Protos: []string{"RTP", "AVP"},
		},
	}
	md.WithCodec(params.PayloadType, params.CodecName(), params.ClockRate, params.Channels, params.FmtpLine)
	for _, fb := range params.RTCPFeedback {
		md.WithValueAttribute("rtcp-fb", fmt.Sprintf("%d %s", params.PayloadType, fb))
	}
	for _, ext := range params.HeaderExtensions {
		md.WithValueAttribute("extmap", fmt.Sprintf("%d %s", ext.ID, ext.URI))
	}
	md.WithPropertyAttribute("recvonly")

	cname := params.CNAME
	if cname == "" {
		cname = defaultCNAME
	}
	md.WithValueAttribute("ssrc", fmt.Sprintf("%d cname:%s", params.SSRC, cname))

	desc := &sdp.SessionDescription{
		Version: 0,
		Origin: sdp.Origin{
			Username:       "-",
			SessionID:      uint64(params.SSRC),
			SessionVersion: 0,
			NetworkType:    "IN",
			AddressType:    "IP4",
			UnicastAddress: b.Host,
		},
		SessionName: sdp.SessionName(b.SessionName),
		ConnectionInformation: &sdp.ConnectionInformation{
			NetworkType: "IN",
			AddressType: "IP4",
			Address:     &sdp.Address{Address: b.Host},
		},
		TimeDescriptions: []sdp.TimeDescription{
			{Timing: sdp.Timing{StartTime: 0, StopTime: 0}},
		},
		MediaDescriptions: []*sdp.MediaDescription{md},
	}

	raw, err := desc.Marshal()
	if err != nil {
		return "", fmt.Errorf("failed to marshal descriptor: %w", err)
	}
	return string(raw), nil
}

// Write renders the relay's descriptor into dir and returns the file path.
func (b *DescriptorBuilder) Write(dir string, relay *Relay) (string, error) {
	text, err := b.Build(relay.Parameters(), relay.Kind, relay.Port)
	if err != nil {
		return "", fmt.Errorf("build descriptor for track %s: %w", relay.TrackID, err)
	}

	path := filepath.Join(dir, DescriptorFileName(relay.Kind, relay.TrackID))
	if err := os.WriteFile(path, []byte(text), 0644); err != nil {
		return "", fmt.Errorf("failed to write descriptor %s: %w", path, err)
	}
	return path, nil
}

// DescriptorFileName is "<kind>_<track id>.sdp" with the id reduced to a safe charset.
func DescriptorFileName(kind domain.TrackKind, trackID domain.TrackID) string {
	safe := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		}
		return '_'
	}, string(trackID))
	return fmt.Sprintf("%s_%s.sdp", kind, safe)
}

// ParseDescriptor reads back the first media section of a descriptor.
func ParseDescriptor(text string) (DescriptorInfo, error) {
	var desc sdp.SessionDescription
	if err := desc.Unmarshal([]byte(text)); err != nil {
		return DescriptorInfo{}, fmt.Errorf("failed to parse descriptor: %w", err)
	}
	if len(desc.MediaDescriptions) == 0 {
		return DescriptorInfo{}, fmt.Errorf("descriptor has no media section")
	}

	md := desc.MediaDescriptions[0]
	if len(md.MediaName.Formats) == 0 {
		return DescriptorInfo{}, fmt.Errorf("media section has no payload type")
	}
	pt, err := strconv.ParseUint(md.MediaName.Formats[0], 10, 8)
	if err != nil {
		return DescriptorInfo{}, fmt.Errorf("invalid payload type %q: %w", md.MediaName.Formats[0], err)
	}

	codec, err := desc.GetCodecForPayloadType(uint8(pt))
	if err != nil {
		return DescriptorInfo{}, fmt.Errorf("no codec for payload type %d: %w", pt, err)
	}

	info := DescriptorInfo{
		Kind:        domain.TrackKind(md.MediaName.Media),
		Port:        md.MediaName.Port.Value,
		PayloadType: uint8(pt),
		Codec:       codec.Name,
		ClockRate:   codec.ClockRate,
		Fmtp:        codec.Fmtp,
	}
	if desc.ConnectionInformation != nil && desc.ConnectionInformation.Address != nil {
		info.Host = desc.ConnectionInformation.Address.Address
	}
	if codec.EncodingParameters != "" {
		ch, err := strconv.ParseUint(codec.EncodingParameters, 10, 16)
		if err == nil {
			info.Channels = uint16(ch)
		}
	}
	if _, ok := md.Attribute("recvonly"); ok {
		info.RecvOnly = true
	}
	if ssrcAttr, ok := md.Attribute("ssrc"); ok {
		fields := strings.Fields(ssrcAttr)
		if len(fields) > 0 {
			ssrc, err := strconv.ParseUint(fields[0], 10, 32)
			if err != nil {
				return DescriptorInfo{}, fmt.Errorf("invalid ssrc %q: %w", fields[0], err)
			}
			info.SSRC = uint32(ssrc)
		}
	}
	return info, nil
}
