package domain

import (
	"fmt"
	"strings"
)

type MediaKind string

const (
	MediaKindAudio MediaKind = "audio"
	MediaKindVideo MediaKind = "video"
)

func (k MediaKind) Valid() bool {
	return k == MediaKindAudio || k == MediaKindVideo
}

type RtcpFeedback struct {
	Type      string `json:"type"`
	Parameter string `json:"parameter,omitempty"`
}

type RtpCodecCapability struct {
	Kind                 MediaKind      `json:"kind"`
	MimeType             string         `json:"mimeType"`
	PreferredPayloadType uint8          `json:"preferredPayloadType,omitempty"`
	ClockRate            uint32         `json:"clockRate"`
	Channels             uint16         `json:"channels,omitempty"`
	Parameters           map[string]any `json:"parameters,omitempty"`
	RtcpFeedback         []RtcpFeedback `json:"rtcpFeedback,omitempty"`
}

type RtpHeaderExtension struct {
	Kind        MediaKind `json:"kind"`
	URI         string    `json:"uri"`
	PreferredID int       `json:"preferredId"`
}

type RtpCapabilities struct {
	Codecs           []RtpCodecCapability `json:"codecs"`
	HeaderExtensions []RtpHeaderExtension `json:"headerExtensions,omitempty"`
}

type RtpCodecParameters struct {
	MimeType     string         `json:"mimeType"`
	PayloadType  uint8          `json:"payloadType"`
	ClockRate    uint32         `json:"clockRate"`
	Channels     uint16         `json:"channels,omitempty"`
	Parameters   map[string]any `json:"parameters,omitempty"`
	RtcpFeedback []RtcpFeedback `json:"rtcpFeedback,omitempty"`
}

type RtpHeaderExtensionParameters struct {
	URI     string `json:"uri"`
	ID      int    `json:"id"`
	Encrypt bool   `json:"encrypt,omitempty"`
}

type RtpEncodingParameters struct {
	SSRC            uint32 `json:"ssrc,omitempty"`
	RID             string `json:"rid,omitempty"`
	MaxBitrate      uint32 `json:"maxBitrate,omitempty"`
	ScalabilityMode string `json:"scalabilityMode,omitempty"`
}

type RtcpParameters struct {
	CNAME       string `json:"cname,omitempty"`
	ReducedSize bool   `json:"reducedSize"`
}

type RtpParameters struct {
	Mid              string                         `json:"mid,omitempty"`
	Codecs           []RtpCodecParameters           `json:"codecs"`
	HeaderExtensions []RtpHeaderExtensionParameters `json:"headerExtensions,omitempty"`
	Encodings        []RtpEncodingParameters        `json:"encodings,omitempty"`
	Rtcp             RtcpParameters                 `json:"rtcp"`
}

type IceParameters struct {
	UsernameFragment string `json:"usernameFragment"`
	Password         string `json:"password"`
	IceLite          bool   `json:"iceLite,omitempty"`
}

func (p IceParameters) Empty() bool {
	return p.UsernameFragment == "" && p.Password == ""
}

type IceCandidate struct {
	Foundation string `json:"foundation"`
	Priority   uint32 `json:"priority"`
	IP         string `json:"ip"`
	Protocol   string `json:"protocol"`
	Port       uint16 `json:"port"`
	Type       string `json:"type"`
	TCPType    string `json:"tcpType,omitempty"`
}

type DtlsRole string

const (
	DtlsRoleAuto   DtlsRole = "auto"
	DtlsRoleClient DtlsRole = "client"
	DtlsRoleServer DtlsRole = "server"
)

type DtlsFingerprint struct {
	Algorithm string `json:"algorithm"`
	Value     string `json:"value"`
}

type DtlsParameters struct {
	Role         DtlsRole          `json:"role,omitempty"`
	Fingerprints []DtlsFingerprint `json:"fingerprints"`
}

func (p DtlsParameters) Validate() error {
	if len(p.Fingerprints) == 0 {
		return fmt.Errorf("dtls parameters need at least one fingerprint")
	}
	for _, fp := range p.Fingerprints {
		if fp.Algorithm == "" || fp.Value == "" {
			return fmt.Errorf("dtls fingerprint needs algorithm and value")
		}
	}
	switch p.Role {
	case "", DtlsRoleAuto, DtlsRoleClient, DtlsRoleServer:
		return nil
	default:
		return fmt.Errorf("unknown dtls role %q", p.Role)
	}
}

type SctpParameters struct {
	Port           uint16 `json:"port"`
	OS             uint16 `json:"OS"`
	MIS            uint16 `json:"MIS"`
	MaxMessageSize uint32 `json:"maxMessageSize"`
}

type SctpStreamParameters struct {
	StreamID          uint16  `json:"streamId"`
	Ordered           *bool   `json:"ordered,omitempty"`
	MaxPacketLifeTime *uint16 `json:"maxPacketLifeTime,omitempty"`
	MaxRetransmits    *uint16 `json:"maxRetransmits,omitempty"`
}

// KindOfMime returns the media kind encoded in a mime type such as "video/VP8".
func KindOfMime(mimeType string) MediaKind {
	switch {
	case strings.HasPrefix(strings.ToLower(mimeType), "audio/"):
		return MediaKindAudio
	case strings.HasPrefix(strings.ToLower(mimeType), "video/"):
		return MediaKindVideo
	default:
		return ""
	}
}

func isRtx(mimeType string) bool {
	return strings.HasSuffix(strings.ToLower(mimeType), "/rtx")
}

// MediaCodecs returns the producer codecs that carry media, dropping RTX entries.
func (p RtpParameters) MediaCodecs() []RtpCodecParameters {
	out := make([]RtpCodecParameters, 0, len(p.Codecs))
	for _, c := range p.Codecs {
		if !isRtx(c.MimeType) {
			out = append(out, c)
		}
	}
	return out
}

func codecsMatch(c RtpCodecParameters, cc RtpCodecCapability) bool {
	if !strings.EqualFold(c.MimeType, cc.MimeType) || c.ClockRate != cc.ClockRate {
		return false
	}
	if KindOfMime(c.MimeType) == MediaKindAudio && channelsOrOne(c.Channels) != channelsOrOne(cc.Channels) {
		return false
	}
	if strings.EqualFold(c.MimeType, "video/h264") {
		if paramString(c.Parameters, "packetization-mode", "0") != paramString(cc.Parameters, "packetization-mode", "0") {
			return false
		}
	}
	return true
}

func channelsOrOne(n uint16) uint16 {
	if n == 0 {
		return 1
	}
	return n
}

func paramString(params map[string]any, key, def string) string {
	v, ok := params[key]
	if !ok {
		return def
	}
	return fmt.Sprint(v)
}

// CanConsume reports whether an endpoint advertising caps can receive a
// stream produced with params.
func CanConsume(params RtpParameters, caps RtpCapabilities) bool {
	for _, c := range params.MediaCodecs() {
		for _, cc := range caps.Codecs {
			if codecsMatch(c, cc) {
				return true
			}
		}
	}
	return false
}

func matchingCodec(c RtpCodecParameters, caps RtpCapabilities) (RtpCodecCapability, bool) {
	for _, cc := range caps.Codecs {
		if codecsMatch(c, cc) {
			return cc, true
		}
	}
	return RtpCodecCapability{}, false
}

// ConsumerRtpParameters builds the parameters a consumer sends with: the
// first producer codec both the router and the consumer support, on a single
// encoding with the given SSRC. Payload type and clock come from the router,
// feedback from the consumer.
func ConsumerRtpParameters(params RtpParameters, routerCaps, caps RtpCapabilities, ssrc uint32, cname string) (RtpParameters, error) {
	for _, c := range params.MediaCodecs() {
		rc, ok := matchingCodec(c, routerCaps)
		if !ok {
			continue
		}
		cc, ok := matchingCodec(c, caps)
		if !ok {
			continue
		}
		codec := RtpCodecParameters{
			MimeType:     rc.MimeType,
			PayloadType:  rc.PreferredPayloadType,
			ClockRate:    rc.ClockRate,
			Channels:     rc.Channels,
			Parameters:   c.Parameters,
			RtcpFeedback: cc.RtcpFeedback,
		}
		return RtpParameters{
			Codecs:    []RtpCodecParameters{codec},
			Encodings: []RtpEncodingParameters{{SSRC: ssrc}},
			Rtcp:      RtcpParameters{CNAME: cname, ReducedSize: true},
		}, nil
	}
	return RtpParameters{}, ErrIncompatibleCapabilities
}
