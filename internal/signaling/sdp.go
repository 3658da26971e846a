package signaling

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/pion/sdp/v3"

	"github.com/mmackelprang/RotaryPhone/internal/media"
)

var errNoMedia = errors.New("no audio media in SDP")

// MediaInfo is the remote RTP endpoint announced in an SDP body.
type MediaInfo struct {
	Addr    string
	Port    int
	Formats []string
}

// Endpoint returns the "ip:port" form used by the bridge.
func (m MediaInfo) Endpoint() string {
	return m.Addr + ":" + strconv.Itoa(m.Port)
}

// BuildSDP creates the offer/answer advertising PCMU plus telephone-event
// on rtpPort.
func BuildSDP(addr string, rtpPort int) ([]byte, error) {
	id := uint64(time.Now().Unix())
	pt := strconv.Itoa(int(media.CodecPCMU.PayloadType))
	te := strconv.Itoa(int(media.CodecTelephoneEvent.PayloadType))

	desc := &sdp.SessionDescription{
		Origin: sdp.Origin{
			Username:       "RotaryPhone",
			SessionID:      id,
			SessionVersion: id,
			NetworkType:    "IN",
			AddressType:    "IP4",
			UnicastAddress: addr,
		},
		SessionName: "RotaryPhone Call",
		ConnectionInformation: &sdp.ConnectionInformation{
			NetworkType: "IN",
			AddressType: "IP4",
			Address:     &sdp.Address{Address: addr},
		},
		TimeDescriptions: []sdp.TimeDescription{
			{Timing: sdp.Timing{StartTime: 0, StopTime: 0}},
		},
		MediaDescriptions: []*sdp.MediaDescription{
			{
				MediaName: sdp.MediaName{
					Media:   "audio",
					Port:    sdp.RangedPort{Value: rtpPort},
					Protos:  []string{"RTP", "AVP"},
					Formats: []string{pt, te},
				},
				Attributes: []sdp.Attribute{
					{Key: "rtpmap", Value: media.CodecPCMU.RTPMap()},
					{Key: "rtpmap", Value: media.CodecTelephoneEvent.RTPMap()},
					{Key: "fmtp", Value: te + " 0-15"},
					{Key: "ptime", Value: "20"},
					{Key: "sendrecv"},
				},
			},
		},
	}
	return desc.Marshal()
}

// ParseMedia extracts the audio endpoint from an SDP body.
func ParseMedia(body []byte) (MediaInfo, error) {
	if len(body) == 0 {
		return MediaInfo{}, errNoMedia
	}
	desc := &sdp.SessionDescription{}
	if err := desc.Unmarshal(body); err != nil {
		return MediaInfo{}, fmt.Errorf("parse SDP: %w", err)
	}

	for _, md := range desc.MediaDescriptions {
		if md.MediaName.Media != "audio" {
			continue
		}
		info := MediaInfo{Port: md.MediaName.Port.Value, Formats: md.MediaName.Formats}
		if md.ConnectionInformation != nil && md.ConnectionInformation.Address != nil {
			info.Addr = md.ConnectionInformation.Address.Address
		} else if desc.ConnectionInformation != nil && desc.ConnectionInformation.Address != nil {
			info.Addr = desc.ConnectionInformation.Address.Address
		}
		if info.Addr == "" || info.Port == 0 {
			return MediaInfo{}, fmt.Errorf("incomplete audio media in SDP")
		}
		return info, nil
	}
	return MediaInfo{}, errNoMedia
}
