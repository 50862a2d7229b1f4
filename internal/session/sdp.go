package session

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/pion/sdp/v3"
)

// DescriptionPolicy declares the shaping applied to outgoing offers.
// Zero values leave the corresponding dimension untouched.
type DescriptionPolicy struct {
	// MaxBitrateBps caps the video sections both as b=AS (kbps) and
	// b=TIAS (bps).
	MaxBitrateBps int
	// MaxFramerate is advertised through fmtp max-fr where the codec
	// supports it.
	MaxFramerate int
	// PreferredCodecs orders the video payload formats; codecs not
	// listed keep their relative order after the preferred ones.
	PreferredCodecs []string
}

// Enhance parses the description, shapes its video sections per the
// policy and re-serializes it. The input is never modified; a parse
// failure surfaces as an error rather than silently forwarding an
// unshaped description.
func Enhance(d Description, p DescriptionPolicy) (Description, error) {
	if p.MaxBitrateBps == 0 && p.MaxFramerate == 0 && len(p.PreferredCodecs) == 0 {
		return d, nil
	}
	var parsed sdp.SessionDescription
	if err := parsed.Unmarshal([]byte(d.SDP)); err != nil {
		return Description{}, fmt.Errorf("parse description: %w", err)
	}

	for _, m := range parsed.MediaDescriptions {
		if m.MediaName.Media != "video" {
			continue
		}
		if p.MaxBitrateBps > 0 {
			applyBandwidth(m, p.MaxBitrateBps)
		}
		if p.MaxFramerate > 0 {
			applyFramerate(m, p.MaxFramerate)
		}
		if len(p.PreferredCodecs) > 0 {
			reorderFormats(m, p.PreferredCodecs)
		}
	}

	out, err := parsed.Marshal()
	if err != nil {
		return Description{}, fmt.Errorf("serialize description: %w", err)
	}
	return Description{Kind: d.Kind, SDP: string(out)}, nil
}

// applyBandwidth replaces any existing bandwidth lines with AS (kbps)
// and TIAS (bps) entries for the given ceiling.
func applyBandwidth(m *sdp.MediaDescription, bps int) {
	m.Bandwidth = []sdp.Bandwidth{
		{Type: "AS", Bandwidth: uint64(bps / 1000)},
		{Type: "TIAS", Bandwidth: uint64(bps)},
	}
}

// applyFramerate appends max-fr (and a 1080p max-fs) to the fmtp
// lines of codecs that honor them.
func applyFramerate(m *sdp.MediaDescription, fps int) {
	targets := payloadTypesFor(m, "VP9", "VP8", "H264")
	if len(targets) == 0 {
		return
	}
	extra := fmt.Sprintf("max-fs=8160;max-fr=%d", fps)

	seen := map[string]bool{}
	for i, a := range m.Attributes {
		if a.Key != "fmtp" {
			continue
		}
		pt, rest, ok := strings.Cut(a.Value, " ")
		if !ok || !targets[pt] {
			continue
		}
		seen[pt] = true
		if strings.Contains(rest, "max-fr=") {
			continue
		}
		m.Attributes[i].Value = pt + " " + rest + ";" + extra
	}
	for pt := range targets {
		if seen[pt] {
			continue
		}
		m.Attributes = append(m.Attributes, sdp.Attribute{
			Key:   "fmtp",
			Value: pt + " " + extra,
		})
	}
}

// reorderFormats promotes the payload types of the preferred codecs to
// the front of the m= format list, preserving relative order among the
// rest.
func reorderFormats(m *sdp.MediaDescription, preferred []string) {
	want := payloadTypesFor(m, preferred...)
	if len(want) == 0 {
		return
	}
	front := make([]string, 0, len(m.MediaName.Formats))
	back := make([]string, 0, len(m.MediaName.Formats))
	for _, f := range m.MediaName.Formats {
		if want[f] {
			front = append(front, f)
		} else {
			back = append(back, f)
		}
	}
	m.MediaName.Formats = append(front, back...)
}

// payloadTypesFor scans the rtpmap attributes for the named codecs and
// returns their payload type numbers.
func payloadTypesFor(m *sdp.MediaDescription, codecs ...string) map[string]bool {
	found := map[string]bool{}
	for _, a := range m.Attributes {
		if a.Key != "rtpmap" {
			continue
		}
		pt, rest, ok := strings.Cut(a.Value, " ")
		if !ok {
			continue
		}
		name, _, _ := strings.Cut(rest, "/")
		for _, c := range codecs {
			if strings.EqualFold(name, c) {
				if _, err := strconv.Atoi(pt); err == nil {
					found[pt] = true
				}
			}
		}
	}
	return found
}
