package media

import (
	"bytes"
	"errors"
	"strings"
	"sync"

	"github.com/pion/rtp/codecs"
)

// FrameProbe tracks the coded dimensions of an inbound video track by
// inspecting VP8 key-frame headers and H.264 sequence parameter sets.
type FrameProbe struct {
	mu     sync.Mutex
	width  int
	height int

	vp8  codecs.VP8Packet
	h264 codecs.H264Packet
}

// Size returns the latest observed dimensions, 0x0 before the first frame.
func (p *FrameProbe) Size() (int, int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.width, p.height
}

// Observe feeds one RTP payload of the given codec.
func (p *FrameProbe) Observe(mimeType string, payload []byte) {
	var (
		w, h int
		ok   bool
	)
	switch {
	case strings.EqualFold(mimeType, "video/VP8"):
		w, h, ok = p.observeVP8(payload)
	case strings.EqualFold(mimeType, "video/H264"):
		w, h, ok = p.observeH264(payload)
	}
	if !ok {
		return
	}
	p.mu.Lock()
	p.width, p.height = w, h
	p.mu.Unlock()
}

func (p *FrameProbe) observeVP8(payload []byte) (int, int, bool) {
	frame, err := p.vp8.Unmarshal(payload)
	if err != nil || p.vp8.S != 1 || p.vp8.PID != 0 {
		return 0, 0, false
	}
	return vp8KeyFrameSize(frame)
}

// vp8KeyFrameSize reads the uncompressed data chunk of a VP8 key frame
// (RFC 6386 section 9.1).
func vp8KeyFrameSize(frame []byte) (int, int, bool) {
	if len(frame) < 10 || frame[0]&0x01 != 0 {
		return 0, 0, false
	}
	if frame[3] != 0x9d || frame[4] != 0x01 || frame[5] != 0x2a {
		return 0, 0, false
	}
	w := int(uint16(frame[6])|uint16(frame[7])<<8) & 0x3fff
	h := int(uint16(frame[8])|uint16(frame[9])<<8) & 0x3fff
	if w == 0 || h == 0 {
		return 0, 0, false
	}
	return w, h, true
}

func (p *FrameProbe) observeH264(payload []byte) (int, int, bool) {
	annexB, err := p.h264.Unmarshal(payload)
	if err != nil || len(annexB) == 0 {
		return 0, 0, false
	}
	var (
		w, h  int
		found bool
	)
	for _, nal := range splitAnnexB(annexB) {
		if len(nal) == 0 || nal[0]&0x1f != 7 {
			continue
		}
		sw, sh, err := parseSPS(nal)
		if err != nil {
			continue
		}
		w, h, found = sw, sh, true
	}
	return w, h, found
}

var startCode = []byte{0x00, 0x00, 0x01}

func splitAnnexB(b []byte) [][]byte {
	var out [][]byte
	for {
		i := bytes.Index(b, startCode)
		if i < 0 {
			if len(b) > 0 && len(out) > 0 {
				out[len(out)-1] = b
			}
			return out
		}
		if len(out) > 0 {
			out[len(out)-1] = bytes.TrimRight(b[:i], "\x00")
		}
		b = b[i+len(startCode):]
		out = append(out, b)
	}
}

var errShortSPS = errors.New("sps truncated")

// parseSPS decodes picture dimensions from an H.264 SPS NAL unit
// (ITU-T H.264 section 7.3.2.1.1), including the frame cropping window.
func parseSPS(nal []byte) (int, int, error) {
	r := &bitReader{data: unescapeRBSP(nal)}
	r.skip(8) // nal header

	profile := r.bits(8)
	r.skip(16) // constraint flags + level
	r.ue()     // seq_parameter_set_id

	chromaFormat := uint32(1)
	separatePlanes := false
	switch profile {
	case 100, 110, 122, 244, 44, 83, 86, 118, 128, 138, 139, 134, 135:
		chromaFormat = r.ue()
		if chromaFormat == 3 {
			separatePlanes = r.bit() == 1
		}
		r.ue() // bit_depth_luma_minus8
		r.ue() // bit_depth_chroma_minus8
		r.skip(1)
		if r.bit() == 1 {
			lists := 8
			if chromaFormat == 3 {
				lists = 12
			}
			for i := 0; i < lists; i++ {
				if r.bit() == 0 {
					continue
				}
				size := 16
				if i >= 6 {
					size = 64
				}
				r.skipScalingList(size)
			}
		}
	}

	r.ue() // log2_max_frame_num_minus4
	switch pocType := r.ue(); pocType {
	case 0:
		r.ue()
	case 1:
		r.skip(1)
		r.se()
		r.se()
		n := r.ue()
		for i := uint32(0); i < n && r.err == nil; i++ {
			r.se()
		}
	}
	r.ue()    // max_num_ref_frames
	r.skip(1) // gaps_in_frame_num_value_allowed_flag

	widthMbs := r.ue() + 1
	heightMapUnits := r.ue() + 1
	frameMbsOnly := r.bit()
	if frameMbsOnly == 0 {
		r.skip(1)
	}
	r.skip(1) // direct_8x8_inference_flag

	var cropLeft, cropRight, cropTop, cropBottom uint32
	if r.bit() == 1 {
		cropLeft, cropRight, cropTop, cropBottom = r.ue(), r.ue(), r.ue(), r.ue()
	}
	if r.err != nil {
		return 0, 0, r.err
	}

	fieldFactor := 2 - frameMbsOnly
	cropX, cropY := uint32(1), fieldFactor
	if !separatePlanes {
		switch chromaFormat {
		case 1:
			cropX, cropY = 2, 2*fieldFactor
		case 2:
			cropX = 2
		}
	}

	width := int(widthMbs*16) - int(cropX*(cropLeft+cropRight))
	height := int(fieldFactor*heightMapUnits*16) - int(cropY*(cropTop+cropBottom))
	if width <= 0 || height <= 0 {
		return 0, 0, errShortSPS
	}
	return width, height, nil
}

func unescapeRBSP(b []byte) []byte {
	out := make([]byte, 0, len(b))
	zeros := 0
	for _, c := range b {
		if zeros >= 2 && c == 0x03 {
			zeros = 0
			continue
		}
		if c == 0 {
			zeros++
		} else {
			zeros = 0
		}
		out = append(out, c)
	}
	return out
}

type bitReader struct {
	data []byte
	pos  int
	err  error
}

func (r *bitReader) bit() uint32 {
	if r.pos >= len(r.data)*8 {
		r.err = errShortSPS
		return 0
	}
	v := (r.data[r.pos/8] >> (7 - uint(r.pos%8))) & 1
	r.pos++
	return uint32(v)
}

func (r *bitReader) bits(n int) uint32 {
	var v uint32
	for i := 0; i < n; i++ {
		v = v<<1 | r.bit()
	}
	return v
}

func (r *bitReader) skip(n int) { r.bits(n) }

func (r *bitReader) ue() uint32 {
	zeros := 0
	for r.bit() == 0 {
		if r.err != nil || zeros > 31 {
			r.err = errShortSPS
			return 0
		}
		zeros++
	}
	return (1<<zeros - 1) + r.bits(zeros)
}

func (r *bitReader) se() int32 {
	v := r.ue()
	if v&1 == 1 {
		return int32((v + 1) / 2)
	}
	return -int32(v / 2)
}

func (r *bitReader) skipScalingList(size int) {
	last, next := int32(8), int32(8)
	for j := 0; j < size && r.err == nil; j++ {
		if next != 0 {
			next = (last + r.se() + 256) % 256
		}
		if next != 0 {
			last = next
		}
	}
}
