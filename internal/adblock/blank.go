package adblock

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"sync"

	"github.com/asticode/go-astits"
)

const (
	blankVideoPID = 0x100
	// blankPTS is one second at the 90kHz MPEG-TS clock.
	blankPTS = 90000

	blankMIMEType = "video/mp2t"
)

// accessUnitDelimiter is an H.264 AUD NAL unit, the smallest valid access unit.
var accessUnitDelimiter = []byte{0x00, 0x00, 0x00, 0x01, 0x09, 0xf0}

var blankSegment = sync.OnceValues(generateBlankSegment)

// BlankSegment returns the embedded blank MPEG-TS segment substituted for ads.
func BlankSegment() []byte {
	b, err := blankSegment()
	if err != nil {
		// The muxer only fails on write errors, and bytes.Buffer never fails.
		panic(err)
	}
	return b
}

// BlankVideoDataURL returns BlankSegment as a data: URL usable as a segment URI.
func BlankVideoDataURL() string {
	return "data:" + blankMIMEType + ";base64," + base64.StdEncoding.EncodeToString(BlankSegment())
}

func generateBlankSegment() ([]byte, error) {
	var buf bytes.Buffer
	mx := astits.NewMuxer(context.Background(), &buf)

	if err := mx.AddElementaryStream(astits.PMTElementaryStream{
		ElementaryPID: blankVideoPID,
		StreamType:    astits.StreamTypeH264Video,
	}); err != nil {
		return nil, fmt.Errorf("add elementary stream: %w", err)
	}
	mx.SetPCRPID(blankVideoPID)

	if _, err := mx.WriteTables(); err != nil {
		return nil, fmt.Errorf("write tables: %w", err)
	}

	if _, err := mx.WriteData(&astits.MuxerData{
		PID: blankVideoPID,
		AdaptationField: &astits.PacketAdaptationField{
			RandomAccessIndicator: true,
		},
		PES: &astits.PESData{
			Header: &astits.PESHeader{
				OptionalHeader: &astits.PESOptionalHeader{
					MarkerBits:      2,
					PTSDTSIndicator: astits.PTSDTSIndicatorOnlyPTS,
					PTS:             &astits.ClockReference{Base: blankPTS},
				},
				StreamID: 0xe0,
			},
			Data: accessUnitDelimiter,
		},
	}); err != nil {
		return nil, fmt.Errorf("write access unit: %w", err)
	}
	return buf.Bytes(), nil
}
