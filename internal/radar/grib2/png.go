package grib2

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"image"
	"image/png"
	"math"
)

const (
	templateLatLon = 0
	templatePNG    = 41
	noBitmap       = 255

	section3LatLonLen = 72
	section5MinLen    = 21
)

var (
	errNotGRIB2   = errors.New("not a GRIB2 message")
	errTruncated  = errors.New("truncated GRIB2 message")
	errNoDataSect = errors.New("GRIB2 message has no data section")
)

// message holds the sections of the first field that the decoder needs.
type message struct {
	gridTemplate uint16
	grid         gridDef

	dataTemplate uint16
	points       int
	ref          float32
	binScale     int
	decScale     int
	bits         int

	bitmap uint8
	data   []byte
}

// scanMessage walks the sections of the first field in raw.
func scanMessage(raw []byte) (*message, error) {
	if len(raw) < 16 || string(raw[:4]) != "GRIB" {
		return nil, errNotGRIB2
	}
	if raw[7] != 2 {
		return nil, fmt.Errorf("%w: edition %d", errNotGRIB2, raw[7])
	}
	total := binary.BigEndian.Uint64(raw[8:16])
	if total > uint64(len(raw)) {
		return nil, errTruncated
	}
	end := int(total)

	m := &message{bitmap: noBitmap}
	var gotGrid, gotPacking bool
	for off := 16; ; {
		if off+4 > end {
			return nil, errTruncated
		}
		if string(raw[off:off+4]) == "7777" {
			return nil, errNoDataSect
		}
		if off+5 > end {
			return nil, errTruncated
		}
		n := int(binary.BigEndian.Uint32(raw[off:]))
		if n < 5 || off+n > end {
			return nil, errTruncated
		}
		sec := raw[off : off+n]
		off += n

		switch sec[4] {
		case 3:
			if err := m.readGrid(sec); err != nil {
				return nil, err
			}
			gotGrid = true
		case 5:
			if len(sec) < section5MinLen {
				return nil, errTruncated
			}
			m.points = int(binary.BigEndian.Uint32(sec[5:9]))
			m.dataTemplate = binary.BigEndian.Uint16(sec[9:11])
			m.ref = math.Float32frombits(binary.BigEndian.Uint32(sec[11:15]))
			m.binScale = signMagnitude16(sec[15:17])
			m.decScale = signMagnitude16(sec[17:19])
			m.bits = int(sec[19])
			gotPacking = true
		case 6:
			if len(sec) < 6 {
				return nil, errTruncated
			}
			m.bitmap = sec[5]
		case 7:
			if !gotGrid || !gotPacking {
				return nil, fmt.Errorf("%w: data before grid or packing section", errTruncated)
			}
			m.data = sec[5:]
			return m, nil
		}
	}
}

func (m *message) readGrid(sec []byte) error {
	if len(sec) < 14 {
		return errTruncated
	}
	m.gridTemplate = binary.BigEndian.Uint16(sec[12:14])
	if m.gridTemplate != templateLatLon {
		return nil
	}
	if len(sec) < section3LatLonLen {
		return errTruncated
	}
	m.grid = gridDef{
		ni:       int(binary.BigEndian.Uint32(sec[30:34])),
		nj:       int(binary.BigEndian.Uint32(sec[34:38])),
		la1:      signMagnitude32(sec[46:50]),
		lo1:      signMagnitude32(sec[50:54]),
		la2:      signMagnitude32(sec[55:59]),
		lo2:      signMagnitude32(sec[59:63]),
		di:       int64(binary.BigEndian.Uint32(sec[63:67])),
		dj:       int64(binary.BigEndian.Uint32(sec[67:71])),
		scanMode: sec[71],
	}
	return nil
}

// unpackPNG applies Y = (R + X*2^E) / 10^D to the PNG-coded values.
func unpackPNG(m *message) ([]float64, error) {
	n := m.grid.ni * m.grid.nj
	if m.bitmap != noBitmap {
		return nil, fmt.Errorf("%w: bitmap %d with png packing", errUnsupportedGrid, m.bitmap)
	}
	if m.points != n {
		return nil, fmt.Errorf("packing declares %d points for a %dx%d grid", m.points, m.grid.nj, m.grid.ni)
	}

	ref := float64(m.ref)
	scale := math.Pow(2, float64(m.binScale))
	div := math.Pow(10, float64(m.decScale))
	out := make([]float64, n)
	if m.bits == 0 {
		for i := range out {
			out[i] = ref / div
		}
		return out, nil
	}

	img, err := png.Decode(bytes.NewReader(m.data))
	if err != nil {
		return nil, fmt.Errorf("png: %w", err)
	}
	b := img.Bounds()
	if b.Dx()*b.Dy() != n {
		return nil, fmt.Errorf("png holds %dx%d pixels for %d points", b.Dx(), b.Dy(), n)
	}

	var pixel func(x, y int) uint32
	switch im := img.(type) {
	case *image.Gray:
		pixel = func(x, y int) uint32 { return uint32(im.GrayAt(x, y).Y) }
	case *image.Gray16:
		pixel = func(x, y int) uint32 { return uint32(im.Gray16At(x, y).Y) }
	case *image.RGBA:
		pixel = func(x, y int) uint32 {
			c := im.RGBAAt(x, y)
			return uint32(c.R)<<16 | uint32(c.G)<<8 | uint32(c.B)
		}
	case *image.NRGBA:
		pixel = func(x, y int) uint32 {
			c := im.NRGBAAt(x, y)
			v := uint32(c.R)<<16 | uint32(c.G)<<8 | uint32(c.B)
			if m.bits == 32 {
				v = v<<8 | uint32(c.A)
			}
			return v
		}
	default:
		return nil, fmt.Errorf("png color model %T not supported", img)
	}

	i := 0
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			out[i] = (ref + float64(pixel(x, y))*scale) / div
			i++
		}
	}
	return out, nil
}

// GRIB2 stores signed integers as sign and magnitude.
func signMagnitude16(b []byte) int {
	v := binary.BigEndian.Uint16(b)
	n := int(v & 0x7fff)
	if v&0x8000 != 0 {
		n = -n
	}
	return n
}

func signMagnitude32(b []byte) int64 {
	v := binary.BigEndian.Uint32(b)
	n := int64(v & 0x7fffffff)
	if v&0x80000000 != 0 {
		n = -n
	}
	return n
}
