package store

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/goccy/go-json"
	"github.com/klauspost/compress/zstd"

	"github.com/i474232898/mrms-rala/internal/radar"
)

// Artifact layout, zstd compressed:
//
//	magic "RALA" | uint32 header length | JSON header | float32 values | int8 sources
//
// Integers and floats are little endian.
var artifactMagic = [4]byte{'R', 'A', 'L', 'A'}

const maxHeaderSize = 1 << 20

var errCorruptArtifact = errors.New("corrupt composite artifact")

func encodeComposite(w io.Writer, c *radar.CompositeGrid) error {
	if len(c.Values) != c.Len() || len(c.Source) != c.Len() {
		return fmt.Errorf("composite %s: %d values, %d sources for %dx%d raster",
			c.Timestamp, len(c.Values), len(c.Source), c.Rows, c.Cols)
	}

	header, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal header: %w", err)
	}

	zw, err := zstd.NewWriter(w, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return err
	}
	bw := bufio.NewWriter(zw)

	if _, err := bw.Write(artifactMagic[:]); err != nil {
		zw.Close()
		return err
	}
	if err := binary.Write(bw, binary.LittleEndian, uint32(len(header))); err != nil {
		zw.Close()
		return err
	}
	if _, err := bw.Write(header); err != nil {
		zw.Close()
		return err
	}
	if err := binary.Write(bw, binary.LittleEndian, c.Values); err != nil {
		zw.Close()
		return err
	}
	if err := binary.Write(bw, binary.LittleEndian, c.Source); err != nil {
		zw.Close()
		return err
	}
	if err := bw.Flush(); err != nil {
		zw.Close()
		return err
	}
	return zw.Close()
}

func decodeComposite(r io.Reader) (*radar.CompositeGrid, error) {
	zr, err := zstd.NewReader(r)
	if err != nil {
		return nil, err
	}
	defer zr.Close()
	br := bufio.NewReader(zr)

	var magic [4]byte
	if _, err := io.ReadFull(br, magic[:]); err != nil {
		return nil, fmt.Errorf("%w: %v", errCorruptArtifact, err)
	}
	if magic != artifactMagic {
		return nil, fmt.Errorf("%w: bad magic %q", errCorruptArtifact, magic[:])
	}

	var n uint32
	if err := binary.Read(br, binary.LittleEndian, &n); err != nil {
		return nil, fmt.Errorf("%w: %v", errCorruptArtifact, err)
	}
	if n == 0 || n > maxHeaderSize {
		return nil, fmt.Errorf("%w: header size %d", errCorruptArtifact, n)
	}
	header := make([]byte, n)
	if _, err := io.ReadFull(br, header); err != nil {
		return nil, fmt.Errorf("%w: %v", errCorruptArtifact, err)
	}

	c := new(radar.CompositeGrid)
	if err := json.Unmarshal(header, c); err != nil {
		return nil, fmt.Errorf("%w: header: %v", errCorruptArtifact, err)
	}
	if c.Rows <= 0 || c.Cols <= 0 {
		return nil, fmt.Errorf("%w: shape %dx%d", errCorruptArtifact, c.Rows, c.Cols)
	}

	c.Values = make([]float32, c.Len())
	c.Source = make([]int8, c.Len())
	if err := binary.Read(br, binary.LittleEndian, c.Values); err != nil {
		return nil, fmt.Errorf("%w: values: %v", errCorruptArtifact, err)
	}
	if err := binary.Read(br, binary.LittleEndian, c.Source); err != nil {
		return nil, fmt.Errorf("%w: sources: %v", errCorruptArtifact, err)
	}
	return c, nil
}
