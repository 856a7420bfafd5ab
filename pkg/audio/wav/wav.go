// Package wav writes and inspects canonical 44-byte-header PCM WAV files.
package wav

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/MrWong99/micvad/pkg/audio"
)

// HeaderSize is the size of the canonical RIFF/WAVE header.
const HeaderSize = 44

// Header is the canonical RIFF/WAVE header for linear PCM.
type Header struct {
	ChunkID       [4]byte // "RIFF"
	ChunkSize     uint32  // file size - 8
	Format        [4]byte // "WAVE"
	Subchunk1ID   [4]byte // "fmt "
	Subchunk1Size uint32  // 16 for PCM
	AudioFormat   uint16  // 1 for PCM
	NumChannels   uint16
	SampleRate    uint32
	ByteRate      uint32 // SampleRate * NumChannels * BitsPerSample / 8
	BlockAlign    uint16 // NumChannels * BitsPerSample / 8
	BitsPerSample uint16
	Subchunk2ID   [4]byte // "data"
	Subchunk2Size uint32  // PCM byte count
}

// NewHeader builds the header describing dataLen bytes of PCM in f.
func NewHeader(f audio.Format, dataLen int) Header {
	pad := uint32(dataLen & 1)
	return Header{
		ChunkID:       [4]byte{'R', 'I', 'F', 'F'},
		ChunkSize:     36 + uint32(dataLen) + pad,
		Format:        [4]byte{'W', 'A', 'V', 'E'},
		Subchunk1ID:   [4]byte{'f', 'm', 't', ' '},
		Subchunk1Size: 16,
		AudioFormat:   1,
		NumChannels:   uint16(f.Channels),
		SampleRate:    uint32(f.SampleRate),
		ByteRate:      uint32(f.BytesPerSecond()),
		BlockAlign:    uint16(f.FrameSize()),
		BitsPerSample: uint16(f.BitDepth),
		Subchunk2ID:   [4]byte{'d', 'a', 't', 'a'},
		Subchunk2Size: uint32(dataLen),
	}
}

// PCMFormat returns the PCM format described by h.
func (h Header) PCMFormat() audio.Format {
	return audio.Format{
		SampleRate:   int(h.SampleRate),
		BitDepth:     int(h.BitsPerSample),
		Channels:     int(h.NumChannels),
		Signed:       h.BitsPerSample > 8,
		LittleEndian: true,
	}
}

// Encode writes pcm to w as a WAV stream in f. RIFF requires chunks to be
// word aligned, so an odd-length payload is followed by one pad byte that is
// not counted in the data length.
func Encode(w io.Writer, pcm []byte, f audio.Format) error {
	if err := binary.Write(w, binary.LittleEndian, NewHeader(f, len(pcm))); err != nil {
		return fmt.Errorf("wav: write header: %w", err)
	}
	if _, err := w.Write(pcm); err != nil {
		return fmt.Errorf("wav: write data: %w", err)
	}
	if len(pcm)&1 == 1 {
		if _, err := w.Write([]byte{0}); err != nil {
			return fmt.Errorf("wav: write pad: %w", err)
		}
	}
	return nil
}

// Export writes pcm to path as a WAV file in f.
//
// An empty pcm fails with [audio.ErrEmptySnapshot] and leaves the file system
// untouched. Parent directories are created as needed. The file is written to
// a temporary sibling and renamed into place, so a failed export never leaves
// a truncated file at path. Any I/O failure wraps [audio.ErrExportIO].
func Export(pcm []byte, path string, f audio.Format) (err error) {
	if len(pcm) == 0 {
		return fmt.Errorf("wav: export %q: %w", path, audio.ErrEmptySnapshot)
	}
	if path == "" {
		return fmt.Errorf("wav: export: empty path: %w", audio.ErrExportIO)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return exportErr(path, err)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return exportErr(path, err)
	}
	defer func() {
		if err != nil {
			_ = tmp.Close()
			_ = os.Remove(tmp.Name())
		}
	}()

	bw := bufio.NewWriter(tmp)
	if err := Encode(bw, pcm, f); err != nil {
		return exportErr(path, err)
	}
	if err := bw.Flush(); err != nil {
		return exportErr(path, err)
	}
	if err := tmp.Sync(); err != nil {
		return exportErr(path, err)
	}
	if err := tmp.Close(); err != nil {
		return exportErr(path, err)
	}
	if err := os.Chmod(tmp.Name(), 0o644); err != nil {
		return exportErr(path, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return exportErr(path, err)
	}
	return nil
}

func exportErr(path string, err error) error {
	return fmt.Errorf("wav: export %q: %w", path, errors.Join(audio.ErrExportIO, err))
}

// ReadHeader parses and validates the canonical header at the start of r.
func ReadHeader(r io.Reader) (Header, error) {
	var h Header
	if err := binary.Read(r, binary.LittleEndian, &h); err != nil {
		return Header{}, fmt.Errorf("wav: read header: %w", err)
	}
	switch {
	case string(h.ChunkID[:]) != "RIFF":
		return Header{}, errors.New("wav: missing RIFF header")
	case string(h.Format[:]) != "WAVE":
		return Header{}, errors.New("wav: missing WAVE format")
	case string(h.Subchunk1ID[:]) != "fmt ":
		return Header{}, errors.New("wav: missing fmt chunk")
	case string(h.Subchunk2ID[:]) != "data":
		return Header{}, errors.New("wav: missing data chunk")
	case h.AudioFormat != 1:
		return Header{}, fmt.Errorf("wav: unsupported audio format %d (only PCM)", h.AudioFormat)
	}
	return h, nil
}

// Decode reads a WAV stream written by [Encode] and returns its header and
// PCM payload.
func Decode(r io.Reader) (Header, []byte, error) {
	h, err := ReadHeader(r)
	if err != nil {
		return Header{}, nil, err
	}
	pcm := make([]byte, h.Subchunk2Size)
	if _, err := io.ReadFull(r, pcm); err != nil {
		return Header{}, nil, fmt.Errorf("wav: read data: %w", err)
	}
	return h, pcm, nil
}
