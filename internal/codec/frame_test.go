package codec

import (
	"bytes"
	"io"
	"testing"

	"gotest.tools/v3/assert"
)

func TestWriteToReadFromRoundTrip(t *testing.T) {
	var buf bytes.Buffer

	assert.NilError(t, WriteTo(&buf, "DATA", []byte("hello")))
	assert.NilError(t, WriteTo(&buf, "TRLR", nil))

	tag, payload, err := ReadFrom(&buf)
	assert.NilError(t, err)
	assert.Equal(t, tag, "DATA")
	assert.DeepEqual(t, payload, []byte("hello"))

	tag, payload, err = ReadFrom(&buf)
	assert.NilError(t, err)
	assert.Equal(t, tag, "TRLR")
	assert.Equal(t, len(payload), 0)

	_, _, err = ReadFrom(&buf)
	assert.Equal(t, err, io.EOF)
}

func TestParseFrameRoundTrip(t *testing.T) {
	buf, err := Encode("ROOT", []byte("payload-bytes"))
	assert.NilError(t, err)

	tag, payload, consumed, err := ParseFrame(buf)
	assert.NilError(t, err)
	assert.Equal(t, tag, "ROOT")
	assert.DeepEqual(t, payload, []byte("payload-bytes"))
	assert.Equal(t, consumed, len(buf))
}

func TestReadFromCorruptedCRCIsRejected(t *testing.T) {
	buf, err := Encode("DATA", []byte("some value"))
	assert.NilError(t, err)

	// Flip a bit in the payload without touching the trailing CRC.
	buf[HeaderSize] ^= 0xFF

	_, _, err = ReadFrom(bytes.NewReader(buf))
	assert.ErrorIs(t, err, ErrCRCMismatch)
}

func TestParseFrameCorruptedCRCIsRejected(t *testing.T) {
	buf, err := Encode("DATA", []byte("some value"))
	assert.NilError(t, err)

	buf[HeaderSize] ^= 0xFF

	_, _, _, err = ParseFrame(buf)
	assert.ErrorIs(t, err, ErrCRCMismatch)
}

func TestReadFromOversizedPayloadIsHardError(t *testing.T) {
	hdr := make([]byte, HeaderSize)
	copy(hdr[0:TagSize], "DATA")
	// Declare a length larger than MaxPayloadSize.
	hdr[4], hdr[5], hdr[6], hdr[7] = 0xFF, 0xFF, 0xFF, 0x7F

	_, _, err := ReadFrom(bytes.NewReader(hdr))
	assert.ErrorIs(t, err, ErrOversizedPayload)
}

func TestReadFromTruncatedMidFrameIsEOFNotError(t *testing.T) {
	buf, err := Encode("DATA", []byte("a value that is several bytes long"))
	assert.NilError(t, err)

	// Simulate a crash mid-append: the frame is cut off partway through
	// the payload, well short of the trailer.
	truncated := buf[:HeaderSize+5]

	_, _, err = ReadFrom(bytes.NewReader(truncated))
	assert.Equal(t, err, io.EOF)
}

func TestReadFromTruncatedHeaderIsEOFNotError(t *testing.T) {
	_, _, err := ReadFrom(bytes.NewReader([]byte{0x01, 0x02}))
	assert.Equal(t, err, io.EOF)
}

func TestParseFrameShortBufferIsError(t *testing.T) {
	_, _, _, err := ParseFrame([]byte{0x01, 0x02})
	assert.ErrorIs(t, err, ErrShortBuffer)
}

func TestEncodeRejectsBadTag(t *testing.T) {
	_, err := Encode("TOOLONG", []byte("x"))
	assert.ErrorIs(t, err, ErrBadTag)
}

func TestWalkFramesVisitsEveryFrameThenStops(t *testing.T) {
	var buf bytes.Buffer
	assert.NilError(t, WriteTo(&buf, "AAAA", []byte("1")))
	assert.NilError(t, WriteTo(&buf, "BBBB", []byte("22")))
	assert.NilError(t, WriteTo(&buf, "CCCC", []byte("333")))

	var tags []string
	var offsets []int64
	err := WalkFrames(&buf, func(tag string, payload []byte, offset int64) error {
		tags = append(tags, tag)
		offsets = append(offsets, offset)
		return nil
	})
	assert.NilError(t, err)
	assert.DeepEqual(t, tags, []string{"AAAA", "BBBB", "CCCC"})
	assert.DeepEqual(t, offsets, []int64{0, 13, 27})
}

func TestWalkFramesPropagatesCallbackError(t *testing.T) {
	var buf bytes.Buffer
	assert.NilError(t, WriteTo(&buf, "AAAA", []byte("1")))

	err := WalkFrames(&buf, func(tag string, payload []byte, offset int64) error {
		return io.ErrClosedPipe
	})
	assert.ErrorIs(t, err, io.ErrClosedPipe)
}
