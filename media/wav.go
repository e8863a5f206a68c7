package media

import (
	"bytes"
	"encoding/binary"
)

// Telephony PCM parameters: 16-bit mono at 8000 Hz.
const (
	pcmSampleRate = 8000
	pcmBitDepth   = 16
	pcmChannels   = 1
)

// PCMToWAV wraps raw telephony PCM in a WAV container so it can be handed
// to the playback pipeline as audio/wav.
func PCMToWAV(pcmData []byte) []byte {
	var buf bytes.Buffer

	blockAlign := pcmChannels * pcmBitDepth / 8
	byteRate := pcmSampleRate * blockAlign

	buf.WriteString("RIFF")
	binary.Write(&buf, binary.LittleEndian, uint32(36+len(pcmData)))
	buf.WriteString("WAVE")

	buf.WriteString("fmt ")
	binary.Write(&buf, binary.LittleEndian, uint32(16))
	binary.Write(&buf, binary.LittleEndian, uint16(1)) // PCM format
	binary.Write(&buf, binary.LittleEndian, uint16(pcmChannels))
	binary.Write(&buf, binary.LittleEndian, uint32(pcmSampleRate))
	binary.Write(&buf, binary.LittleEndian, uint32(byteRate))
	binary.Write(&buf, binary.LittleEndian, uint16(blockAlign))
	binary.Write(&buf, binary.LittleEndian, uint16(pcmBitDepth))

	buf.WriteString("data")
	binary.Write(&buf, binary.LittleEndian, uint32(len(pcmData)))
	buf.Write(pcmData)

	return buf.Bytes()
}
