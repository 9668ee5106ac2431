package helpers

import (
	"encoding/binary"
	"log"
	"os"
	"sync/atomic"
)

// --- Trace flags ---
// Verbose subsystem tracing is opt-in via environment variables so the
// hot paths stay quiet by default.

var (
	apiTraceEnabled     int32
	mediaTraceEnabled   int32
	impulseTraceEnabled int32
)

func init() {
	if os.Getenv("HAPTICS_API_TRACE") == "1" {
		atomic.StoreInt32(&apiTraceEnabled, 1)
		log.Println("--- Detailed command channel tracing enabled (HAPTICS_API_TRACE=1) ---")
	}
	if os.Getenv("HAPTICS_MEDIA_TRACE") == "1" {
		atomic.StoreInt32(&mediaTraceEnabled, 1)
		log.Println("--- Detailed media IPC tracing enabled (HAPTICS_MEDIA_TRACE=1) ---")
	}
	if os.Getenv("HAPTICS_IMPULSE_TRACE") == "1" {
		atomic.StoreInt32(&impulseTraceEnabled, 1)
		log.Println("--- Detailed impulse extraction tracing enabled (HAPTICS_IMPULSE_TRACE=1) ---")
	}
}

// IsAPITraceEnabled checks if per-frame command channel tracing is on.
func IsAPITraceEnabled() bool {
	return atomic.LoadInt32(&apiTraceEnabled) == 1
}

// IsMediaTraceEnabled checks if media IPC tracing is on.
func IsMediaTraceEnabled() bool {
	return atomic.LoadInt32(&mediaTraceEnabled) == 1
}

// IsImpulseTraceEnabled checks if impulse extraction tracing is on.
func IsImpulseTraceEnabled() bool {
	return atomic.LoadInt32(&impulseTraceEnabled) == 1
}

// Clamp01 clamps v into the normalized intensity range [0, 1].
func Clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// CreateWavHeader creates a simple WAV header for the given parameters.
// dataSize is the size of the raw audio data chunk only. Used to
// synthesize PCM fixtures for extractor tests.
func CreateWavHeader(dataSize, numChannels, sampleRate, bitsPerSample int) []byte {
	header := make([]byte, 44)
	totalSize := uint32(dataSize + 36) // 36 = bytes remaining after ChunkSize field (44 - 8)
	byteRate := uint32(sampleRate * numChannels * bitsPerSample / 8)
	blockAlign := uint16(numChannels * bitsPerSample / 8)

	// RIFF Header ("RIFF" chunk descriptor)
	copy(header[0:4], []byte("RIFF"))
	binary.LittleEndian.PutUint32(header[4:8], totalSize) // ChunkSize
	copy(header[8:12], []byte("WAVE"))                    // Format

	// Format Subchunk ("fmt " subchunk)
	copy(header[12:16], []byte("fmt "))              // Subchunk1ID
	binary.LittleEndian.PutUint32(header[16:20], 16) // Subchunk1Size for PCM
	binary.LittleEndian.PutUint16(header[20:22], 1)  // AudioFormat 1 for PCM
	binary.LittleEndian.PutUint16(header[22:24], uint16(numChannels))
	binary.LittleEndian.PutUint32(header[24:28], uint32(sampleRate))
	binary.LittleEndian.PutUint32(header[28:32], byteRate)
	binary.LittleEndian.PutUint16(header[32:34], blockAlign)
	binary.LittleEndian.PutUint16(header[34:36], uint16(bitsPerSample))

	// Data Subchunk ("data" subchunk)
	copy(header[36:40], []byte("data"))                            // Subchunk2ID
	binary.LittleEndian.PutUint32(header[40:44], uint32(dataSize)) // Subchunk2Size

	return header
}
