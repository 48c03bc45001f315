// internal/ble/protocol/chunk.go
package protocol

// MaxChunkPayload is the largest firmware slice that fits one write at the
// maximum ATT MTU (247 - 3 byte ATT header - 1 opcode byte - 1 spare).
const MaxChunkPayload = 242

// DefaultChunkSize fits the MTU the ESP32 stack negotiates with phones.
const DefaultChunkSize = 180

// ChunkCount returns how many chunks of size are needed for total bytes.
// Returns 0 for empty images or non-positive sizes.
func ChunkCount(total, size int) int {
	if total <= 0 || size <= 0 {
		return 0
	}
	return (total + size - 1) / size
}

// ChunkAt returns the slice of image starting at offset, at most size bytes
// long. It returns nil once offset reaches the end of the image.
func ChunkAt(image []byte, offset, size int) []byte {
	if size <= 0 || offset < 0 || offset >= len(image) {
		return nil
	}
	end := offset + size
	if end > len(image) {
		end = len(image)
	}
	return image[offset:end]
}
