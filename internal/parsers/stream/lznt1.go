package stream

import (
	"errors"
	"fmt"
)

// LZNT1 works on 4096 byte chunks. Each chunk starts with a 16-bit header:
// the low 12 bits are the chunk's stored length minus 3 (header included),
// bit 15 is set when the chunk is compressed.
const (
	lzntChunkSize      = 4096
	lzntHeaderSize     = 2
	lzntLengthMask     = 0x0FFF
	lzntCompressedFlag = 0x8000
)

// ErrLZNT1 is returned for a chunk that cannot be decompressed
var ErrLZNT1 = errors.New("invalid LZNT1 data")

// DecompressLZNT1 expands src into dst chunk by chunk and returns the number
// of bytes produced. Every chunk but the last occupies a full 4096 bytes of
// dst; a chunk that expands to less leaves the rest of its block untouched.
func DecompressLZNT1(dst, src []byte) (int, error) {
	in, out := 0, 0
	for in+lzntHeaderSize <= len(src) && out < len(dst) {
		header := uint16(src[in]) | uint16(src[in+1])<<8
		if header == 0 {
			break
		}
		stored := int(header&lzntLengthMask) + 1
		in += lzntHeaderSize
		end := in + stored
		if end > len(src) {
			return out, fmt.Errorf("%w: chunk of %d bytes at %d overruns %d byte input",
				ErrLZNT1, stored, in, len(src))
		}

		block := dst[out:min(out+lzntChunkSize, len(dst))]
		var n int
		if header&lzntCompressedFlag != 0 && stored < lzntChunkSize {
			var err error
			n, err = decompressChunk(block, src[in:end])
			if err != nil {
				return out, err
			}
		} else {
			n = copy(block, src[in:end])
		}
		in = end
		if out+lzntChunkSize >= len(dst) {
			out += n
			break
		}
		out += lzntChunkSize
	}
	return out, nil
}

// decompressChunk expands one compressed chunk. Back references pack a
// length and a displacement in 16 bits; the split moves towards the length
// as the output position grows.
func decompressChunk(dst, src []byte) (int, error) {
	i, j := 0, 0
	for i < len(src) {
		flags := src[i]
		i++
		for bit := 0; bit < 8 && i < len(src); bit++ {
			if flags&(1<<bit) == 0 {
				if j >= len(dst) {
					return j, fmt.Errorf("%w: literal past end of chunk", ErrLZNT1)
				}
				dst[j] = src[i]
				i++
				j++
				continue
			}

			if i+1 >= len(src) {
				return j, fmt.Errorf("%w: truncated back reference", ErrLZNT1)
			}
			ref := uint16(src[i]) | uint16(src[i+1])<<8
			i += 2

			lengthMask, dispShift := uint16(0x0FFF), uint(12)
			for p := j - 1; p >= 0x10; p >>= 1 {
				lengthMask >>= 1
				dispShift--
			}
			length := int(ref&lengthMask) + 3
			disp := int(ref>>dispShift) + 1
			if disp > j {
				return j, fmt.Errorf("%w: displacement %d before chunk start at %d", ErrLZNT1, disp, j)
			}
			if j+length > len(dst) {
				return j, fmt.Errorf("%w: back reference of %d bytes past end of chunk", ErrLZNT1, length)
			}
			for k := 0; k < length; k++ {
				dst[j] = dst[j-disp]
				j++
			}
		}
	}
	return j, nil
}
