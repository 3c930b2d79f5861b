package binary

import "fmt"

const z85Alphabet = "0123456789abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ.-:+=^!/*?&<>()[]{}@%$#"

var z85Decoder [256]byte

func init() {
	for i := range z85Decoder {
		z85Decoder[i] = 0xff
	}
	for i := 0; i < len(z85Alphabet); i++ {
		z85Decoder[z85Alphabet[i]] = byte(i)
	}
}

// EncodeZ85 encodes data with the Z85 alphabet. Input whose length is not a
// multiple of 4 is padded with zeros and the characters standing only for
// padding are left out.
func EncodeZ85(data []byte) string {
	padding := (4 - len(data)%4) % 4
	out := make([]byte, 0, (len(data)+padding)/4*5)

	var block [4]byte
	for i := 0; i < len(data)+padding; i += 4 {
		for j := range block {
			block[j] = 0
			if i+j < len(data) {
				block[j] = data[i+j]
			}
		}
		value := uint32(block[0])<<24 | uint32(block[1])<<16 | uint32(block[2])<<8 | uint32(block[3])

		var chars [5]byte
		for j := 4; j >= 0; j-- {
			chars[j] = z85Alphabet[value%85]
			value /= 85
		}
		keep := 5
		if i+4 > len(data) {
			keep -= padding
		}
		out = append(out, chars[:keep]...)
	}
	return string(out)
}

// DecodeZ85 reverses EncodeZ85
func DecodeZ85(s string) ([]byte, error) {
	padding := (5 - len(s)%5) % 5
	if padding == 4 {
		return nil, fmt.Errorf("z85: invalid length %d", len(s))
	}
	out := make([]byte, 0, (len(s)+padding)/5*4)

	for i := 0; i < len(s)+padding; i += 5 {
		var value uint64
		for j := 0; j < 5; j++ {
			digit := byte(84)
			if i+j < len(s) {
				digit = z85Decoder[s[i+j]]
				if digit == 0xff {
					return nil, fmt.Errorf("z85: invalid character %q at %d", s[i+j], i+j)
				}
			}
			value = value*85 + uint64(digit)
		}
		if value > 0xffffffff {
			return nil, fmt.Errorf("z85: block at %d overflows", i)
		}
		out = append(out, byte(value>>24), byte(value>>16), byte(value>>8), byte(value))
	}
	return out[:len(out)-padding], nil
}
