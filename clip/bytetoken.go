package clip

// byteToToken implements clip_tokr_byte_to_token: CLIP's BPE operates
// over "printable" byte tokens, remapping the otherwise-invisible
// control/high bytes into the visible range so every byte has a
// stable single-codepoint representation. Self-contained arithmetic,
// no table.
func byteToToken(b byte) int32 {
	v := int(b)
	switch {
	case v <= 32:
		return int32(v + 188)
	case v <= 126:
		return int32(v - 33)
	case v <= 160:
		return int32(v + 94)
	case v <= 172:
		return int32(v - 67)
	case v == 173:
		return 255
	default:
		return int32(v - 68)
	}
}

// tokenToByte is byteToToken's inverse (clip_tokr_token_to_byte). ok is
// false for a token id with no corresponding byte (shouldn't occur for
// ids produced by byteToToken, but decode must still validate input).
func tokenToByte(tok int32) (b byte, ok bool) {
	switch {
	case tok <= 93:
		return byte(tok + 33), true
	case tok <= 105:
		return byte(tok + 67), true
	case tok <= 187:
		return byte(tok + 68), true
	case tok <= 220:
		return byte(tok - 188), true
	case tok <= 254:
		return byte(tok - 94), true
	case tok == 255:
		return 173, true
	default:
		return 0, false
	}
}
